package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/chanvault/internal/dbx"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/channels"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/dedup"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/files"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/sessions"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Sessions(db dbx.DBTX) sessions.Repository
	Dedup(db dbx.DBTX) dedup.Repository
	Files(db dbx.DBTX) files.Repository
	Channels(db dbx.DBTX) channels.Repository
}
