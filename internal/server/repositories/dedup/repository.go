// Package dedup is the content-hash index mapping a hash to the remote
// message that already holds those bytes.
package dedup

import (
	"context"

	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

type Repository interface {
	// Lookup returns the record for (scope, hash) or common.ErrorNotFound.
	Lookup(ctx context.Context, scope, contentHash string) (*models.DedupRecord, error)
	// Register inserts rec unless (scope, hash) is already present. It
	// reports whether rec was inserted; the first writer wins.
	Register(ctx context.Context, rec *models.DedupRecord) (bool, error)
	Delete(ctx context.Context, scope, contentHash string) error
	// DeleteByLocation drops every record pointing at a remote message.
	DeleteByLocation(ctx context.Context, chatID, messageID int64) (int64, error)
}
