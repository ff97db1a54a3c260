// Package sessions persists sealed remote-platform sessions.
package sessions

import (
	"context"

	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, userID int64) (*models.SealedSession, error)
	Upsert(ctx context.Context, s *models.SealedSession) error
	MarkNeedsReauth(ctx context.Context, userID int64) error
	Delete(ctx context.Context, userID int64) error
}
