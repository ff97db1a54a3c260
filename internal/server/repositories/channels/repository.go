// Package channels tracks the storage chat of each user and its usage.
package channels

import (
	"context"

	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, userID int64) (*models.StorageChannel, error)
	// Create records ch unless the user already has a channel and returns
	// the stored row, which may be a concurrent writer's.
	Create(ctx context.Context, ch *models.StorageChannel) (*models.StorageChannel, error)
	// AddUsage adjusts file_count and total_size by the given deltas.
	AddUsage(ctx context.Context, userID, files, bytes int64) error
}
