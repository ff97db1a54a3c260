// Package files stores logical file entries. Several entries may point at the
// same remote message.
package files

import (
	"context"

	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

type Repository interface {
	// Create inserts f and fills in its ID and CreatedAt.
	Create(ctx context.Context, f *models.File) error
	GetByID(ctx context.Context, userID, id int64) (*models.File, error)
	// FindInFolder returns the entry of userID with contentHash in folderID
	// (nil is the root folder) or common.ErrorNotFound.
	FindInFolder(ctx context.Context, userID int64, folderID *int64, contentHash string) (*models.File, error)
	// CountByLocation counts entries referencing a remote message.
	CountByLocation(ctx context.Context, chatID, messageID int64) (int64, error)
	Delete(ctx context.Context, userID, id int64) error
}
