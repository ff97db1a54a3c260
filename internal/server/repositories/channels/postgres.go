package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/dbx"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// PostgresRepository implements channel bookkeeping over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID int64) (*models.StorageChannel, error) {
	query := `SELECT user_id, chat_id, file_count, total_size, created_at
		FROM user_storage_channels WHERE user_id=$1`

	ch := &models.StorageChannel{}
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&ch.UserID, &ch.ChatID, &ch.FileCount, &ch.TotalSize, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select channel: %w", err)
	}
	return ch, nil
}

func (r *PostgresRepository) Create(ctx context.Context, ch *models.StorageChannel) (*models.StorageChannel, error) {
	query := `
		INSERT INTO user_storage_channels (user_id, chat_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, ch.UserID, ch.ChatID); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return r.Get(ctx, ch.UserID)
}

func (r *PostgresRepository) AddUsage(ctx context.Context, userID, files, bytes int64) error {
	query := `UPDATE user_storage_channels
		SET file_count = GREATEST(file_count + $2, 0), total_size = GREATEST(total_size + $3, 0)
		WHERE user_id=$1`

	res, err := r.db.ExecContext(ctx, query, userID, files, bytes)
	if err != nil {
		return fmt.Errorf("failed to update channel usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
