package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/dbx"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// PostgresRepository implements the dedup index over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Lookup(ctx context.Context, scope, contentHash string) (*models.DedupRecord, error) {
	query := `SELECT scope, content_hash, chat_id, message_id, size, mime_type, created_at
		FROM dedup_records WHERE scope=$1 AND content_hash=$2`

	rec := &models.DedupRecord{}
	err := r.db.QueryRowContext(ctx, query, scope, contentHash).
		Scan(&rec.Scope, &rec.ContentHash, &rec.ChatID, &rec.MessageID, &rec.Size, &rec.MimeType, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select dedup record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Register(ctx context.Context, rec *models.DedupRecord) (bool, error) {
	query := `
		INSERT INTO dedup_records (scope, content_hash, chat_id, message_id, size, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, content_hash) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		rec.Scope, rec.ContentHash, rec.ChatID, rec.MessageID, rec.Size, rec.MimeType)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, scope, contentHash string) error {
	query := `DELETE FROM dedup_records WHERE scope=$1 AND content_hash=$2`
	if _, err := r.db.ExecContext(ctx, query, scope, contentHash); err != nil {
		return fmt.Errorf("failed to delete dedup record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteByLocation(ctx context.Context, chatID, messageID int64) (int64, error) {
	query := `DELETE FROM dedup_records WHERE chat_id=$1 AND message_id=$2`
	res, err := r.db.ExecContext(ctx, query, chatID, messageID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dedup records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
