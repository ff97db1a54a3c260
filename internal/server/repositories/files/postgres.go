package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/dbx"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// PostgresRepository implements file storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const fileColumns = `id, user_id, folder_id, filename, size, mime_type, content_hash, chat_id, message_id, created_at`

func (r *PostgresRepository) Create(ctx context.Context, f *models.File) error {
	query := `
		INSERT INTO files (user_id, folder_id, filename, size, mime_type, content_hash, chat_id, message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		f.UserID, nullInt64(f.FolderID), f.Filename, f.Size, f.MimeType, f.ContentHash, f.ChatID, f.MessageID,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, userID, id int64) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE user_id=$1 AND id=$2`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, id))
}

func (r *PostgresRepository) FindInFolder(ctx context.Context, userID int64, folderID *int64, contentHash string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE user_id=$1 AND folder_id IS NOT DISTINCT FROM $2 AND content_hash=$3
		LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, nullInt64(folderID), contentHash))
}

func (r *PostgresRepository) CountByLocation(ctx context.Context, chatID, messageID int64) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM files WHERE chat_id=$1 AND message_id=$2`
	if err := r.db.QueryRowContext(ctx, query, chatID, messageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE user_id=$1 AND id=$2`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
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

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.File, error) {
	f := &models.File{}
	var folder sql.NullInt64
	err := row.Scan(&f.ID, &f.UserID, &folder, &f.Filename, &f.Size, &f.MimeType, &f.ContentHash, &f.ChatID, &f.MessageID, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	if folder.Valid {
		f.FolderID = &folder.Int64
	}
	return f, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
