package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/dbx"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
)

// PostgresRepository implements session storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the sealed session of userID or common.ErrorNotFound.
func (r *PostgresRepository) Get(ctx context.Context, userID int64) (*models.SealedSession, error) {
	query := `SELECT user_id, encrypted_session, nonce, needs_reauth, updated_at
		FROM remote_sessions WHERE user_id=$1`

	s := &models.SealedSession{}
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&s.UserID, &s.Ciphertext, &s.Nonce, &s.NeedsReauth, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select session: %w", err)
	}
	return s, nil
}

// Upsert stores s, replacing any previous session of the user and clearing
// the re-auth flag.
func (r *PostgresRepository) Upsert(ctx context.Context, s *models.SealedSession) error {
	query := `
		INSERT INTO remote_sessions (user_id, encrypted_session, nonce, needs_reauth, updated_at)
		VALUES ($1, $2, $3, FALSE, now())
		ON CONFLICT (user_id)
		DO UPDATE SET
			encrypted_session = EXCLUDED.encrypted_session,
			nonce = EXCLUDED.nonce,
			needs_reauth = FALSE,
			updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, s.UserID, s.Ciphertext, s.Nonce); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags the stored session as rejected. Missing rows are not
// an error.
func (r *PostgresRepository) MarkNeedsReauth(ctx context.Context, userID int64) error {
	query := `UPDATE remote_sessions SET needs_reauth=TRUE, updated_at=now() WHERE user_id=$1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to flag session: %w", err)
	}
	return nil
}

// Delete removes the stored session; common.ErrorNotFound if there was none.
func (r *PostgresRepository) Delete(ctx context.Context, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM remote_sessions WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
