// Package sessions resolves the remote-platform session of a user. Reads hit a
// TTL cache first and fall back to the encrypted Postgres row.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/common"
	"github.com/dmitrijs2005/chanvault/internal/cryptox"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/repomanager"
)

// KeySalt is mixed into the session encryption secret when deriving the
// at-rest key.
var KeySalt = []byte("chanvault/remote-session/v1")

type Store struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	cache  Cache
	key    []byte
	ttl    time.Duration
	logger logging.Logger
}

// NewStore builds a Store. key must be a valid AES key, normally
// cryptox.DeriveKey(secret, KeySalt).
func NewStore(db *sql.DB, m repomanager.RepositoryManager, cache Cache, key []byte, ttl time.Duration, logger logging.Logger) *Store {
	return &Store{
		db:     db,
		repos:  m,
		cache:  cache,
		key:    key,
		ttl:    ttl,
		logger: logger.With("module", "sessions"),
	}
}

// Get returns the decrypted session or common.ErrSessionNotFound when the user
// has none or the platform rejected it.
func (s *Store) Get(ctx context.Context, userID int64) (*models.Session, error) {
	sealed, ok, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.Warn(ctx, "session cache read failed", "user_id", userID, "error", err)
	}
	if ok {
		if blob, err := s.open(sealed); err == nil {
			return &models.Session{UserID: userID, Blob: blob}, nil
		}
		s.logger.Warn(ctx, "dropping unreadable cached session", "user_id", userID)
		_ = s.cache.Delete(ctx, userID)
	}

	row, err := s.repos.Sessions(s.db).Get(ctx, userID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, common.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if row.NeedsReauth {
		return nil, common.ErrSessionNotFound
	}

	blob, err := cryptox.Open(row.Ciphertext, row.Nonce, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session: %w", err)
	}

	if err := s.cache.Set(ctx, userID, pack(row.Nonce, row.Ciphertext), s.ttl); err != nil {
		s.logger.Warn(ctx, "session cache write failed", "user_id", userID, "error", err)
	}
	return &models.Session{UserID: userID, Blob: blob, UpdatedAt: row.UpdatedAt}, nil
}

// Put stores a session, replacing any previous one and clearing the
// needs-reauth flag.
func (s *Store) Put(ctx context.Context, session *models.Session) error {
	ciphertext, nonce, err := cryptox.Seal(session.Blob, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %w", err)
	}

	err = s.repos.Sessions(s.db).Upsert(ctx, &models.SealedSession{
		UserID:     session.UserID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
	if err != nil {
		return err
	}

	if err := s.cache.Set(ctx, session.UserID, pack(nonce, ciphertext), s.ttl); err != nil {
		s.logger.Warn(ctx, "session cache write failed", "user_id", session.UserID, "error", err)
	}
	return nil
}

// Invalidate drops the cached session and flags the durable row so that the
// next Get reports ErrSessionNotFound until Put is called again.
func (s *Store) Invalidate(ctx context.Context, userID int64) error {
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.Warn(ctx, "session cache delete failed", "user_id", userID, "error", err)
	}
	if err := s.repos.Sessions(s.db).MarkNeedsReauth(ctx, userID); err != nil {
		return err
	}
	s.logger.Info(ctx, "session invalidated", "user_id", userID)
	return nil
}

// Evict drops only the cached copy.
func (s *Store) Evict(ctx context.Context, userID int64) error {
	return s.cache.Delete(ctx, userID)
}

// Delete removes the session entirely.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.Warn(ctx, "session cache delete failed", "user_id", userID, "error", err)
	}
	if err := s.repos.Sessions(s.db).Delete(ctx, userID); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Exists reports whether Get would succeed.
func (s *Store) Exists(ctx context.Context, userID int64) (bool, error) {
	_, err := s.Get(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrSessionNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < cryptox.NonceSize {
		return nil, errors.New("sealed session too short")
	}
	return cryptox.Open(sealed[cryptox.NonceSize:], sealed[:cryptox.NonceSize], s.key)
}

func pack(nonce, ciphertext []byte) []byte {
	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	return append(out, ciphertext...)
}
