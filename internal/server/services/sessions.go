package services

import (
	"context"

	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
)

// ConnectionManager is the part of the connection pool SessionService uses.
type ConnectionManager interface {
	HasSession(ctx context.Context, userID int64) (bool, error)
	Refresh(ctx context.Context, userID int64) (remote.Client, error)
}

type SessionService struct {
	pool   ConnectionManager
	logger logging.Logger
}

func NewSessionService(pool ConnectionManager, logger logging.Logger) *SessionService {
	return &SessionService{pool: pool, logger: logger.With("module", "session")}
}

// Status reports whether the user has a linked, usable remote session.
func (s *SessionService) Status(ctx context.Context, userID int64) (bool, error) {
	return s.pool.HasSession(ctx, userID)
}

// Refresh drops the pooled connection of the user and opens a new one.
func (s *SessionService) Refresh(ctx context.Context, userID int64) error {
	if _, err := s.pool.Refresh(ctx, userID); err != nil {
		return err
	}
	s.logger.Info(ctx, "remote connection refreshed", "user_id", userID)
	return nil
}
