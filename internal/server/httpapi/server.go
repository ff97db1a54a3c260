// Package httpapi exposes stored files over HTTP: ranged streaming, uploads,
// deletes and the remote session endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/server/download"
	"github.com/dmitrijs2005/chanvault/internal/filex"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/server/config"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/models"
	"github.com/dmitrijs2005/chanvault/internal/server/services"
)

// FileService is the file business logic the handlers drive.
type FileService interface {
	Upload(ctx context.Context, req services.UploadRequest) (*models.File, error)
	Open(ctx context.Context, userID, fileID int64) (*models.File, *models.MediaHandle, error)
	Stream(ctx context.Context, f *models.File, start, length int64) (*download.Stream, error)
	Delete(ctx context.Context, userID, fileID int64) error
}

// SessionService reports and refreshes the remote connection of a user.
type SessionService interface {
	Status(ctx context.Context, userID int64) (bool, error)
	Refresh(ctx context.Context, userID int64) error
}

const shutdownTimeout = 10 * time.Second

type Server struct {
	address         string
	files           FileService
	sessions        SessionService
	secretKey       []byte
	strictRanges    bool
	openRangeWindow int64
	maxUploadSize   int64
	spool           *filex.Spool
	logger          logging.Logger
	metrics         *metrics.Metrics
}

func New(address string, files FileService, sessions SessionService, cfg *config.Config, l logging.Logger, m *metrics.Metrics) (*Server, error) {
	spool, err := filex.NewSpool(cfg.UploadSpoolDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		address:         address,
		files:           files,
		sessions:        sessions,
		secretKey:       []byte(cfg.SecretKey),
		strictRanges:    cfg.StrictRanges,
		openRangeWindow: cfg.OpenRangeWindow,
		maxUploadSize:   cfg.MaxUploadSize,
		spool:           spool,
		logger:          l.With("module", "http_server"),
		metrics:         m,
	}, nil
}

// Handler returns the routed handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// GET patterns also match HEAD.
	mux.Handle("GET /api/v1/files/{id}/stream", s.instrument("stream", s.authenticate(s.handleStream)))
	mux.Handle("POST /api/v1/files", s.instrument("upload", s.authenticate(s.handleUpload)))
	mux.Handle("DELETE /api/v1/files/{id}", s.instrument("delete", s.authenticate(s.handleDelete)))
	mux.Handle("GET /api/v1/session", s.instrument("session_status", s.authenticate(s.handleSessionStatus)))
	mux.Handle("POST /api/v1/session/refresh", s.instrument("session_refresh", s.authenticate(s.handleSessionRefresh)))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "HTTP shutdown incomplete", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
