// Package server wires the chanvault components together and runs the HTTP
// file endpoints and the gRPC health service until the process is signalled.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/cryptox"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/remote"
	"github.com/dmitrijs2005/chanvault/internal/remote/memory"
	"github.com/dmitrijs2005/chanvault/internal/remote/objstore"
	"github.com/dmitrijs2005/chanvault/internal/server/config"
	"github.com/dmitrijs2005/chanvault/internal/server/download"
	"github.com/dmitrijs2005/chanvault/internal/server/httpapi"
	"github.com/dmitrijs2005/chanvault/internal/server/media"
	"github.com/dmitrijs2005/chanvault/internal/server/metrics"
	"github.com/dmitrijs2005/chanvault/internal/server/pool"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/chanvault/internal/server/services"
	"github.com/dmitrijs2005/chanvault/internal/server/sessions"
	"github.com/dmitrijs2005/chanvault/internal/server/upload"
	"github.com/redis/go-redis/v9"

	gs "github.com/dmitrijs2005/chanvault/internal/server/grpc"
)

const (
	healthInterval  = 10 * time.Second
	migrateTimeout  = time.Minute
	shutdownTimeout = 15 * time.Second
)

var openDB = sql.Open

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	redis   redis.UniversalClient
	pool    *pool.Pool
	httpSrv *httpapi.Server
	health  *gs.HealthServer
}

func NewApp(c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(c.LogLevel)

	db, err := openDB("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	app := &App{config: c, logger: logger, db: db}

	cache := sessions.Cache(sessions.NewLocalCache(c.SessionCacheTTL))
	if c.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		cache = sessions.NewRedisCache(app.redis)
	}

	key := cryptox.DeriveKey([]byte(c.SessionEncryptionKey), sessions.KeySalt)
	store := sessions.NewStore(db, rm, cache, key, c.SessionCacheTTL, logger)

	m := metrics.New()
	app.pool = pool.New(store, newRemoteFactory(c, logger), c.MaxConnections, c.ConnectionLockTimeout, logger, m)

	mediaCache := media.New(app.pool, c.MediaCacheTTL, c.MediaCacheSize, logger, m)
	downloader := download.New(app.pool, mediaCache, c.DownloadQuantum, logger, m)
	uploader := upload.New(db, rm, app.pool, c, logger, m)

	fileService := services.NewFileService(db, rm, app.pool, uploader, downloader, mediaCache, logger)
	sessionService := services.NewSessionService(app.pool, logger)

	app.httpSrv, err = httpapi.New(c.EndpointAddrHTTP, fileService, sessionService, c, logger, m)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("http init error: %w", err)
	}
	app.health = gs.NewHealthServer(c.EndpointAddrGRPC, logger, healthInterval, app.readinessChecks()...)

	return app, nil
}

// newLogger builds the JSON slog logger; unknown levels fall back to info.
func newLogger(level string) logging.Logger {
	return logging.NewJSON(os.Stdout, level)
}

func newRemoteFactory(c *config.Config, logger logging.Logger) remote.Factory {
	if c.RemoteBackend == config.RemoteBackendMemory {
		return memory.New(memory.WithQuantum(c.DownloadQuantum), memory.WithOpenLogin()).Factory()
	}
	return &objstore.Factory{Region: c.S3Region, BaseEndpoint: c.S3BaseEndpoint, Logger: logger}
}

func (app *App) readinessChecks() []gs.Check {
	checks := []gs.Check{{Name: "postgres", Ping: app.db.PingContext}}
	if app.redis != nil {
		checks = append(checks, gs.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.httpSrv.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.health.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.shutdown()
}

// shutdown disconnects every pooled client and releases the stores.
func (app *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app.logger.Info(ctx, "Shutting down...", "connections", app.pool.Len())

	err := app.pool.Shutdown(ctx)
	if app.redis != nil {
		err = errors.Join(err, app.redis.Close())
	}
	err = errors.Join(err, app.db.Close())
	if err != nil {
		app.logger.Warn(ctx, "shutdown finished with errors", "error", err)
	}
}
