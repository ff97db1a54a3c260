package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/cryptox"
	"github.com/dmitrijs2005/chanvault/internal/logging"
	"github.com/dmitrijs2005/chanvault/internal/server/config"
	"github.com/dmitrijs2005/chanvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/chanvault/internal/server/sessions"
	"github.com/dmitrijs2005/chanvault/internal/sessionctl"
	"github.com/redis/go-redis/v9"
)

func main() {

	cmd, args := sessionctl.SplitCommand(os.Args[1:])
	if cmd == "" {
		log.Fatal(sessionctl.ErrUsage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.LoadConfig()

	logger := logging.NewText(os.Stderr, "warn")

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}
	defer db.Close()

	cache := sessions.Cache(sessions.NewLocalCache(cfg.SessionCacheTTL))
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		cache = sessions.NewRedisCache(rdb)
	}

	key := cryptox.DeriveKey([]byte(cfg.SessionEncryptionKey), sessions.KeySalt)
	store := sessions.NewStore(db, repomanager.NewPostgresRepositoryManager(), cache, key, cfg.SessionCacheTTL, logger)

	app := sessionctl.New(store, cfg.SecretKey, os.Stdin, os.Stdout)
	if err := app.Run(ctx, cmd, args); err != nil {
		log.Fatal(err)
	}

}
