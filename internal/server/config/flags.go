package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/chanvault/internal/flagx"
)

// knownFlags lists every flag parseFlags understands; anything else on the
// command line is left for other components.
var knownFlags = []string{
	"-a", "-l", "-d", "-s", "-k", "-r", "-m", "-q", "-b", "-g", "-e",
	"-redis-password", "-redis-db", "-session-ttl", "-lock-timeout",
	"-media-ttl", "-media-size", "-part-size", "-upload-concurrency",
	"-strict-ranges", "-open-range-window", "-dedup-scope",
	"-max-upload-size", "-spool-dir", "-log-level",
}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC health bind address (e.g., ":50051")
//	-l string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-k string   session encryption secret
//	-r string   Redis address (empty disables Redis)
//	-m int      max pooled connections
//	-q int      download quantum in bytes
//	-b string   remote backend: s3 or memory
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// The remaining settings use long names, see knownFlags. Durations take Go
// syntax ("30s", "5m").
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC health address and port")
	fs.StringVar(&config.EndpointAddrHTTP, "l", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "JWT secret key")
	fs.StringVar(&config.SessionEncryptionKey, "k", config.SessionEncryptionKey, "session encryption secret")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.IntVar(&config.MaxConnections, "m", config.MaxConnections, "max pooled remote connections")
	fs.IntVar(&config.DownloadQuantum, "q", config.DownloadQuantum, "download page quantum (bytes)")
	fs.StringVar(&config.RemoteBackend, "b", config.RemoteBackend, "remote backend (s3|memory)")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.RedisPassword, "redis-password", config.RedisPassword, "redis password")
	fs.IntVar(&config.RedisDB, "redis-db", config.RedisDB, "redis database number")
	fs.DurationVar(&config.SessionCacheTTL, "session-ttl", config.SessionCacheTTL, "session cache TTL")
	fs.DurationVar(&config.ConnectionLockTimeout, "lock-timeout", config.ConnectionLockTimeout, "per-user connection lock timeout")
	fs.DurationVar(&config.MediaCacheTTL, "media-ttl", config.MediaCacheTTL, "media metadata cache TTL")
	fs.IntVar(&config.MediaCacheSize, "media-size", config.MediaCacheSize, "media metadata cache capacity")
	fs.IntVar(&config.UploadPartSize, "part-size", config.UploadPartSize, "upload part size (bytes)")
	fs.IntVar(&config.UploadConcurrency, "upload-concurrency", config.UploadConcurrency, "upload parts in flight")
	fs.BoolVar(&config.StrictRanges, "strict-ranges", config.StrictRanges, "answer 416 to unsatisfiable ranges")
	fs.Int64Var(&config.OpenRangeWindow, "open-range-window", config.OpenRangeWindow, "max bytes served for open-ended ranges (0 = to EOF)")
	fs.StringVar(&config.DedupScope, "dedup-scope", config.DedupScope, "dedup scope (user|global)")
	fs.Int64Var(&config.MaxUploadSize, "max-upload-size", config.MaxUploadSize, "max upload size (bytes)")
	fs.StringVar(&config.UploadSpoolDir, "spool-dir", config.UploadSpoolDir, "directory for buffering uploads")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level (debug|info|warn|error)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
