package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/chanvault/internal/flagx"
	"github.com/dmitrijs2005/chanvault/internal/timex"
)

// FileConfig is the on-disk shape of the configuration. Durations are
// timex.Duration so they can be written as "30s" or as integer nanoseconds.
// Pointer fields distinguish "absent" from a zero value; only present keys
// override the current Config.
type FileConfig struct {
	EndpointAddrGRPC      *string         `json:"endpoint_addr_grpc" yaml:"endpoint_addr_grpc"`
	EndpointAddrHTTP      *string         `json:"endpoint_addr_http" yaml:"endpoint_addr_http"`
	DatabaseDSN           *string         `json:"database_dsn" yaml:"database_dsn"`
	SecretKey             *string         `json:"secret_key" yaml:"secret_key"`
	SessionEncryptionKey  *string         `json:"session_encryption_key" yaml:"session_encryption_key"`
	RedisAddr             *string         `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword         *string         `json:"redis_password" yaml:"redis_password"`
	RedisDB               *int            `json:"redis_db" yaml:"redis_db"`
	SessionCacheTTL       *timex.Duration `json:"session_cache_ttl" yaml:"session_cache_ttl"`
	MaxConnections        *int            `json:"max_connections" yaml:"max_connections"`
	ConnectionLockTimeout *timex.Duration `json:"connection_lock_timeout" yaml:"connection_lock_timeout"`
	MediaCacheTTL         *timex.Duration `json:"media_cache_ttl" yaml:"media_cache_ttl"`
	MediaCacheSize        *int            `json:"media_cache_size" yaml:"media_cache_size"`
	DownloadQuantum       *int            `json:"download_quantum" yaml:"download_quantum"`
	UploadPartSize        *int            `json:"upload_part_size" yaml:"upload_part_size"`
	UploadConcurrency     *int            `json:"upload_concurrency" yaml:"upload_concurrency"`
	StrictRanges          *bool           `json:"strict_ranges" yaml:"strict_ranges"`
	OpenRangeWindow       *int64          `json:"open_range_window" yaml:"open_range_window"`
	DedupScope            *string         `json:"dedup_scope" yaml:"dedup_scope"`
	MaxUploadSize         *int64          `json:"max_upload_size" yaml:"max_upload_size"`
	UploadSpoolDir        *string         `json:"upload_spool_dir" yaml:"upload_spool_dir"`
	RemoteBackend         *string         `json:"remote_backend" yaml:"remote_backend"`
	S3Region              *string         `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint        *string         `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	LogLevel              *string         `json:"log_level" yaml:"log_level"`
}

// parseFile loads configuration values from the file named by the -c or
// -config flag into config. Files ending in .yaml or .yml are decoded as
// YAML, everything else as JSON.
//
// If no file is given, config is left untouched. If the file cannot be read
// or decoded, the function panics.
func parseFile(config *Config) {

	path := flagx.ConfigFileFlag()

	// nothing to load
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &FileConfig{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, c)
	default:
		err = json.Unmarshal(file, c)
	}
	if err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *FileConfig) apply(config *Config) {
	set(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	set(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.SecretKey, c.SecretKey)
	set(&config.SessionEncryptionKey, c.SessionEncryptionKey)
	set(&config.RedisAddr, c.RedisAddr)
	set(&config.RedisPassword, c.RedisPassword)
	set(&config.RedisDB, c.RedisDB)
	setDuration(&config.SessionCacheTTL, c.SessionCacheTTL)
	set(&config.MaxConnections, c.MaxConnections)
	setDuration(&config.ConnectionLockTimeout, c.ConnectionLockTimeout)
	setDuration(&config.MediaCacheTTL, c.MediaCacheTTL)
	set(&config.MediaCacheSize, c.MediaCacheSize)
	set(&config.DownloadQuantum, c.DownloadQuantum)
	set(&config.UploadPartSize, c.UploadPartSize)
	set(&config.UploadConcurrency, c.UploadConcurrency)
	set(&config.StrictRanges, c.StrictRanges)
	set(&config.OpenRangeWindow, c.OpenRangeWindow)
	set(&config.DedupScope, c.DedupScope)
	set(&config.MaxUploadSize, c.MaxUploadSize)
	set(&config.UploadSpoolDir, c.UploadSpoolDir)
	set(&config.RemoteBackend, c.RemoteBackend)
	set(&config.S3Region, c.S3Region)
	set(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	set(&config.LogLevel, c.LogLevel)
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *timex.Duration) {
	if src != nil {
		*dst = src.Duration
	}
}
