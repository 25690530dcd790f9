// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr     string
	MetricsAddr    string
	AllowedOrigins []string
	ResponseDelay  time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Dataset
	DatasetSource string
	Dataset       Source
	DatasetWatch  bool
	DatasetSeed   bool

	// S3 storage (for s3:// dataset sources)
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Live updates
	BroadcastInterval time.Duration
	MaxQueuedUpdates  int
	SimulateUpdates   bool
	SimulateMaxEvents int
	SimulatePersist   bool
}

// SourceKind identifies where the dataset is loaded from.
type SourceKind string

const (
	SourceSample   SourceKind = "sample"
	SourceFile     SourceKind = "file"
	SourceS3       SourceKind = "s3"
	SourcePostgres SourceKind = "postgres"
	SourceSQLite   SourceKind = "sqlite"
)

// Source is a parsed DATASET_SOURCE value.
type Source struct {
	Kind SourceKind
	// Location is the file path, database DSN or S3 object key.
	Location string
	// Bucket is set for S3 sources.
	Bucket string
}

// IsSQL reports whether the source is a database.
func (s Source) IsSQL() bool {
	return s.Kind == SourcePostgres || s.Kind == SourceSQLite
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		AllowedOrigins:    envList("ALLOWED_ORIGINS", "http://localhost:3000"),
		ResponseDelay:     envDuration("RESPONSE_DELAY", 0),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DatasetSource:     envOr("DATASET_SOURCE", "sample"),
		DatasetWatch:      envBool("DATASET_WATCH", false),
		DatasetSeed:       envBool("DATASET_SEED", false),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		BroadcastInterval: envDuration("BROADCAST_INTERVAL", 5*time.Second),
		MaxQueuedUpdates:  envInt("MAX_QUEUED_UPDATES", 10000), // 0 = unbounded
		SimulateUpdates:   envBool("SIMULATE_UPDATES", true),
		SimulateMaxEvents: envInt("SIMULATE_MAX_EVENTS", 5),
		SimulatePersist:   envBool("SIMULATE_PERSIST", false),
	}

	src, err := ParseSource(cfg.DatasetSource)
	if err != nil {
		return nil, err
	}
	cfg.Dataset = src

	if cfg.BroadcastInterval <= 0 {
		return nil, fmt.Errorf("BROADCAST_INTERVAL must be positive")
	}
	if cfg.SimulateMaxEvents < 0 {
		return nil, fmt.Errorf("SIMULATE_MAX_EVENTS must not be negative")
	}
	if cfg.DatasetWatch && src.Kind != SourceFile {
		return nil, fmt.Errorf("DATASET_WATCH requires a file: dataset source")
	}

	return cfg, nil
}

// ParseSource parses a DATASET_SOURCE value.
func ParseSource(s string) (Source, error) {
	switch {
	case s == "" || s == "sample":
		return Source{Kind: SourceSample}, nil
	case strings.HasPrefix(s, "file:"):
		path := strings.TrimPrefix(s, "file:")
		if path == "" {
			return Source{}, fmt.Errorf("DATASET_SOURCE %q: missing file path", s)
		}
		return Source{Kind: SourceFile, Location: path}, nil
	case strings.HasPrefix(s, "s3://"):
		u, err := url.Parse(s)
		if err != nil {
			return Source{}, fmt.Errorf("DATASET_SOURCE %q: %w", s, err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Source{}, fmt.Errorf("DATASET_SOURCE %q: expected s3://bucket/key", s)
		}
		return Source{Kind: SourceS3, Bucket: u.Host, Location: key}, nil
	case strings.HasPrefix(s, "postgres://"), strings.HasPrefix(s, "postgresql://"):
		return Source{Kind: SourcePostgres, Location: s}, nil
	case strings.HasPrefix(s, "sqlite:"):
		path := strings.TrimPrefix(s, "sqlite:")
		if path == "" {
			return Source{}, fmt.Errorf("DATASET_SOURCE %q: missing database path", s)
		}
		return Source{Kind: SourceSQLite, Location: path}, nil
	}
	return Source{}, fmt.Errorf("DATASET_SOURCE %q: unsupported source", s)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(envOr(key, fallback), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
