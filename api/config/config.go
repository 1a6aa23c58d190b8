package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	BindAddr string
	Manifest string // functions manifest loaded before the bridge starts
	WorkDir  string // build artifacts

	BuildTimeout  time.Duration
	KeepArtifacts int
	PruneSchedule string
	Prewarm       bool
	Watch         bool

	WorkerIsolation string // process or docker
	WorkerPool      int    // 0 runs every invocation in a fresh worker

	InlineLimit  int
	BridgeSecret string

	DatabaseURL      string // empty keeps history and journal in memory
	HistoryRetention time.Duration
	HealthInterval   time.Duration

	// BlobBackend is none, minio or s3. Unset it is minio when an S3
	// endpoint is configured and none otherwise.
	BlobBackend string
	AWSRegion   string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
	BlobBucket  string

	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	APIToken       string
}

func Load() *Config {
	cfg := &Config{
		Port:     envOr("BIFROST_PORT", "8900"),
		BindAddr: envOr("BIFROST_BIND_ADDR", "127.0.0.1"),
		Manifest: envOr("BIFROST_MANIFEST", ".bifrost/functions.yaml"),
		WorkDir:  envOr("BIFROST_WORK_DIR", ".bifrost/artifacts"),

		BuildTimeout:  envDuration("BIFROST_BUILD_TIMEOUT", 2*time.Minute),
		KeepArtifacts: envInt("BIFROST_KEEP_ARTIFACTS", 2),
		PruneSchedule: envOr("BIFROST_PRUNE_SCHEDULE", "@every 10m"),
		Prewarm:       envBool("BIFROST_PREWARM", false),
		Watch:         envBool("BIFROST_WATCH", true),

		WorkerIsolation: envOr("BIFROST_WORKER_ISOLATION", "process"),
		WorkerPool:      envInt("BIFROST_WORKER_POOL", 0),

		InlineLimit:  envInt("BIFROST_INLINE_LIMIT", 32*1024),
		BridgeSecret: os.Getenv("BIFROST_BRIDGE_SECRET"),

		DatabaseURL:      os.Getenv("BIFROST_DATABASE_URL"),
		HistoryRetention: envDuration("BIFROST_HISTORY_RETENTION", 7*24*time.Hour),
		HealthInterval:   envDuration("BIFROST_HEALTH_INTERVAL", 30*time.Second),

		S3Endpoint:  os.Getenv("BIFROST_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("BIFROST_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("BIFROST_S3_SECRET_KEY"),
		S3Region:    envOr("BIFROST_S3_REGION", "us-east-1"),
		S3UseSSL:    envBool("BIFROST_S3_USE_SSL", false),
		BlobBucket:  envOr("BIFROST_BLOB_BUCKET", "bifrost-payloads"),

		LogLevel:       envOr("BIFROST_LOG_LEVEL", "info"),
		LogFormat:      envOr("BIFROST_LOG_FORMAT", "console"),
		AllowedOrigins: envList("BIFROST_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		APIToken:       os.Getenv("BIFROST_API_TOKEN"),

		BlobBackend: os.Getenv("BIFROST_BLOB_BACKEND"),
		AWSRegion:   os.Getenv("AWS_REGION"),
	}
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = "none"
		if cfg.S3Endpoint != "" {
			cfg.BlobBackend = "minio"
		}
	}
	return cfg
}

// Addr is the control surface listen address.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

// envList appends comma-separated extras to the defaults.
func envList(key string, defaults []string) []string {
	out := append([]string{}, defaults...)
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
