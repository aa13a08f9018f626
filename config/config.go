package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Media    MediaConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/clipvault?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AuthConfig controls whether the video API requires a bearer token.
// With Required=false videos are created without an owner and nothing is owner-scoped.
type AuthConfig struct {
	Required bool
}

// StorageConfig holds the S3-compatible object store settings.
// Endpoint is empty for AWS S3; set it for R2 (https://<account>.r2.cloudflarestorage.com) or MinIO.
type StorageConfig struct {
	Endpoint             string
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	PresignExpireMinutes int
	UsePathStyle         bool
	FetchMode            string // "direct" or "signed_url"
}

// MediaConfig holds ffmpeg/ffprobe settings and split limits.
type MediaConfig struct {
	FFmpegPath        string
	FFprobePath       string
	ProbeTimeoutSec   int
	ExtractTimeoutSec int
	MaxProcesses      int
	StreamCopy        bool
	ReencodeFallback  bool
	TempDir           string // empty = os.TempDir()
	SplitConcurrency  int
	MaxSegments       int
	MaxUploadMB       int
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	SweepSchedule     string // cron spec, e.g. "@every 5m"
	StaleAfterMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 60),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 600),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "clipvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Auth: AuthConfig{
			Required: getEnvBool("AUTH_REQUIRED", true),
		},
		Storage: StorageConfig{
			Endpoint:             getEnv("STORAGE_ENDPOINT", ""),
			Region:               getEnv("STORAGE_REGION", "auto"),
			AccessKeyID:          getEnv("STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("STORAGE_SECRET_ACCESS_KEY", ""),
			Bucket:               getEnv("STORAGE_BUCKET", "clipvault-media"),
			PresignExpireMinutes: getEnvInt("STORAGE_PRESIGN_EXPIRE_MINUTES", 60),
			UsePathStyle:         getEnvBool("STORAGE_USE_PATH_STYLE", false),
			FetchMode:            getEnv("STORAGE_FETCH_MODE", "direct"),
		},
		Media: MediaConfig{
			FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
			ProbeTimeoutSec:   getEnvInt("MEDIA_PROBE_TIMEOUT_SEC", 30),
			ExtractTimeoutSec: getEnvInt("MEDIA_EXTRACT_TIMEOUT_SEC", 300),
			MaxProcesses:      getEnvInt("MEDIA_MAX_PROCESSES", 4),
			StreamCopy:        getEnvBool("MEDIA_STREAM_COPY", true),
			ReencodeFallback:  getEnvBool("MEDIA_REENCODE_FALLBACK", true),
			TempDir:           getEnv("MEDIA_TEMP_DIR", ""),
			SplitConcurrency:  getEnvInt("MEDIA_SPLIT_CONCURRENCY", 2),
			MaxSegments:       getEnvInt("MEDIA_MAX_SEGMENTS", 50),
			MaxUploadMB:       getEnvInt("MEDIA_MAX_UPLOAD_MB", 2048),
		},
		Worker: WorkerConfig{
			SweepSchedule:     getEnv("WORKER_SWEEP_SCHEDULE", "@every 5m"),
			StaleAfterMinutes: getEnvInt("WORKER_STALE_AFTER_MINUTES", 120),
		},
	}

	switch cfg.Storage.FetchMode {
	case "direct", "signed_url":
	default:
		return nil, fmt.Errorf("invalid STORAGE_FETCH_MODE %q (want direct or signed_url)", cfg.Storage.FetchMode)
	}
	if cfg.Media.MaxProcesses < 1 {
		cfg.Media.MaxProcesses = 1
	}
	if cfg.Media.SplitConcurrency < 1 {
		cfg.Media.SplitConcurrency = 1
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
