package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Upload    UploadConfig
	Transcode TranscodeConfig
	Reaper    ReaperConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	MetricsEnabled     bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
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

// JWTConfig holds JWT validation settings. Tokens are issued elsewhere.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds credentials and the media bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	MediaBucket          string
	Endpoint             string // optional, for S3-compatible stores (MinIO, localstack)
	UsePathStyle         bool
	PublicBaseURL        string // optional; file_url = PublicBaseURL + "/" + key
	PresignExpireMinutes int
}

// UploadConfig holds upload intent policy.
type UploadConfig struct {
	MaxBytes int64
}

// TranscodeConfig holds worker and encoder settings.
type TranscodeConfig struct {
	FFmpegPath   string
	FFprobePath  string
	TempDir      string // empty = os.TempDir()
	Concurrency  int
	Timeout      time.Duration // 0 = no encoder timeout
	MaxAttempts  int           // 1 = no retry
	RetryBackoff time.Duration
	CRF          int
	Preset       string
	AudioBitrate string
	Embedded     bool // run the worker pool inside the API server
}

// ReaperConfig controls the stale upload sweep.
type ReaperConfig struct {
	Enabled  bool
	TTL      time.Duration
	Interval time.Duration
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

// PresignExpire returns the signed upload URL lifetime.
func (c AWSConfig) PresignExpire() time.Duration {
	if c.PresignExpireMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.PresignExpireMinutes) * time.Minute
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "hearth"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:          getEnv("AWS_S3_MEDIA_BUCKET", "hearth-media"),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			UsePathStyle:         getEnvBool("AWS_S3_PATH_STYLE", false),
			PublicBaseURL:        strings.TrimRight(getEnv("MEDIA_PUBLIC_BASE_URL", ""), "/"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 30),
		},
		Upload: UploadConfig{
			MaxBytes: getEnvInt64("UPLOAD_MAX_BYTES", 500*1024*1024),
		},
		Transcode: TranscodeConfig{
			FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:  getEnv("FFPROBE_PATH", "ffprobe"),
			TempDir:      getEnv("TRANSCODE_TMP_DIR", ""),
			Concurrency:  getEnvInt("TRANSCODE_CONCURRENCY", 2),
			Timeout:      getEnvDuration("TRANSCODE_TIMEOUT", 0),
			MaxAttempts:  getEnvInt("TRANSCODE_MAX_ATTEMPTS", 1),
			RetryBackoff: getEnvDuration("TRANSCODE_RETRY_BACKOFF", 10*time.Second),
			CRF:          getEnvInt("TRANSCODE_CRF", 23),
			Preset:       getEnv("TRANSCODE_PRESET", "veryfast"),
			AudioBitrate: getEnv("TRANSCODE_AUDIO_BITRATE", "128k"),
			Embedded:     getEnvBool("TRANSCODE_EMBEDDED", false),
		},
		Reaper: ReaperConfig{
			Enabled:  getEnvBool("REAPER_ENABLED", true),
			TTL:      getEnvDuration("REAPER_TTL", time.Hour),
			Interval: getEnvDuration("REAPER_INTERVAL", 15*time.Minute),
		},
	}
	if cfg.Transcode.Concurrency < 1 {
		return nil, fmt.Errorf("TRANSCODE_CONCURRENCY must be >= 1, got %d", cfg.Transcode.Concurrency)
	}
	if cfg.Transcode.MaxAttempts < 1 {
		return nil, fmt.Errorf("TRANSCODE_MAX_ATTEMPTS must be >= 1, got %d", cfg.Transcode.MaxAttempts)
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

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
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
