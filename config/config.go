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
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	AWS           AWSConfig
	Media         MediaConfig
	Transcription TranscriptionConfig
	Worker        WorkerConfig
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
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
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

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string // optional, for S3-compatible stores (MinIO, R2)
	VideosBucket         string
	ClipsBucket          string
	SubtitlesBucket      string
	PresignExpireMinutes int
}

// MediaConfig holds transcoder settings.
type MediaConfig struct {
	FFmpegBin      string
	FFprobeBin     string
	TempDir        string // empty = os.TempDir()
	ExtractTimeout time.Duration
	BurnTimeout    time.Duration
}

// TranscriptionConfig points at an OpenAI-compatible speech-to-text API.
type TranscriptionConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// WorkerConfig controls the clip worker pool and stuck-job reaper.
type WorkerConfig struct {
	Concurrency    int
	StuckAfter     time.Duration
	ReaperInterval time.Duration
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
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "clippie"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
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
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			VideosBucket:         getEnv("AWS_S3_VIDEOS_BUCKET", "clippie-videos"),
			ClipsBucket:          getEnv("AWS_S3_CLIPS_BUCKET", "clippie-clips"),
			SubtitlesBucket:      getEnv("AWS_S3_SUBTITLES_BUCKET", "clippie-subtitles"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Media: MediaConfig{
			FFmpegBin:      getEnv("FFMPEG_BIN", "ffmpeg"),
			FFprobeBin:     getEnv("FFPROBE_BIN", "ffprobe"),
			TempDir:        getEnv("MEDIA_TEMP_DIR", ""),
			ExtractTimeout: getEnvDuration("MEDIA_EXTRACT_TIMEOUT", 5*time.Minute),
			BurnTimeout:    getEnvDuration("MEDIA_BURN_TIMEOUT", 5*time.Minute),
		},
		Transcription: TranscriptionConfig{
			BaseURL:  getEnv("TRANSCRIPTION_BASE_URL", "https://api.openai.com/v1"),
			APIKey:   getEnv("OPENAI_API_KEY", ""),
			Model:    getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
			Language: getEnv("TRANSCRIPTION_LANGUAGE", "en"),
			Timeout:  getEnvDuration("TRANSCRIPTION_TIMEOUT", 2*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
			StuckAfter:     getEnvDuration("WORKER_STUCK_AFTER", 30*time.Minute),
			ReaperInterval: getEnvDuration("WORKER_REAPER_INTERVAL", time.Minute),
		},
	}
	if cfg.Worker.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.StuckAfter <= 0 {
		return nil, fmt.Errorf("WORKER_STUCK_AFTER must be positive, got %s", cfg.Worker.StuckAfter)
	}
	if cfg.Worker.ReaperInterval <= 0 {
		return nil, fmt.Errorf("WORKER_REAPER_INTERVAL must be positive, got %s", cfg.Worker.ReaperInterval)
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

// getEnvDuration accepts Go durations ("90s", "5m") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
