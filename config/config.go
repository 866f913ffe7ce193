package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Write modes for reconciliation corrections.
const (
	WriteModeDirect = "direct"
	WriteModeQueued = "queued"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Carousel CarouselConfig
	Worker   WorkerConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/carousel?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the slide image bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	SlidesBucket         string
	PublicBucket         bool
	PresignExpireMinutes int
}

// CarouselConfig holds the rotation engine settings.
type CarouselConfig struct {
	Collection        string
	OrderBy           string
	ContentCollection string
	Interval          time.Duration
	FirstPublishDelay time.Duration
	SnapDelay         time.Duration
	SwipeThreshold    float64
	TapGuard          float64
	WriteTimeout      time.Duration
	// Surfaces are opened at startup.
	Surfaces  []string
	WriteMode string
}

// WorkerConfig holds the background update worker settings.
type WorkerConfig struct {
	StaleAfter time.Duration
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
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
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "carousel"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SlidesBucket:         getEnv("AWS_S3_SLIDES_BUCKET", "carousel-slides"),
			PublicBucket:         getEnvBool("AWS_S3_PUBLIC_BUCKET", false),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Carousel: CarouselConfig{
			Collection:        getEnv("CAROUSEL_COLLECTION", "carousel"),
			OrderBy:           getEnv("CAROUSEL_ORDER_BY", "rank"),
			ContentCollection: getEnv("CAROUSEL_CONTENT_COLLECTION", "books"),
			Interval:          getEnvDuration("CAROUSEL_INTERVAL", 5*time.Second),
			FirstPublishDelay: getEnvDuration("CAROUSEL_FIRST_PUBLISH_DELAY", 100*time.Millisecond),
			SnapDelay:         getEnvDuration("CAROUSEL_SNAP_DELAY", 500*time.Millisecond),
			SwipeThreshold:    getEnvFloat("CAROUSEL_SWIPE_THRESHOLD", 50),
			TapGuard:          getEnvFloat("CAROUSEL_TAP_GUARD", 10),
			WriteTimeout:      getEnvDuration("CAROUSEL_WRITE_TIMEOUT", 10*time.Second),
			Surfaces:          splitTrim(getEnv("CAROUSEL_SURFACES", "web"), ","),
			WriteMode:         strings.ToLower(getEnv("CAROUSEL_WRITE_MODE", WriteModeDirect)),
		},
		Worker: WorkerConfig{
			StaleAfter: getEnvDuration("WORKER_STALE_AFTER", 10*time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Carousel.WriteMode {
	case WriteModeDirect, WriteModeQueued:
	default:
		return fmt.Errorf("CAROUSEL_WRITE_MODE must be %q or %q, got %q", WriteModeDirect, WriteModeQueued, c.Carousel.WriteMode)
	}
	if c.Carousel.Interval <= 0 {
		return fmt.Errorf("CAROUSEL_INTERVAL must be positive")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// getEnvDuration accepts Go durations ("250ms", "5s") or a bare number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
