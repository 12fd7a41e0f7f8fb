package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	MigrationsDir  string // empty uses the migrations built into the binary
	DBMaxConns     int
	CORSOrigin     string
	MeiliURL       string
	MeiliMasterKey string
	LogLevel       logrus.Level

	// Redis - optional; status falls back to memory
	RedisURL  string
	StatusTTL time.Duration

	// Report rendering
	OutputDir         string
	ChromePath        string
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	AttemptTimeout    time.Duration
	RequestsPerMinute int

	// S3-compatible storage - optional; reports go to OutputDir otherwise
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

func Load() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8787"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("TRAFFICDASH_MIGRATIONS_DIR", ""),
		DBMaxConns:     getenvInt("DATABASE_MAX_CONNS", 10),
		CORSOrigin:     getenv("TRAFFICDASH_CORS_ORIGIN", "*"),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		LogLevel:       parseLogLevel(getenv("LOG_LEVEL", "info")),
		RedisURL:       getenv("REDIS_URL", ""),
		StatusTTL:      time.Duration(getenvInt("REPORT_STATUS_TTL_SECONDS", 86400)) * time.Second,

		OutputDir:         getenv("REPORT_OUTPUT_DIR", "./data/reports"),
		ChromePath:        getenv("REPORT_CHROME_PATH", ""),
		MaxRetries:        getenvInt("REPORT_MAX_RETRIES", 3),
		InitialDelay:      time.Duration(getenvInt("REPORT_INITIAL_DELAY_MS", 1000)) * time.Millisecond,
		BackoffMultiplier: getenvFloat("REPORT_BACKOFF_MULTIPLIER", 2),
		AttemptTimeout:    time.Duration(getenvInt("REPORT_ATTEMPT_TIMEOUT_SECONDS", 45)) * time.Second,
		RequestsPerMinute: getenvInt("REPORT_RATE_PER_MINUTE", 30),

		S3Endpoint:  getenv("S3_ENDPOINT", ""),
		S3AccessKey: getenv("S3_ACCESS_KEY", ""),
		S3SecretKey: getenv("S3_SECRET_KEY", ""),
		S3Bucket:    getenv("S3_BUCKET", "trafficdash-reports"),
		S3UseSSL:    getenvBool("S3_USE_SSL", false),
	}
}

// NewLogger returns a logrus logger configured from cfg. The server logs
// JSON; pass text for human-facing tools.
func NewLogger(cfg Config, text bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	if text {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func parseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
