package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	HTTPAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Xero      XeroConfig
	Scheduler SchedulerConfig
}

// XeroConfig holds the OAuth app credentials and endpoints for the
// external accounting tenant.
type XeroConfig struct {
	ClientID         string
	ClientSecret     string
	APIBaseURL       string
	TokenURL         string
	HTTPTimeout      time.Duration
	BankAccountCode  string
	SalesAccountCode string
}

// SchedulerConfig controls the periodic sync, retry, and cleanup loops.
type SchedulerConfig struct {
	SyncEnabled   bool
	SyncInterval  time.Duration
	SyncBatchSize int

	RetryEnabled   bool
	RetryInterval  time.Duration
	RetryBatchSize int

	CleanupEnabled  bool
	CleanupInterval time.Duration

	RetentionWindow time.Duration
	LogRetention    time.Duration
	MinRunSpacing   time.Duration
	CallPacing      time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "membership-backoffice"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "membership"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		Xero: XeroConfig{
			ClientID:         strings.TrimSpace(getenv("XERO_CLIENT_ID", "")),
			ClientSecret:     strings.TrimSpace(getenv("XERO_CLIENT_SECRET", "")),
			APIBaseURL:       getenv("XERO_API_BASE_URL", "https://api.xero.com/api.xro/2.0"),
			TokenURL:         getenv("XERO_TOKEN_URL", "https://identity.xero.com/connect/token"),
			HTTPTimeout:      getenvDuration("XERO_HTTP_TIMEOUT", 30*time.Second),
			BankAccountCode:  getenv("XERO_BANK_ACCOUNT_CODE", "090"),
			SalesAccountCode: getenv("XERO_SALES_ACCOUNT_CODE", "200"),
		},

		Scheduler: SchedulerConfig{
			SyncEnabled:     getenvBool("SYNC_ENABLED", true),
			SyncInterval:    getenvDuration("SYNC_INTERVAL", 5*time.Minute),
			SyncBatchSize:   getenvInt("SYNC_BATCH_SIZE", 50),
			RetryEnabled:    getenvBool("RETRY_ENABLED", true),
			RetryInterval:   getenvDuration("RETRY_INTERVAL", 30*time.Minute),
			RetryBatchSize:  getenvInt("RETRY_BATCH_SIZE", 50),
			CleanupEnabled:  getenvBool("CLEANUP_ENABLED", true),
			CleanupInterval: getenvDuration("CLEANUP_INTERVAL", time.Hour),
			RetentionWindow: getenvDuration("SYNC_RETENTION_WINDOW", 7*24*time.Hour),
			LogRetention:    getenvDuration("SYNC_LOG_RETENTION", 30*24*time.Hour),
			MinRunSpacing:   getenvDuration("SYNC_MIN_RUN_SPACING", 2*time.Second),
			CallPacing:      getenvDuration("SYNC_CALL_PACING", 200*time.Millisecond),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
