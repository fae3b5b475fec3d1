package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PIXELMAGE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultCacheDSN           = "bot_cache.db"
	defaultPaymentsDSN        = "payments.db"
	defaultArtifactsDir       = "artifacts"
	defaultLogLevel           = "info"
	defaultPollTimeout        = 30 * time.Second
	defaultImageAPIBaseURL    = "https://api.aitunnel.ru/v1"
	defaultImageAPIModel      = "flux.2-pro"
	defaultImageAPISize       = "1024x1024"
	defaultImageAPITimeout    = 120 * time.Second
	defaultPaymentsAPIURL     = "https://api.yookassa.ru/v3"
	defaultPaymentsCurrency   = "RUB"
	defaultPaymentsReturnURL  = "https://t.me"
	defaultReconcileInterval  = 2 * time.Minute
	defaultQueueCapacity      = 3
	defaultBatchLimit         = 5
	defaultMaxPromptLength    = 1000
	defaultGenerationWorkers  = 2
	defaultSessionsBackend    = "memory"
	defaultSessionsTTL        = 30 * time.Minute
	defaultRedisAddress       = "localhost:6379"
	defaultAdminTokenTTLMins  = 60
	databaseDriverSQLite      = "sqlite"
	databaseDriverPostgres    = "postgres"
	sessionsBackendMemory     = "memory"
	sessionsBackendRedis      = "redis"
	defaultDotEnvFile         = ".env"
	maxPromptLengthUpperBound = 4000
)

// AppConfig captures runtime configuration for the bot process.
type AppConfig struct {
	TelegramToken       string
	TelegramAdminUserID int64
	TelegramPollTimeout time.Duration

	ImageAPIBaseURL string
	ImageAPIKey     string
	ImageAPIModel   string
	ImageAPISize    string
	ImageAPITimeout time.Duration

	PaymentsShopID            string
	PaymentsSecretKey         string
	PaymentsAPIURL            string
	PaymentsCurrency          string
	PaymentsReturnURL         string
	PaymentsReconcileInterval time.Duration

	DatabaseDriver      string
	DatabaseCacheDSN    string
	DatabasePaymentsDSN string

	ArtifactsDir string

	QueueCapacity     int
	BatchLimit        int
	MaxPromptLength   int
	GenerationWorkers int

	SessionsBackend string
	SessionsTTL     time.Duration
	RedisAddress    string
	RedisPassword   string
	RedisDB         int

	HTTPAddress        string
	AdminSigningSecret string
	AdminTokenTTL      time.Duration

	LogLevel  string
	SentryDSN string
}

// PaymentsTestMode reports whether gateway credentials are absent.
func (c AppConfig) PaymentsTestMode() bool {
	return strings.TrimSpace(c.PaymentsShopID) == "" || strings.TrimSpace(c.PaymentsSecretKey) == ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("telegram.admin_user_id", 0)
	configViper.SetDefault("telegram.poll_timeout", defaultPollTimeout)
	configViper.SetDefault("imageapi.base_url", defaultImageAPIBaseURL)
	configViper.SetDefault("imageapi.model", defaultImageAPIModel)
	configViper.SetDefault("imageapi.size", defaultImageAPISize)
	configViper.SetDefault("imageapi.timeout", defaultImageAPITimeout)
	configViper.SetDefault("payments.api_url", defaultPaymentsAPIURL)
	configViper.SetDefault("payments.currency", defaultPaymentsCurrency)
	configViper.SetDefault("payments.return_url", defaultPaymentsReturnURL)
	configViper.SetDefault("payments.reconcile_interval", defaultReconcileInterval)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.cache_dsn", defaultCacheDSN)
	configViper.SetDefault("database.payments_dsn", defaultPaymentsDSN)
	configViper.SetDefault("artifacts.dir", defaultArtifactsDir)
	configViper.SetDefault("queue.capacity", defaultQueueCapacity)
	configViper.SetDefault("generation.batch_limit", defaultBatchLimit)
	configViper.SetDefault("generation.max_prompt_length", defaultMaxPromptLength)
	configViper.SetDefault("generation.workers", defaultGenerationWorkers)
	configViper.SetDefault("sessions.backend", defaultSessionsBackend)
	configViper.SetDefault("sessions.ttl", defaultSessionsTTL)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("admin.token_ttl_minutes", defaultAdminTokenTTLMins)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadDotEnv loads environment variables from a dotenv file when present.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = defaultDotEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		TelegramToken:             configViper.GetString("telegram.token"),
		TelegramAdminUserID:       configViper.GetInt64("telegram.admin_user_id"),
		TelegramPollTimeout:       configViper.GetDuration("telegram.poll_timeout"),
		ImageAPIBaseURL:           strings.TrimRight(configViper.GetString("imageapi.base_url"), "/"),
		ImageAPIKey:               configViper.GetString("imageapi.api_key"),
		ImageAPIModel:             configViper.GetString("imageapi.model"),
		ImageAPISize:              configViper.GetString("imageapi.size"),
		ImageAPITimeout:           configViper.GetDuration("imageapi.timeout"),
		PaymentsShopID:            configViper.GetString("payments.shop_id"),
		PaymentsSecretKey:         configViper.GetString("payments.secret_key"),
		PaymentsAPIURL:            strings.TrimRight(configViper.GetString("payments.api_url"), "/"),
		PaymentsCurrency:          strings.ToUpper(strings.TrimSpace(configViper.GetString("payments.currency"))),
		PaymentsReturnURL:         configViper.GetString("payments.return_url"),
		PaymentsReconcileInterval: configViper.GetDuration("payments.reconcile_interval"),
		DatabaseDriver:            strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseCacheDSN:          configViper.GetString("database.cache_dsn"),
		DatabasePaymentsDSN:       configViper.GetString("database.payments_dsn"),
		ArtifactsDir:              configViper.GetString("artifacts.dir"),
		QueueCapacity:             configViper.GetInt("queue.capacity"),
		BatchLimit:                configViper.GetInt("generation.batch_limit"),
		MaxPromptLength:           configViper.GetInt("generation.max_prompt_length"),
		GenerationWorkers:         configViper.GetInt("generation.workers"),
		SessionsBackend:           strings.ToLower(strings.TrimSpace(configViper.GetString("sessions.backend"))),
		SessionsTTL:               configViper.GetDuration("sessions.ttl"),
		RedisAddress:              configViper.GetString("redis.address"),
		RedisPassword:             configViper.GetString("redis.password"),
		RedisDB:                   configViper.GetInt("redis.db"),
		HTTPAddress:               configViper.GetString("http.address"),
		AdminSigningSecret:        configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:             time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		LogLevel:                  configViper.GetString("log.level"),
		SentryDSN:                 configViper.GetString("sentry.dsn"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TelegramToken) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.ImageAPIKey) == "" {
		return fmt.Errorf("imageapi.api_key is required")
	}
	if strings.TrimSpace(c.ImageAPIBaseURL) == "" {
		return fmt.Errorf("imageapi.base_url is required")
	}
	if c.ImageAPITimeout <= 0 {
		return fmt.Errorf("imageapi.timeout must be positive")
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite, databaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", databaseDriverSQLite, databaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseCacheDSN) == "" {
		return fmt.Errorf("database.cache_dsn is required")
	}
	if strings.TrimSpace(c.DatabasePaymentsDSN) == "" {
		return fmt.Errorf("database.payments_dsn is required")
	}
	if strings.TrimSpace(c.ArtifactsDir) == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1")
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("generation.batch_limit must be at least 1")
	}
	if c.MaxPromptLength < 1 || c.MaxPromptLength > maxPromptLengthUpperBound {
		return fmt.Errorf("generation.max_prompt_length must be between 1 and %d", maxPromptLengthUpperBound)
	}
	if c.GenerationWorkers < 1 {
		return fmt.Errorf("generation.workers must be at least 1")
	}
	switch c.SessionsBackend {
	case sessionsBackendMemory:
	case sessionsBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when sessions.backend is redis")
		}
	default:
		return fmt.Errorf("sessions.backend must be %q or %q, got %q", sessionsBackendMemory, sessionsBackendRedis, c.SessionsBackend)
	}
	if strings.TrimSpace(c.PaymentsCurrency) == "" {
		return fmt.Errorf("payments.currency is required")
	}
	return nil
}
