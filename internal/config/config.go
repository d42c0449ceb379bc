package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

const (
	ExecutorProduction = "production"
	ExecutorDev        = "dev"
)

type Config struct {
	Database *dbConfig
	Service  *svcConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"notifier"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"require"`
}

type svcConfig struct {
	Address            string        `envconfig:"NOTIFIER_ADDRESS" default:":8080"`
	MetricsAddress     string        `envconfig:"NOTIFIER_METRICS_ADDRESS" default:":8081"`
	LogLevel           string        `envconfig:"NOTIFIER_LOG_LEVEL" default:"info"`
	LogFormat          string        `envconfig:"NOTIFIER_LOG_FORMAT" default:"console"`
	Executor           string        `envconfig:"NOTIFIER_EXECUTOR" default:"dev"`
	MaxConcurrentJobs  int64         `envconfig:"NOTIFIER_MAX_CONCURRENT_JOBS" default:"200"`
	CatchUpLimit       int           `envconfig:"NOTIFIER_CATCH_UP_LIMIT" default:"1"`
	FanOutLimit        int           `envconfig:"NOTIFIER_FAN_OUT_LIMIT" default:"8"`
	ScrapeTimeout      time.Duration `envconfig:"NOTIFIER_SCRAPE_TIMEOUT" default:"2m"`
	DevScrapeDelay     time.Duration `envconfig:"NOTIFIER_DEV_SCRAPE_DELAY" default:"3s"`
	AllowedOrigins     []string      `envconfig:"NOTIFIER_ALLOWED_ORIGINS" default:"*"`
	MigrationFolder    string        `envconfig:"NOTIFIER_MIGRATIONS_FOLDER" default:""`
	TracingEnabled     bool          `envconfig:"NOTIFIER_TRACING_ENABLED" default:"false"`
	HTTPLatencyBuckets []float64     `envconfig:"NOTIFIER_HTTP_LATENCY_BUCKETS" default:"5,25,100,300,1000,5000"`
	Kafka              kafkaConfig
	Auth               Auth
	S3                 S3
}

type kafkaConfig struct {
	Brokers  []string `envconfig:"NOTIFIER_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"NOTIFIER_KAFKA_TOPIC" default:""`
	Version  string   `envconfig:"NOTIFIER_KAFKA_VERSION" default:""`
	ClientID string   `envconfig:"NOTIFIER_KAFKA_CLIENT_ID" default:"notifier"`
}

type Auth struct {
	AuthenticationType string `envconfig:"NOTIFIER_AUTH" default:"none"`
	JwkCertURL         string `envconfig:"NOTIFIER_JWK_URL" default:""`
	LocalSecret        string `envconfig:"NOTIFIER_JWT_SECRET" default:""`
}

type S3 struct {
	Endpoint  string `envconfig:"NOTIFIER_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"NOTIFIER_S3_BUCKET" default:"notifier-reports"`
	AccessKey string `envconfig:"NOTIFIER_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"NOTIFIER_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"NOTIFIER_S3_USE_SSL" default:"false"`
}

// New reads the configuration from the environment once. A .env file in the
// working directory is loaded first when present.
func New() (*Config, error) {
	if singleConfig == nil {
		_ = godotenv.Load()

		cfg := new(Config)
		if err := envconfig.Process("", cfg); err != nil {
			return nil, err
		}
		singleConfig = cfg
	}
	return singleConfig, nil
}

// NewDefault returns a configuration backed by an in-memory sqlite database.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type: "sqlite",
			Name: "file::memory:?cache=shared",
		},
		Service: &svcConfig{
			Address:           ":8080",
			MetricsAddress:    ":8081",
			LogLevel:          "debug",
			LogFormat:         "console",
			Executor:          ExecutorDev,
			MaxConcurrentJobs: 10,
			CatchUpLimit:      1,
			FanOutLimit:       4,
			ScrapeTimeout:     10 * time.Second,
			AllowedOrigins:    []string{"*"},
			Auth: Auth{
				AuthenticationType: "none",
			},
			S3: S3{
				Bucket: "notifier-reports",
			},
		},
	}
}
