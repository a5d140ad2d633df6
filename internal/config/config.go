package config

import (
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	MQTTBrokerURL  string `env:"MQTT_BROKER_URL,required"`
	MQTTUsername   string `env:"MQTT_USERNAME"`
	MQTTPassword   string `env:"MQTT_PASSWORD"`
	MQTTShareGroup string `env:"MQTT_SHARE_GROUP" envDefault:"backplane"`
	MQTTCACertPath string `env:"MQTT_CA_CERT"`

	AWSRegion       string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSAccessKey    string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSSessionToken string `env:"AWS_SESSION_TOKEN"`
	DynamoEndpoint  string `env:"DYNAMO_ENDPOINT"`

	GCPProjectID string `env:"GCP_PROJECT_ID"`
	GCPDataset   string `env:"GCP_DATASET"`
	GCPCredsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`

	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"relay/"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	AppName   string `env:"APP_NAME" envDefault:"backplane"`
	LogDir    string `env:"LOG_DIR" envDefault:"./log"`
	CacheDir  string `env:"CACHE_DIR" envDefault:"./cache"`
	PartsDir  string `env:"PARTS_DIR" envDefault:"./parts"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	return cfg, nil
}

// WideColumnEnabled reports whether the DynamoDB write path is configured.
func (c *Config) WideColumnEnabled() bool {
	return c.AWSAccessKey != "" && c.AWSSecretKey != ""
}

// WarehouseEnabled reports whether the BigQuery write path is configured.
func (c *Config) WarehouseEnabled() bool {
	return c.GCPProjectID != "" && c.GCPDataset != ""
}

// ValidateIngester checks the invariants the ingester role refuses to start
// without: at least one persistence back-end.
func (c *Config) ValidateIngester() error {
	if !c.WideColumnEnabled() && !c.WarehouseEnabled() {
		return errors.New("neither AWS nor GCP credentials configured; at least one persistence back-end is required")
	}
	return nil
}

// ValidateRelay checks the relay role's invariants: the relay refuses to run
// without persistent state.
func (c *Config) ValidateRelay() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required for the relay role")
	}
	return nil
}
