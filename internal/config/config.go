package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine's runtime configuration. Every key can be set from
// the environment; an optional .env file supplies the rest.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL   string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
	RedisURL      string
	RedisTTL      time.Duration

	KafkaBrokers    []string
	KafkaAlertTopic string

	EtherscanAPIKey  string
	EtherscanBaseURL string
	EtherscanChainID int64
	EthRPCURL        string

	ProviderRPS       float64
	ProviderBurst     int
	IngestMinDelay    time.Duration
	IngestMaxAttempts int
	IngestBaseDelay   time.Duration
	IngestMaxDelay    time.Duration

	AlertDedupWindow time.Duration
	AlertMinScore    float64
	TaintSeeds       []string

	AllowedOrigins []string
	APIRatePerMin  int
	APIBurst       int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "5339")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NEO4J_USER", "neo4j")
	v.SetDefault("NEO4J_DATABASE", "neo4j")
	v.SetDefault("REDIS_TTL", "10m")
	v.SetDefault("KAFKA_ALERT_TOPIC", "aml.alerts")
	v.SetDefault("ETHERSCAN_BASE_URL", "https://api.etherscan.io/v2/api")
	v.SetDefault("ETHERSCAN_CHAIN_ID", 1)
	v.SetDefault("PROVIDER_RPS", 5)
	v.SetDefault("PROVIDER_BURST", 1)
	v.SetDefault("INGEST_MIN_DELAY", "200ms")
	v.SetDefault("INGEST_MAX_ATTEMPTS", 4)
	v.SetDefault("INGEST_BASE_DELAY", "500ms")
	v.SetDefault("INGEST_MAX_DELAY", "10s")
	v.SetDefault("ALERT_DEDUP_WINDOW", "1h")
	v.SetDefault("ALERT_MIN_SCORE", 20)
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("API_RATE_PER_MIN", 60)
	v.SetDefault("API_BURST", 20)
}

// Load reads path (typically ".env") when it exists, then overlays the
// environment. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		Port:     v.GetString("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		Neo4jURI:      v.GetString("NEO4J_URI"),
		Neo4jUser:     v.GetString("NEO4J_USER"),
		Neo4jPassword: v.GetString("NEO4J_PASSWORD"),
		Neo4jDatabase: v.GetString("NEO4J_DATABASE"),
		RedisURL:      v.GetString("REDIS_URL"),
		RedisTTL:      v.GetDuration("REDIS_TTL"),

		KafkaBrokers:    splitList(v.GetString("KAFKA_BROKERS")),
		KafkaAlertTopic: v.GetString("KAFKA_ALERT_TOPIC"),

		EtherscanAPIKey:  v.GetString("ETHERSCAN_API_KEY"),
		EtherscanBaseURL: v.GetString("ETHERSCAN_BASE_URL"),
		EtherscanChainID: v.GetInt64("ETHERSCAN_CHAIN_ID"),
		EthRPCURL:        v.GetString("ETH_RPC_URL"),

		ProviderRPS:       v.GetFloat64("PROVIDER_RPS"),
		ProviderBurst:     v.GetInt("PROVIDER_BURST"),
		IngestMinDelay:    v.GetDuration("INGEST_MIN_DELAY"),
		IngestMaxAttempts: v.GetInt("INGEST_MAX_ATTEMPTS"),
		IngestBaseDelay:   v.GetDuration("INGEST_BASE_DELAY"),
		IngestMaxDelay:    v.GetDuration("INGEST_MAX_DELAY"),

		AlertDedupWindow: v.GetDuration("ALERT_DEDUP_WINDOW"),
		AlertMinScore:    v.GetFloat64("ALERT_MIN_SCORE"),
		TaintSeeds:       splitList(v.GetString("TAINT_SEEDS")),

		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		APIRatePerMin:  v.GetInt("API_RATE_PER_MIN"),
		APIBurst:       v.GetInt("API_BURST"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return errors.New("PORT must be set")
	case c.ProviderRPS <= 0:
		return fmt.Errorf("PROVIDER_RPS must be positive, got %v", c.ProviderRPS)
	case c.ProviderBurst < 1:
		return fmt.Errorf("PROVIDER_BURST must be at least 1, got %d", c.ProviderBurst)
	case c.IngestMaxAttempts < 1:
		return fmt.Errorf("INGEST_MAX_ATTEMPTS must be at least 1, got %d", c.IngestMaxAttempts)
	case c.AlertDedupWindow < 0:
		return errors.New("ALERT_DEDUP_WINDOW must not be negative")
	case c.APIRatePerMin < 1:
		return fmt.Errorf("API_RATE_PER_MIN must be at least 1, got %d", c.APIRatePerMin)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
