// Package config loads facilitator configuration from a YAML file
// merged with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/agentpay/agentpay/policy"
)

// Config is the root configuration for a facilitator process.
type Config struct {
	Chains  map[string]ChainConfig  `mapstructure:"chains"`
	Store   StoreConfig             `mapstructure:"store"`
	Webhook WebhookConfig           `mapstructure:"webhook"`
	Policy  map[string]policy.Rules `mapstructure:"policy"`
	Engine  EngineConfig            `mapstructure:"engine"`
	Logger  LoggerConfig            `mapstructure:"logger"`
	Metrics MetricsConfig           `mapstructure:"metrics"`
}

// ChainConfig describes one chain's node endpoint, keyed by chain name
// (e.g. "base-sepolia", "solana-devnet").
type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
}

// StoreConfig selects the settlement record backend.
type StoreConfig struct {
	Backend       string `mapstructure:"backend"` // memory, redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// WebhookConfig holds the shared secret and replay window for inbound
// processor confirmations. The secret may also arrive via the
// WEBHOOK_SECRET_DATA environment variable for container deployments.
type WebhookConfig struct {
	SecretPath string        `mapstructure:"secret_path"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	Secret     []byte
}

// EngineConfig tunes settlement behavior.
type EngineConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RecordTTL time.Duration `mapstructure:"record_ttl"`
}

// LoggerConfig sets the zap logger behavior.
type LoggerConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// MetricsConfig toggles the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads config.yaml from the working directory or ./configs,
// overlaying environment variables (STORE_BACKEND overrides
// store.backend and so on). A missing file is fine; defaults and
// environment carry the process.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook,
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Webhook.Secret = loadSecret(cfg.Webhook.SecretPath, "WEBHOOK_SECRET_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("webhook.max_age", 300*time.Second)
	v.SetDefault("engine.timeout", 60*time.Second)
	v.SetDefault("engine.record_ttl", time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("metrics.enabled", false)
}

// decimalDecodeHook lets budget caps be written as YAML strings or
// numbers.
func decimalDecodeHook(_, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return data, nil
	}
}

// loadSecret prefers the environment over a file path so containerized
// deployments never need the secret on disk.
func loadSecret(path, envKey string) []byte {
	if data := os.Getenv(envKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return []byte(strings.TrimSpace(string(data)))
		}
	}
	return nil
}
