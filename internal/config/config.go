package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "GODM"

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	TokenTTL       time.Duration

	// RedisAddr enables the user cache when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Env      string
	LogLevel string

	// RateLimit and RateBurst bound REST requests per client IP.
	RateLimit float64
	RateBurst int
	// SendRate and SendBurst bound message:send events per connection.
	SendRate  float64
	SendBurst int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		TokenTTL:       24 * time.Hour,
		Env:            "prod",
		LogLevel:       "info",
		RateLimit:      20,
		RateBurst:      40,
		SendRate:       10,
		SendBurst:      20,
	}, nil
}

// Flags declares every configuration key with its default.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("go-dm", pflag.ContinueOnError)
	fs.String("config", "", "optional path to a config file")
	fs.String("addr", "localhost:8000", "server address")
	fs.String("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	fs.String("signing-key", "", "base64 encoded signing key")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.Duration("token-ttl", 24*time.Hour, "lifetime of issued tokens")
	fs.String("redis-addr", "", "redis address for the user cache, empty disables caching")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database number")
	fs.String("env", "prod", "runtime environment (dev or prod)")
	fs.String("log-level", "info", "log level")
	fs.Float64("rate-limit", 20, "REST requests per second per client IP")
	fs.Int("rate-burst", 40, "REST request burst per client IP")
	fs.Float64("send-rate", 10, "realtime messages per second per connection")
	fs.Int("send-burst", 20, "realtime message burst per connection")
	return fs
}

// NewViper binds fs and GODM_* environment variables into a viper instance
// and reads the config file named by --config, if any.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return v, nil
}

func Load(v *viper.Viper) (*Config, error) {
	cfg, err := NewConfig(
		v.GetString("addr"),
		v.GetString("dsn"),
		v.GetString("signing-key"),
		v.GetStringSlice("allowed-origins"),
	)
	if err != nil {
		return nil, err
	}

	if v.IsSet("token-ttl") {
		cfg.TokenTTL = v.GetDuration("token-ttl")
	}
	if v.IsSet("env") {
		cfg.Env = v.GetString("env")
	}
	if v.IsSet("log-level") {
		cfg.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("rate-limit") {
		cfg.RateLimit = v.GetFloat64("rate-limit")
	}
	if v.IsSet("rate-burst") {
		cfg.RateBurst = v.GetInt("rate-burst")
	}
	if v.IsSet("send-rate") {
		cfg.SendRate = v.GetFloat64("send-rate")
	}
	if v.IsSet("send-burst") {
		cfg.SendBurst = v.GetInt("send-burst")
	}
	cfg.RedisAddr = v.GetString("redis-addr")
	cfg.RedisPassword = v.GetString("redis-password")
	cfg.RedisDB = v.GetInt("redis-db")

	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("rate limit and burst must be positive")
	}
	if cfg.SendRate <= 0 || cfg.SendBurst <= 0 {
		return nil, fmt.Errorf("send rate and burst must be positive")
	}

	return cfg, nil
}
