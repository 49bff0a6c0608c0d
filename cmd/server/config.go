package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr        string `yaml:"listen_addr"`
	TLSCertFile       string `yaml:"tls_cert"`
	TLSKeyFile        string `yaml:"tls_key"`
	Storage           string `yaml:"storage"`
	DBUrl             string `yaml:"db_url"`
	LogLevel          string `yaml:"log_level"`
	RootKey           string `yaml:"root_key"`
	JWTSecret         string `yaml:"jwt_secret"`
	JWTIssuer         string `yaml:"jwt_issuer"`
	RedisURL          string `yaml:"redis_url"`
	NotifyChannel     string `yaml:"notify_channel"`
	WorkerPoolSize    int    `yaml:"worker_pool_size"`
	AutoSnapshot      bool   `yaml:"auto_snapshot"`
	SnapshotRetention int    `yaml:"snapshot_retention"`
	RateLimit         struct {
		RPS   int `yaml:"rps"`
		Burst int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func defaultConfig() config {
	cfg := config{
		ListenAddr:     ":8200",
		Storage:        "postgres",
		LogLevel:       "info",
		JWTIssuer:      "secretflow",
		NotifyChannel:  "secretflow.approvals",
		WorkerPoolSize: 16,
	}
	cfg.RateLimit.RPS = 100
	cfg.RateLimit.Burst = 200
	return cfg
}

// loadConfig reads .env (when present), then the YAML file, then applies
// environment overrides.
func loadConfig(file string) (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("loading .env: %w", err)
	}
	if v := os.Getenv("SECRETFLOW_CONFIG"); v != "" {
		file = v
	}

	cfg := defaultConfig()
	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return config{}, fmt.Errorf("parsing %s: %w", file, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("file", file).Msg("config file not found, using defaults")
	default:
		return config{}, fmt.Errorf("reading %s: %w", file, err)
	}

	overrides := map[string]*string{
		"SECRETFLOW_LISTEN_ADDR": &cfg.ListenAddr,
		"SECRETFLOW_STORAGE":     &cfg.Storage,
		"DATABASE_URL":           &cfg.DBUrl,
		"SECRETFLOW_ROOT_KEY":    &cfg.RootKey,
		"SECRETFLOW_JWT_SECRET":  &cfg.JWTSecret,
		"SECRETFLOW_LOG_LEVEL":   &cfg.LogLevel,
		"REDIS_URL":              &cfg.RedisURL,
	}
	for name, dst := range overrides {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("SECRETFLOW_AUTO_SNAPSHOT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return config{}, fmt.Errorf("SECRETFLOW_AUTO_SNAPSHOT: %w", err)
		}
		cfg.AutoSnapshot = b
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Storage {
	case "memory":
	case "postgres":
		if c.DBUrl == "" {
			return errors.New("db_url must be configured (or DATABASE_URL env var)")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must be configured (or SECRETFLOW_JWT_SECRET env var)")
	}
	if c.SnapshotRetention < 0 {
		return errors.New("snapshot_retention must not be negative")
	}
	return nil
}

// rootKey decodes the configured base64 root key. An empty key is only
// accepted with memory storage, where nothing outlives the process.
func (c config) rootKey() ([]byte, bool, error) {
	if c.RootKey == "" {
		if c.Storage != "memory" {
			return nil, false, errors.New("root_key must be configured (or SECRETFLOW_ROOT_KEY env var)")
		}
		return nil, true, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.RootKey)
	if err != nil {
		return nil, false, fmt.Errorf("decoding root_key: %w", err)
	}
	if len(key) != 32 {
		return nil, false, fmt.Errorf("root_key must be 32 bytes, got %d", len(key))
	}
	return key, false, nil
}
