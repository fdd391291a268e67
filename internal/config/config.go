package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int
	MasterSecret  string
	GinMode       string
	TLSCertFile   string
	TLSKeyFile    string
	TokenExpiry   time.Duration
	DBPath        string
	TaskRetention time.Duration
	GrantCacheTTL time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// fileConfig is the optional YAML overlay; env values win over file values.
type fileConfig struct {
	Port          int    `yaml:"port"`
	MasterSecret  string `yaml:"masterSecret"`
	GinMode       string `yaml:"ginMode"`
	TLSCertFile   string `yaml:"tlsCertFile"`
	TLSKeyFile    string `yaml:"tlsKeyFile"`
	TokenExpiry   int    `yaml:"tokenExpirySeconds"`
	DBPath        string `yaml:"dbPath"`
	TaskRetention int    `yaml:"taskRetentionSeconds"`
	GrantCacheTTL int    `yaml:"grantCacheTTLSeconds"`
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:          3000,
		GinMode:       "release",
		TokenExpiry:   7 * 24 * time.Hour,
		DBPath:        "devlink.db",
		TaskRetention: 24 * time.Hour,
		GrantCacheTTL: 30 * time.Second,
	}

	if path := env.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}
	if raw := env.Getenv("DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("TASK_RETENTION_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TASK_RETENTION_SECONDS")
		}
		cfg.TaskRetention = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("GRANT_CACHE_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid GRANT_CACHE_TTL_SECONDS")
		}
		cfg.GrantCacheTTL = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Port != 0 {
		if fc.Port <= 0 || fc.Port > 65535 {
			return fmt.Errorf("invalid port in config file")
		}
		cfg.Port = fc.Port
	}
	if fc.MasterSecret != "" {
		cfg.MasterSecret = fc.MasterSecret
	}
	if fc.GinMode != "" {
		cfg.GinMode = fc.GinMode
	}
	if fc.TLSCertFile != "" {
		cfg.TLSCertFile = fc.TLSCertFile
	}
	if fc.TLSKeyFile != "" {
		cfg.TLSKeyFile = fc.TLSKeyFile
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TokenExpiry > 0 {
		cfg.TokenExpiry = time.Duration(fc.TokenExpiry) * time.Second
	}
	if fc.TaskRetention > 0 {
		cfg.TaskRetention = time.Duration(fc.TaskRetention) * time.Second
	}
	if fc.GrantCacheTTL > 0 {
		cfg.GrantCacheTTL = time.Duration(fc.GrantCacheTTL) * time.Second
	}
	return nil
}
