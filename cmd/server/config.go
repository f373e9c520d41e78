package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type staticToken struct {
	Token     string `yaml:"token"`
	Principal string `yaml:"principal"`
}

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	RateLimit     int    `yaml:"rate_limit"`
	RateBurst     int    `yaml:"rate_burst"`
	KeepLastAdmin bool   `yaml:"keep_last_admin"`

	// TrustForwardedFor honours X-Forwarded-For; set only behind a trusted proxy.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`

	// Storage selects the durable backend: none, postgres, sqlite or leveldb.
	Storage       string `yaml:"storage"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	SQLitePath    string `yaml:"sqlite_path"`
	LevelDBPath   string `yaml:"leveldb_path"`
	EncryptionKey string `yaml:"encryption_key"`

	RootToken    string        `yaml:"root_token"`
	StaticTokens []staticToken `yaml:"static_tokens"`
}

func defaultConfig() config {
	return config{
		ListenAddr:  ":8300",
		LogLevel:    "info",
		LogFormat:   "console",
		Storage:     "none",
		SQLitePath:  "medvault.db",
		LevelDBPath: "medvault-data",
	}
}

// loadConfig reads the YAML file at path, if present, and applies env overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	if v := os.Getenv("MEDVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
		if cfg.Storage == "none" {
			cfg.Storage = "postgres"
		}
	}
	if v := os.Getenv("MEDVAULT_ROOT_TOKEN"); v != "" {
		cfg.RootToken = v
	}
	if v := os.Getenv("MEDVAULT_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Storage {
	case "none", "sqlite", "leveldb":
	case "postgres":
		if c.DBUrl == "" {
			return errors.New("db_url must be configured (or DATABASE_URL env var) for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	for i, st := range c.StaticTokens {
		if st.Token == "" || st.Principal == "" {
			return fmt.Errorf("static_tokens[%d]: token and principal are required", i)
		}
	}
	return nil
}
