package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all floe server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	BaseURL         string `json:"base_url"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"` // text | json
	PoolSize        int    `json:"pool_size"`
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
	ResendAPIKey    string `json:"resend_api_key"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4600",
		DBPath:     filepath.Join(floeDir(), "floe.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   10,
	}
}

func floeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".floe"
	}
	return filepath.Join(home, ".floe")
}

func settingsPath() string {
	return filepath.Join(floeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("FLOE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLOE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOE_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("FLOE_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("FLOE_RESEND_API_KEY"); v != "" {
		cfg.ResendAPIKey = v
	}

	// The callback correlator mints per-owner URLs off the base URL, so
	// derive one from listen_addr when not configured.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}
