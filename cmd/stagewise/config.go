package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all stagewise engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	CatalogPath string `json:"catalog_path"`
	RulesPath   string `json:"rules_path"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	JanitorCron string `json:"janitor_cron"`
}

func defaultConfig() Config {
	return Config{
		CatalogPath: filepath.Join(stagewiseDir(), "catalog.json"),
		RulesPath:   filepath.Join(stagewiseDir(), "rules.json"),
		DBPath:      filepath.Join(stagewiseDir(), "stagewise.db"),
		LogLevel:    "info",
		JanitorCron: "0 3 * * *",
	}
}

func stagewiseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagewise"
	}
	return filepath.Join(home, ".stagewise")
}

func settingsPath() string {
	return filepath.Join(stagewiseDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STAGEWISE_CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("STAGEWISE_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("STAGEWISE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STAGEWISE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STAGEWISE_JANITOR_CRON"); v != "" {
		cfg.JanitorCron = v
	}

	return cfg
}
