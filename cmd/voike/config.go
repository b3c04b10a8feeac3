package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all voike configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogJSON   bool   `json:"log_json"`
	ProjectID string `json:"project_id"`

	CacheSize          int `json:"cache_size"`
	Workers            int `json:"workers"`
	AutoAsyncThreshold int `json:"auto_async_threshold"`
	MaxSteps           int `json:"max_steps"`
	ScheduleTickSecs   int `json:"schedule_tick_seconds"`

	DiagramBinDir string `json:"diagram_bin_dir"`
	MetricsAddr   string `json:"metrics_addr"`
	// BlobDir is the only directory VOIKE_BLOB reads from.
	BlobDir string `json:"blob_dir"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           "file:" + filepath.Join(voikeDir(), "voike.db"),
		LogLevel:         "info",
		ProjectID:        "local",
		CacheSize:        256,
		Workers:          4,
		MaxSteps:         1_000_000,
		ScheduleTickSecs: 60,
		DiagramBinDir:    filepath.Join(voikeDir(), "bin"),
		BlobDir:          filepath.Join(voikeDir(), "blobs"),
	}
}

func voikeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voike"
	}
	return filepath.Join(home, ".voike")
}

func settingsPath() string {
	return filepath.Join(voikeDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath())
}

func loadConfigFrom(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("VOIKE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VOIKE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VOIKE_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("VOIKE_PROJECT_ID"); v != "" {
		cfg.ProjectID = v
	}
	envInt("VOIKE_CACHE_SIZE", &cfg.CacheSize)
	envInt("VOIKE_WORKERS", &cfg.Workers)
	envInt("VOIKE_AUTO_ASYNC_THRESHOLD", &cfg.AutoAsyncThreshold)
	envInt("VOIKE_MAX_STEPS", &cfg.MaxSteps)
	envInt("VOIKE_SCHEDULE_TICK_SECONDS", &cfg.ScheduleTickSecs)
	if v := os.Getenv("VOIKE_DIAGRAM_BIN_DIR"); v != "" {
		cfg.DiagramBinDir = v
	}
	if v := os.Getenv("VOIKE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("VOIKE_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	return cfg
}

// envInt overwrites dst when name holds an integer.
func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
