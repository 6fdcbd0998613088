package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the worker's full configuration: defaults, then an optional
// TOML file, then environment variables, applied in that order so env
// always wins.
type Config struct {
	Worker   WorkerConfig   `toml:"worker"`
	Database DatabaseConfig `toml:"database"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
}

type WorkerConfig struct {
	ID                  string `toml:"id"`
	LogDir              string `toml:"log_dir"`
	MaxConcurrentJobs   int    `toml:"max_concurrent_jobs"`
	HeartbeatIntervalMs int    `toml:"heartbeat_interval_ms"`
	StaleJobThresholdMs int    `toml:"stale_job_threshold_ms"`
	HealthAddr          string `toml:"health_addr"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

// SandboxConfig controls the optional docker-backed isolation path for
// capabilities declaring `sandbox:"docker"`.
type SandboxConfig struct {
	Enabled bool   `toml:"enabled"`
	Image   string `toml:"image"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return Config{
		Worker: WorkerConfig{
			ID:                  hostname,
			LogDir:              "/var/log/agendo",
			MaxConcurrentJobs:   8,
			HeartbeatIntervalMs: 5000,
			StaleJobThresholdMs: 30000,
			HealthAddr:          ":8090",
		},
		Database: DatabaseConfig{URL: "postgres://localhost:5432/agendo"},
		Sandbox:  SandboxConfig{Enabled: false, Image: "agendo/sandbox:latest"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). path
// may be empty, in which case no file is consulted and only defaults +
// env apply.
func Load(path string) Config {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = toml.Unmarshal(data, &cfg)
		}
	}

	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.Worker.LogDir = v
	}
	if v := os.Getenv("WORKER_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("STALE_JOB_THRESHOLD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.StaleJobThresholdMs = n
		}
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.Worker.HealthAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SANDBOX_ENABLED"); v == "true" || v == "1" {
		cfg.Sandbox.Enabled = true
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}

	return cfg
}
