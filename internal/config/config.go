// Package config provides configuration loading from environment variables
// and from the engine's YAML settings file.
package config

import (
	"time"

	"vaspilot/internal/apperrors"
)

// ServiceConfig holds configuration for the calculation engine service.
type ServiceConfig struct {
	Port        string
	MetricsPort string
	APIKey      string

	WorkDir string // root directory for job working directories

	MaxConcurrentJobs int // execution slots, must be >= 1
	MaxQueueSize      int // pending submissions, must be >= 1

	PollInterval time.Duration // scheduler status poll interval
	EngineFile   string        // path to the YAML engine settings file
	RecordDSN    string        // Postgres DSN for the record store ("" = in-memory)
	Scheduler    string        // "slurm" or "docker"
	SolverImage  string        // container image for the docker scheduler

	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		WorkDir:           GetEnv("WORK_DIR", "./work"),
		MaxConcurrentJobs: GetIntEnv("MAX_CONCURRENT_JOBS", 3),
		MaxQueueSize:      GetIntEnv("MAX_QUEUE_SIZE", 10),
		PollInterval:      GetDurationEnv("POLL_INTERVAL", 30*time.Second),
		EngineFile:        GetEnv("ENGINE_CONFIG", "configs/engine.yaml"),
		RecordDSN:         GetEnv("RECORD_STORE_DSN", ""),
		Scheduler:         GetEnv("SCHEDULER", "slurm"),
		SolverImage:       GetEnv("SOLVER_IMAGE", "vasp-solver:latest"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// Validate checks operator-set limits. Both concurrency knobs must be
// at least 1; anything else is a startup error, not a runtime fallback.
func (c *ServiceConfig) Validate() error {
	if c.MaxConcurrentJobs < 1 {
		return apperrors.Validation("maxConcurrentJobs", "MAX_CONCURRENT_JOBS must be >= 1")
	}
	if c.MaxQueueSize < 1 {
		return apperrors.Validation("maxQueueSize", "MAX_QUEUE_SIZE must be >= 1")
	}
	if c.Scheduler != "slurm" && c.Scheduler != "docker" {
		return apperrors.Validation("scheduler", "SCHEDULER must be slurm or docker")
	}
	return nil
}
