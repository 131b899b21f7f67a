// Package core holds process-wide configuration, configuration errors and
// exit codes for the photorestore CLI.
package core

import (
	"fmt"
	"strconv"
	"time"

	"photorestore/modelruntime"
	"photorestore/schedule"
)

// Sampling limits
const (
	DefaultNumSteps = 100
	MinNumSteps     = 1
	MaxNumSteps     = 1000
	MinScheduleT    = 2
)

// Default paths
const (
	DefaultDBPath                 = "restore_history.db"
	DefaultLogFile                = "photorestore.log"
	DefaultShutdownTimeoutSeconds = 60
)

// Config holds all runtime configuration.
type Config struct {
	// Inference host and encoder input
	Model           *modelruntime.Config
	DenoiserAddress string // differs from Model.Address only via the manifest

	// Sampling
	NumSteps  int
	ScheduleT int
	MaxSigma  float64
	Eps       float64
	Seed      uint64
	HasSeed   bool // false = seed from crypto/rand per run

	// Storage and logging
	DBPath   string
	LogFile  string
	LogLevel string
	DevMode  bool

	// Lifecycle
	ShutdownTimeout time.Duration

	// Optional model manifest
	ManifestPath string
	Manifest     *Manifest
}

// LoadConfig reads configuration from environment variables (after the
// caller has loaded .env) and applies the model manifest, if any.
func LoadConfig() (*Config, error) {
	model := modelruntime.LoadConfig()

	cfg := &Config{
		Model:           model,
		DenoiserAddress: model.Address,
		NumSteps:        ParseIntEnv("RESTORE_NUM_STEPS", DefaultNumSteps),
		ScheduleT:       ParseIntEnv("RESTORE_SCHEDULE_T", schedule.DefaultT),
		MaxSigma:        ParseFloat64Env("RESTORE_MAX_SIGMA", schedule.DefaultMaxSigma),
		Eps:             ParseFloat64Env("RESTORE_EPS", schedule.DefaultEps),
		DBPath:          GetEnvOrDefault("RESTORE_DB_PATH", DefaultDBPath),
		LogFile:         GetEnvOrDefault("RESTORE_LOG_FILE", DefaultLogFile),
		LogLevel:        GetEnvOrDefault("RESTORE_LOG_LEVEL", ""),
		DevMode:         ParseBoolEnv("DEV_MODE", false),
		ShutdownTimeout: ParseDurationEnv("RESTORE_SHUTDOWN_TIMEOUT_SECONDS", DefaultShutdownTimeoutSeconds),
		ManifestPath:    GetEnvOrDefault("RESTORE_MANIFEST", ""),
	}

	if seed := GetEnvOrDefault("RESTORE_SEED", ""); seed != "" {
		v, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			return nil, ErrInvalidValue("RESTORE_SEED", seed, "an unsigned integer")
		}
		cfg.Seed, cfg.HasSeed = v, true
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.ManifestPath != "" {
		m, err := LoadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
		cfg.ApplyManifest(m)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NumSteps < MinNumSteps || c.NumSteps > MaxNumSteps {
		return ErrInvalidValue("RESTORE_NUM_STEPS", strconv.Itoa(c.NumSteps), "an integer between 1 and 1000")
	}
	if c.ScheduleT < MinScheduleT {
		return ErrInvalidValue("RESTORE_SCHEDULE_T", strconv.Itoa(c.ScheduleT), "an integer of at least 2")
	}
	if c.NumSteps > 2*c.ScheduleT {
		// later steps would land on timestep 0, where sigma is 0
		return ErrInvalidValue("RESTORE_NUM_STEPS", strconv.Itoa(c.NumSteps),
			fmt.Sprintf("at most twice RESTORE_SCHEDULE_T (%d)", 2*c.ScheduleT))
	}
	if !(c.MaxSigma > 0) {
		return ErrInvalidValue("RESTORE_MAX_SIGMA", strconv.FormatFloat(c.MaxSigma, 'g', -1, 64), "a positive number")
	}
	if !(c.Eps > 0 && c.Eps < 1) {
		return ErrInvalidValue("RESTORE_EPS", strconv.FormatFloat(c.Eps, 'g', -1, 64), "a number strictly between 0 and 1")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeoutSeconds * time.Second
	}
	return nil
}

// ApplyManifest overrides per-model settings with non-zero manifest values.
func (c *Config) ApplyManifest(m *Manifest) {
	c.Manifest = m

	if enc, ok := m.Model(modelruntime.KindEncoder); ok {
		if enc.Address != "" {
			c.Model.Address = enc.Address
		}
		if enc.InputSize != 0 {
			c.Model.EncoderInputSize = enc.InputSize
		}
		if enc.OutputName != "" {
			c.Model.EncoderOutput = enc.OutputName
		}
	}

	c.DenoiserAddress = c.Model.Address
	if den, ok := m.Model(modelruntime.KindDenoiser); ok && den.Address != "" {
		c.DenoiserAddress = den.Address
	}
}

// SplitHosts reports whether encoder and denoiser live on different hosts.
func (c *Config) SplitHosts() bool {
	return c.DenoiserAddress != "" && c.DenoiserAddress != c.Model.Address
}
