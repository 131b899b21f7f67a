package modelruntime

import (
	"os"
	"strconv"
	"time"
)

// Config holds settings for the external model runtime.
type Config struct {
	// Address of the inference host serving the encoder and denoiser
	Address string

	// Encoder input
	EncoderInputSize int    // Square input edge in pixels
	EncoderOutput    string // Name of the combined embedding output ("" = sole output)

	// Resource limits
	MemoryLimitMB int           // Process memory ceiling checked before large allocations (0 = unlimited)
	LoadTimeout   time.Duration // Maximum time to load one model
}

// Default configuration values
const (
	DefaultAddress            = "127.0.0.1:50071"
	DefaultEncoderInputSize   = 224
	DefaultLoadTimeoutSeconds = 120

	MinEncoderInputSize = 32
	MaxEncoderInputSize = 1024
)

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:          DefaultAddress,
		EncoderInputSize: DefaultEncoderInputSize,
		LoadTimeout:      DefaultLoadTimeoutSeconds * time.Second,
	}
}

// LoadConfig reads runtime configuration from environment variables.
// Invalid values fall back to defaults.
func LoadConfig() *Config {
	address := os.Getenv("RESTORE_MODEL_ADDR")
	if address == "" {
		address = DefaultAddress
	}

	return &Config{
		Address:          address,
		EncoderInputSize: parseEncoderInputSize(os.Getenv("RESTORE_ENCODER_INPUT_SIZE")),
		EncoderOutput:    os.Getenv("RESTORE_ENCODER_OUTPUT"),
		MemoryLimitMB:    parseMemoryLimit(os.Getenv("RESTORE_MEMORY_LIMIT_MB")),
		LoadTimeout:      parseLoadTimeout(os.Getenv("RESTORE_LOAD_TIMEOUT_SECONDS")),
	}
}

// MemoryLimitBytes converts MemoryLimitMB to bytes.
func (c *Config) MemoryLimitBytes() int64 {
	return int64(c.MemoryLimitMB) * 1024 * 1024
}

func parseEncoderInputSize(s string) int {
	if s == "" {
		return DefaultEncoderInputSize
	}
	size, err := strconv.Atoi(s)
	if err != nil || size < MinEncoderInputSize || size > MaxEncoderInputSize {
		return DefaultEncoderInputSize
	}
	return size
}

func parseMemoryLimit(s string) int {
	if s == "" {
		return 0
	}
	mb, err := strconv.Atoi(s)
	if err != nil || mb < 0 {
		return 0
	}
	return mb
}

func parseLoadTimeout(s string) time.Duration {
	if s == "" {
		return DefaultLoadTimeoutSeconds * time.Second
	}
	seconds, err := strconv.Atoi(s)
	if err != nil || seconds <= 0 {
		return DefaultLoadTimeoutSeconds * time.Second
	}
	return time.Duration(seconds) * time.Second
}
