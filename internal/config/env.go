package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "PANSAVE_CONFIG"
	EnvLogLevel = "PANSAVE_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // PANSAVE_CONFIG: override config file path
	LogLevel   string // PANSAVE_LOG_LEVEL: override [logging] log_level
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
