package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "DRIVECLONE_CONFIG"
	EnvDB       = "DRIVECLONE_DB"
	EnvLogLevel = "DRIVECLONE_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DRIVECLONE_CONFIG: config file path
	DBPath     string // DRIVECLONE_DB: state database path
	LogLevel   string // DRIVECLONE_LOG_LEVEL: log level
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
