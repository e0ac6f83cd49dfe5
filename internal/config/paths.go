package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "driveclone"

// File names inside the config and data directories.
const (
	configFileName     = "config.toml"
	dbFileName         = "state.db"
	tokenFileName      = "token.json"
	serviceAccountsDir = "accounts"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/driveclone).
// On macOS, uses ~/Library/Application Support/driveclone.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir(home, "XDG_CONFIG_HOME", ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the state
// database and tokens. On Linux, respects XDG_DATA_HOME (defaults to
// ~/.local/share/driveclone). macOS collapses config and data into one
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir(home, "XDG_DATA_HOME", filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// xdgDir returns $envVar/driveclone when set, else ~/fallback/driveclone.
func xdgDir(home, envVar, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither DRIVECLONE_CONFIG nor --config is given.
func DefaultConfigPath() string {
	return inDir(DefaultConfigDir(), configFileName)
}

// DefaultDBPath returns the default state database path.
func DefaultDBPath() string {
	return inDir(DefaultDataDir(), dbFileName)
}

// DefaultTokenPath returns the default personal OAuth token path.
func DefaultTokenPath() string {
	return inDir(DefaultDataDir(), tokenFileName)
}

// DefaultServiceAccountDir returns the default service-account key
// directory.
func DefaultServiceAccountDir() string {
	return inDir(DefaultConfigDir(), serviceAccountsDir)
}

func inDir(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}
