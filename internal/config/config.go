// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for driveclone. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Auth    AuthConfig    `toml:"auth"`
	Copy    CopyConfig    `toml:"copy"`
	State   StateConfig   `toml:"state"`
	Logging LoggingConfig `toml:"logging"`
	Server  ServerConfig  `toml:"server"`
}

// AuthConfig selects the credentials used against the remote: either one
// personal OAuth token or a directory of service-account key files.
type AuthConfig struct {
	ClientID           string `toml:"client_id"`
	ClientSecret       string `toml:"client_secret"`
	TokenFile          string `toml:"token_file"`
	ServiceAccountDir  string `toml:"service_account_dir"`
	UseServiceAccounts bool   `toml:"use_service_accounts"`
}

// CopyConfig controls the replication engine: concurrency, retry schedule,
// paging, and the resume and failure policies.
type CopyConfig struct {
	DefaultTarget     string  `toml:"default_target"`
	ParallelLimit     int     `toml:"parallel_limit"`
	RetryLimit        int     `toml:"retry_limit"`
	TimeoutBase       string  `toml:"timeout_base"`
	TimeoutMax        string  `toml:"timeout_max"`
	PageSize          int     `toml:"page_size"`
	PoolScope         string  `toml:"pool_scope"`
	ResumeFinished    string  `toml:"resume_finished"`
	FileErrorPolicy   string  `toml:"file_error_policy"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	SummarizeOnStart  bool    `toml:"summarize_on_start"`
}

// StateConfig locates the state database.
type StateConfig struct {
	DBPath string `toml:"db_path"`
}

// LoggingConfig controls log output behavior: level, format, and an
// optional JSON log file written alongside stderr.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// ServerConfig controls the HTTP control surface started by "serve".
type ServerConfig struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
	ResyncCron  string   `toml:"resync_cron"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     string  // --db flag
	LogLevel   string  // --log-level flag
	Parallel   *int    // --parallel flag
	Target     *string // --target flag
}
