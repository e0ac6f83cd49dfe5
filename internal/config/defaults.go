package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultParallelLimit   = 20
	defaultRetryLimit      = 7
	defaultTimeoutBase     = "7s"
	defaultTimeoutMax      = "60s"
	defaultPageSize        = 1000
	defaultPoolScope       = "global"
	defaultResumeFinished  = "always"
	defaultFileErrorPolicy = "record"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultListen          = ":8080"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their
// defaults, and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Auth:    defaultAuthConfig(),
		Copy:    defaultCopyConfig(),
		State:   StateConfig{DBPath: DefaultDBPath()},
		Logging: defaultLoggingConfig(),
		Server:  ServerConfig{Listen: defaultListen},
	}
}

func defaultAuthConfig() AuthConfig {
	return AuthConfig{
		TokenFile:         DefaultTokenPath(),
		ServiceAccountDir: DefaultServiceAccountDir(),
	}
}

func defaultCopyConfig() CopyConfig {
	return CopyConfig{
		ParallelLimit:    defaultParallelLimit,
		RetryLimit:       defaultRetryLimit,
		TimeoutBase:      defaultTimeoutBase,
		TimeoutMax:       defaultTimeoutMax,
		PageSize:         defaultPageSize,
		PoolScope:        defaultPoolScope,
		ResumeFinished:   defaultResumeFinished,
		FileErrorPolicy:  defaultFileErrorPolicy,
		SummarizeOnStart: true,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
