package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driveclone/driveclone/internal/retry"
)

// Validation range constants.
const (
	minParallelLimit = 1
	maxParallelLimit = 256
	minRetryLimit    = 1
	maxRetryLimit    = 50
	minPageSize      = 1
	maxPageSize      = 1000
	minTimeout       = 1 * time.Second
)

// Enumerated values.
var (
	validPoolScopes       = []string{"global", "task"}
	validResumeFinished   = []string{"always", "force"}
	validFileErrorPolicy  = []string{"record", "fatal"}
	validLogLevels        = []string{"debug", "info", "warn", "error"}
	validLogFormats       = []string{"auto", "text", "json"}
	errServiceAccountPath = errors.New("auth.service_account_dir: required when use_service_accounts is set")
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateCopy(&cfg.Copy)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateServer(&cfg.Server)...)

	if cfg.State.DBPath == "" {
		errs = append(errs, errors.New("state.db_path: must not be empty"))
	}

	return errors.Join(errs...)
}

func validateAuth(a *AuthConfig) []error {
	if a.UseServiceAccounts && a.ServiceAccountDir == "" {
		return []error{errServiceAccountPath}
	}

	return nil
}

func validateCopy(c *CopyConfig) []error {
	var errs []error

	errs = appendRange(errs, "copy.parallel_limit", c.ParallelLimit, minParallelLimit, maxParallelLimit)
	errs = appendRange(errs, "copy.retry_limit", c.RetryLimit, minRetryLimit, maxRetryLimit)
	errs = appendRange(errs, "copy.page_size", c.PageSize, minPageSize, maxPageSize)
	errs = appendEnum(errs, "copy.pool_scope", c.PoolScope, validPoolScopes)
	errs = appendEnum(errs, "copy.resume_finished", c.ResumeFinished, validResumeFinished)
	errs = appendEnum(errs, "copy.file_error_policy", c.FileErrorPolicy, validFileErrorPolicy)

	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("copy.requests_per_second: must be >= 0, got %g", c.RequestsPerSecond))
	}

	base, err := parseTimeout("copy.timeout_base", c.TimeoutBase)
	if err != nil {
		errs = append(errs, err)
	}

	ceiling, err := parseTimeout("copy.timeout_max", c.TimeoutMax)
	if err != nil {
		errs = append(errs, err)
	}

	if base > 0 && ceiling > 0 && ceiling < base {
		errs = append(errs, fmt.Errorf("copy.timeout_max: %s is below timeout_base %s", ceiling, base))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = appendEnum(errs, "logging.log_level", l.LogLevel, validLogLevels)
	errs = appendEnum(errs, "logging.log_format", l.LogFormat, validLogFormats)

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Listen == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}

	if s.ResyncCron != "" {
		if _, err := cron.ParseStandard(s.ResyncCron); err != nil {
			errs = append(errs, fmt.Errorf("server.resync_cron: %w", err))
		}
	}

	return errs
}

func appendRange(errs []error, field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return append(errs, fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v))
	}

	return errs
}

func appendEnum(errs []error, field, v string, valid []string) []error {
	if !slices.Contains(valid, v) {
		return append(errs, fmt.Errorf("%s: must be one of %s, got %q", field, strings.Join(valid, ", "), v))
	}

	return errs
}

func parseTimeout(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}

	if d < minTimeout {
		return 0, fmt.Errorf("%s: must be at least %s, got %s", field, minTimeout, d)
	}

	return d, nil
}

// RetryPolicy converts the copy section into the per-unit retry policy.
func (c *CopyConfig) RetryPolicy() (retry.Policy, error) {
	base, err := parseTimeout("copy.timeout_base", c.TimeoutBase)
	if err != nil {
		return retry.Policy{}, err
	}

	ceiling, err := parseTimeout("copy.timeout_max", c.TimeoutMax)
	if err != nil {
		return retry.Policy{}, err
	}

	p := retry.Policy{BaseTimeout: base, MaxTimeout: ceiling, MaxAttempts: c.RetryLimit}

	return p, p.Validate()
}
