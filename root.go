package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that run without loading config.
const skipConfigAnnotation = "skip-config"

// CLIFlags are the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	Target     string
	Parallel   int
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved config and logger to subcommands through
// the command context.
type CLIContext struct {
	Flags    CLIFlags
	Cfg      *config.Config
	CfgPath  string
	Logger   *slog.Logger
	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cli context not initialized")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered.
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "driveclone",
		Short: "Google Drive folder replication",
		Long: `Replicate Google Drive folder trees into destination folders with
server-side copies. Progress is persisted, so interrupted copies resume
where they left off.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			cc, err := loadCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.DBPath, "db", "", "state database path")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides logging.log_level)")
	pf.StringVar(&flags.Target, "target", "", "default destination folder id (overrides copy.default_target)")
	pf.IntVar(&flags.Parallel, "parallel", 0, "concurrent remote requests (overrides copy.parallel_limit)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newCopyCmd())
	cmd.AddCommand(newCountCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the override
// chain and builds the logger.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		DBPath:     flags.DBPath,
		LogLevel:   flags.LogLevel,
	}

	if cmd.Flags().Changed("target") {
		cli.Target = &flags.Target
	}

	// Only pass --parallel to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("parallel") {
		cli.Parallel = &flags.Parallel
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := buildLogger(cfg, flags)
	if err != nil {
		return nil, err
	}

	logger.Debug("config resolved", slog.String("path", path))

	return &CLIContext{
		Flags:    flags,
		Cfg:      cfg,
		CfgPath:  path,
		Logger:   logger,
		closeLog: closeLog,
	}, nil
}

// buildLogger creates the logger from the resolved config and CLI flags.
// Config log level is the baseline; --verbose and --quiet override it.
func buildLogger(cfg *config.Config, flags CLIFlags) (*slog.Logger, func() error, error) {
	level := config.ParseLevel(cfg.Logging.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return config.SetupLogger(&cfg.Logging, level)
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "driveclone %s\n", version)
		},
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
