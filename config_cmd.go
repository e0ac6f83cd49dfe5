package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/config"
)

// redacted replaces secrets in displayed configuration.
const redacted = "<redacted>"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			cfg := redactConfig(cc.Cfg)

			if cc.Flags.JSON {
				return printJSON(os.Stdout, cfg)
			}

			return renderConfig(os.Stdout, cc.CfgPath, cfg)
		},
	}
}

// redactConfig returns a copy of cfg with the client secret masked.
func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.Auth.ClientSecret != "" {
		out.Auth.ClientSecret = redacted
	}

	return out
}

// renderConfig writes cfg as TOML, preceded by the file it was loaded from.
func renderConfig(w io.Writer, path string, cfg config.Config) error {
	if _, err := fmt.Fprintf(w, "# config file: %s\n\n", path); err != nil {
		return err
	}

	return toml.NewEncoder(w).Encode(cfg)
}
