package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
)

// invalidDirName is the subdirectory of service_account_dir that
// --move-invalid moves denied keys into.
const invalidDirName = "invalid"

func newProbeCmd() *cobra.Command {
	var moveInvalid bool

	cmd := &cobra.Command{
		Use:   "probe <folder>",
		Short: "Check which service accounts can read a folder",
		Long: `Ask every service account in auth.service_account_dir whether it can
read the folder. Probing does not touch tasks, so it is safe while copies
run. With --move-invalid, keys that were denied are moved into an "invalid"
subdirectory so they drop out of rotation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)
			dir := cc.Cfg.Auth.ServiceAccountDir

			creds, err := credential.LoadServiceAccounts(ctx, dir, cc.Logger)
			if err != nil {
				return err
			}

			results := credential.ProbeAll(ctx, gdrive.NewClient(cc.Logger), creds, args[0], cc.Cfg.Copy.ParallelLimit, cc.Logger)

			if cc.Flags.JSON {
				if err := printJSON(os.Stdout, probeViews(results)); err != nil {
					return err
				}
			} else {
				printProbeResults(results)
			}

			if !moveInvalid {
				return nil
			}

			moved, err := moveInvalidKeys(dir, results, cc.Logger)
			cc.Statusf("Moved %d key(s) to %s.\n", moved, filepath.Join(dir, invalidDirName))

			return err
		},
	}

	cmd.Flags().BoolVar(&moveInvalid, "move-invalid", false, "move keys without access into the invalid subdirectory")

	return cmd
}

type probeView struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Accessible bool   `json:"accessible"`
	Error      string `json:"error,omitempty"`
}

func probeViews(results []credential.ProbeResult) []probeView {
	out := make([]probeView, 0, len(results))

	for _, r := range results {
		v := probeView{Name: r.Credential.Name(), Email: r.Credential.Email(), Accessible: r.Accessible}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}

		out = append(out, v)
	}

	return out
}

func printProbeResults(results []credential.ProbeResult) {
	rows := make([][]string, 0, len(results))

	for _, v := range probeViews(results) {
		access := "yes"

		switch {
		case v.Error != "":
			access = "error: " + v.Error
		case !v.Accessible:
			access = "no"
		}

		rows = append(rows, []string{v.Name, v.Email, access})
	}

	printTable(os.Stdout, []string{"NAME", "EMAIL", "ACCESS"}, rows)
}

// moveInvalidKeys moves the key file of every credential that was denied
// into dir/invalid. Credentials whose probe failed are left alone, since
// the failure says nothing about access.
func moveInvalidKeys(dir string, results []credential.ProbeResult, logger *slog.Logger) (int, error) {
	target := filepath.Join(dir, invalidDirName)
	moved := 0

	for _, r := range results {
		if r.Err != nil || r.Accessible {
			continue
		}

		if moved == 0 {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return 0, fmt.Errorf("creating %s: %w", target, err)
			}
		}

		name := r.Credential.Name() + ".json"
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(target, name)); err != nil {
			return moved, fmt.Errorf("moving %s: %w", name, err)
		}

		logger.Info("moved service account key", slog.String("name", r.Credential.Name()), slog.String("to", target))

		moved++
	}

	return moved, nil
}
