package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/engine"
)

// submitTimeout bounds the request that hands a task to a running server.
const submitTimeout = 30 * time.Second

type copyFlags struct {
	force  bool
	update bool
	wait   bool
}

func newCopyCmd() *cobra.Command {
	var flags copyFlags

	cmd := &cobra.Command{
		Use:   "copy <source> [destination]",
		Short: "Replicate a folder tree into a destination folder",
		Long: `Replicate the source folder, with everything under it, into the
destination folder (copy.default_target when omitted). Running the same copy
again resumes it: folders and files copied earlier are skipped.

A source that is a file is copied once without creating a task.

With --wait=false the task is handed to a running 'driveclone serve' and
the command returns immediately.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, destination := args[0], ""
			if len(args) == 2 {
				destination = args[1]
			}

			if !flags.wait {
				return runCopySubmit(cmd, source, destination, flags.force)
			}

			return runCopy(cmd, source, destination, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.force, "force", false, "resume a finished task regardless of copy.resume_finished")
	cmd.Flags().BoolVar(&flags.update, "update", false, "recount the source before copying")
	cmd.Flags().BoolVar(&flags.wait, "wait", true, "run the copy here and wait for it to finish")

	return cmd
}

func runCopy(cmd *cobra.Command, source, destination string, flags copyFlags) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := cc.openSession(ctx, sessionOptions{lock: true, requireCredentials: true})
	if err != nil {
		return err
	}
	defer s.Close()

	item, err := s.engine.Lookup(ctx, source)
	if err != nil {
		return err
	}

	if !item.IsFolder() {
		copied, err := s.engine.CopySingle(ctx, source, destination)
		if err != nil {
			return err
		}

		cc.Statusf("Copied %s (%s) as %s.\n", item.Name, formatSize(item.Size), copied.ID)

		return nil
	}

	if flags.update {
		sum, err := s.engine.Summary(ctx, source, true)
		if err != nil {
			return err
		}

		cc.Statusf("%s: %s files, %s folders, %s\n",
			sum.Name, formatCount(sum.FileCount), formatCount(sum.FolderCount), formatSize(sum.TotalSize))
	}

	id, err := s.engine.StartOrResume(ctx, source, destination, engine.Options{Force: flags.force})
	if err != nil {
		return err
	}

	cc.Statusf("Copying %s as task %d.\n", item.Name, id)

	p, err := followTask(ctx, cc, s.engine, id)
	if err != nil && interrupted(ctx) {
		cc.Statusf("Interrupted; task %d resumes on the next run.\n", id)
		return nil
	}

	if err != nil {
		return err
	}

	return reportOutcome(cc, p)
}

func runCopySubmit(cmd *cobra.Command, source, destination string, force bool) error {
	cc := mustCLIContext(cmd.Context())

	ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
	defer cancel()

	id, err := submitTask(ctx, http.DefaultClient, serverURL(cc.Cfg.Server.Listen), source, destination, force)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, map[string]int64{"task_id": id})
	}

	cc.Statusf("Submitted task %d.\n", id)

	return nil
}

// submitTask posts a copy request to the task endpoint of the server at
// base and returns the task id it answers with.
func submitTask(ctx context.Context, client *http.Client, base, source, destination string, force bool) (int64, error) {
	body, err := json.Marshal(map[string]any{
		"source":      source,
		"destination": destination,
		"force":       force,
	})
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("contacting server at %s (is 'driveclone serve' running?): %w", base, err)
	}
	defer resp.Body.Close()

	var out struct {
		TaskID int64  `json:"task_id"`
		Error  string `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding server response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusAccepted {
		return 0, fmt.Errorf("server rejected task (HTTP %d): %s", resp.StatusCode, out.Error)
	}

	return out.TaskID, nil
}

// serverURL turns a listen address into a URL a local client can reach.
// An empty or unspecified host means the server listens on loopback too.
func serverURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimSuffix(listen, "/")
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return "http://" + net.JoinHostPort(host, port)
}
