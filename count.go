package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/store"
)

func newCountCmd() *cobra.Command {
	var update, clearCache bool

	cmd := &cobra.Command{
		Use:   "count <folder>",
		Short: "Count the files, folders, and bytes under a folder",
		Long: `Summarize a folder tree: file and folder counts, total size, and a
breakdown by file extension. Summaries are cached; --update recounts.

--clear drops the cached summary of the folder, or every cached summary
when no folder is given.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if clearCache {
				return cobra.MaximumNArgs(1)(cmd, args)
			}

			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			if clearCache && update {
				return errors.New("--clear and --update cannot be combined")
			}

			s, err := cc.openSession(ctx, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if clearCache {
				return runCountClear(ctx, cc, s.engine, args)
			}

			sum, err := s.engine.Summary(ctx, args[0], update)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(os.Stdout, newSummaryView(sum))
			}

			printSummary(os.Stdout, sum)

			return nil
		},
	}

	cmd.Flags().BoolVar(&update, "update", false, "recount instead of using the cached summary")
	cmd.Flags().BoolVar(&clearCache, "clear", false, "drop cached summaries instead of counting")

	return cmd
}

// summaryDropper is the part of the engine that drops cached summaries.
type summaryDropper interface {
	InvalidateSummary(ctx context.Context, folderID string) error
	ClearSummaries(ctx context.Context) (int64, error)
}

func runCountClear(ctx context.Context, cc *CLIContext, d summaryDropper, args []string) error {
	if len(args) == 1 {
		if err := d.InvalidateSummary(ctx, args[0]); err != nil {
			return err
		}

		cc.Statusf("Dropped cached summary of %s.\n", args[0])

		return nil
	}

	n, err := d.ClearSummaries(ctx)
	if err != nil {
		return err
	}

	cc.Statusf("Dropped %s cached summary(ies).\n", formatCount(n))

	return nil
}

type extView struct {
	Ext   string `json:"ext"`
	Count int64  `json:"count"`
	Size  int64  `json:"size"`
}

type summaryView struct {
	FolderID    string    `json:"folder_id"`
	Name        string    `json:"name"`
	FileCount   int64     `json:"file_count"`
	FolderCount int64     `json:"folder_count"`
	TotalSize   int64     `json:"total_size"`
	ByExt       []extView `json:"by_ext"`
	ComputedAt  time.Time `json:"computed_at"`
}

func newSummaryView(sum *store.FolderSummary) summaryView {
	return summaryView{
		FolderID:    sum.FolderID,
		Name:        sum.Name,
		FileCount:   sum.FileCount,
		FolderCount: sum.FolderCount,
		TotalSize:   sum.TotalSize,
		ByExt:       extsBySize(sum.ByExt),
		ComputedAt:  sum.ComputedAt,
	}
}

// extsBySize orders extensions by total size, largest first, then by name.
func extsBySize(m map[string]store.ExtStat) []extView {
	out := make([]extView, 0, len(m))
	for ext, st := range m {
		out = append(out, extView{Ext: ext, Count: st.Count, Size: st.Size})
	}

	slices.SortFunc(out, func(a, b extView) int {
		if c := cmp.Compare(b.Size, a.Size); c != 0 {
			return c
		}

		return cmp.Compare(a.Ext, b.Ext)
	})

	return out
}

func printSummary(w io.Writer, sum *store.FolderSummary) {
	fmt.Fprintf(w, "%s (%s)\n", sum.Name, sum.FolderID)
	fmt.Fprintf(w, "  Files:     %s\n", formatCount(sum.FileCount))
	fmt.Fprintf(w, "  Folders:   %s\n", formatCount(sum.FolderCount))
	fmt.Fprintf(w, "  Size:      %s\n", formatSize(sum.TotalSize))
	fmt.Fprintf(w, "  Counted:   %s\n", formatTime(sum.ComputedAt))

	exts := extsBySize(sum.ByExt)
	if len(exts) == 0 {
		return
	}

	fmt.Fprintln(w)

	rows := make([][]string, 0, len(exts))
	for _, e := range exts {
		name := e.Ext
		if name == "" {
			name = "(none)"
		}

		rows = append(rows, []string{name, formatCount(e.Count), formatSize(e.Size)})
	}

	printTable(w, []string{"EXT", "FILES", "SIZE"}, rows)
}
