package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/driveclone/driveclone/internal/engine"
)

// printer groups digits in counts ("12,345").
var printer = message.NewPrinter(language.English)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// sizeUnits are the binary multiples formatSize steps through.
var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}

	v := float64(bytes)
	unit := 0

	for v >= 1024 && unit < len(sizeUnits)-1 {
		v /= 1024
		unit++
	}

	return fmt.Sprintf("%.1f %s", v, sizeUnits[unit])
}

// formatCount renders n with thousands separators.
func formatCount(n int64) string {
	return printer.Sprintf("%d", n)
}

// formatRatio renders "done/total (pct%)", or "done/?" when the total is
// unknown.
func formatRatio(done, total int64, pct float64, known bool) string {
	if !known {
		return formatCount(done) + "/?"
	}

	return fmt.Sprintf("%s/%s (%.1f%%)", formatCount(done), formatCount(total), pct)
}

// formatProgress renders the one-line progress of a task.
func formatProgress(p *engine.Progress) string {
	filePct, fileKnown := p.FilePercent()
	folderPct, folderKnown := p.FolderPercent()

	line := fmt.Sprintf("files %s, folders %s",
		formatRatio(p.FilesDone, p.FilesTotal, filePct, fileKnown),
		formatRatio(p.FoldersDone, p.FoldersTotal, folderPct, folderKnown),
	)

	if p.Failed > 0 {
		line += fmt.Sprintf(", %s failed", formatCount(p.Failed))
	}

	return line
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	t = t.Local()

	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// printTable writes headers and rows as columns separated by two spaces.
func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
