package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tonimelisma/pansave/internal/drive"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// stderrIsTerminal reports whether progress lines may be redrawn in place.
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Progressf reports transfer progress. On a terminal the line is redrawn
// in place; otherwise each update is its own line so logs stay readable.
func (cc *CLIContext) Progressf(format string, args ...any) {
	if cc.Flags.Quiet {
		return
	}

	if stderrIsTerminal() {
		fmt.Fprintf(os.Stderr, "\r\033[K"+format, args...)
		return
	}

	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// endProgress terminates an in-place progress line.
func (cc *CLIContext) endProgress() {
	if !cc.Flags.Quiet && stderrIsTerminal() {
		fmt.Fprintln(os.Stderr)
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display. Providers that do
// not report times give a zero value, shown as "-".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// nodeJSON is the --json form of a listing entry.
type nodeJSON struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Folder     bool      `json:"folder"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time,omitzero"`
	ShareToken string    `json:"share_token,omitempty"`
}

func toNodeJSON(nodes []drive.Node) []nodeJSON {
	out := make([]nodeJSON, len(nodes))
	for i, n := range nodes {
		out[i] = nodeJSON{
			ID:         n.ID,
			Name:       n.Name,
			Folder:     n.IsContainer,
			Size:       n.Size,
			ModTime:    n.ModTime,
			ShareToken: n.ShareToken,
		}
	}

	return out
}

// printNodes renders a listing as JSON or as a table, folders first.
func printNodes(w io.Writer, asJSON bool, nodes []drive.Node) error {
	if asJSON {
		return printJSON(w, toNodeJSON(nodes))
	}

	rows := make([][]string, 0, len(nodes))

	for _, folders := range []bool{true, false} {
		for _, n := range nodes {
			if n.IsContainer != folders {
				continue
			}

			size := formatSize(n.Size)
			name := n.Name

			if n.IsContainer {
				size = "-"
				name += "/"
			}

			rows = append(rows, []string{size, formatTime(n.ModTime), n.ID, name})
		}
	}

	printTable(w, []string{"SIZE", "MODIFIED", "ID", "NAME"}, rows)

	return nil
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row. The last column is not padded.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			parts[i] = cell
			continue
		}

		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}

// nowFunc is the clock used by commands; tests replace it.
var nowFunc = time.Now
