package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/modelprobe/modelprobe/internal/analyze"
	"github.com/modelprobe/modelprobe/internal/cache"
	"github.com/modelprobe/modelprobe/internal/dispatch"
	"github.com/modelprobe/modelprobe/internal/failure"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// Result table column widths.
const (
	colModel   = 38
	colTime    = 9
	colError   = 12
	colContent = 35
	tableWidth = colModel + colTime + colError + colContent + 6
)

func pad(s string, width int) string {
	if len(s) > width {
		if width > 3 {
			return s[:width-3] + "..."
		}
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatLatency(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// renderTable writes the per-target result table, successes first, each
// group sorted by target ID.
func renderTable(w io.Writer, baseURL string, results []dispatch.Outcome) {
	sorted := make([]dispatch.Outcome, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Success != sorted[j].Success {
			return sorted[i].Success
		}
		return sorted[i].Target.ID < sorted[j].Target.ID
	})

	fmt.Fprintln(w, strings.Repeat("=", tableWidth))
	fmt.Fprintf(w, "Model availability report for %s\n", baseURL)
	fmt.Fprintln(w, strings.Repeat("=", tableWidth))
	fmt.Fprintf(w, "%s | %s | %s | %s\n",
		pad("model", colModel), pad("time", colTime), pad("error", colError), pad("response", colContent))
	fmt.Fprintln(w, strings.Repeat("-", tableWidth))

	for _, o := range sorted {
		name := o.Target.ID
		if o.FromCache {
			name += " (cached)"
		}
		errStr := "-"
		if o.ErrorKind != failure.KindNone {
			errStr = string(o.ErrorKind)
		}
		content := o.Excerpt
		if o.Skipped {
			content = "skipped: failure threshold reached"
		}
		row := fmt.Sprintf("%s | %s | %s | %s",
			pad(name, colModel), pad(formatLatency(o.Latency), colTime), pad(errStr, colError), pad(content, colContent))
		switch {
		case o.Success:
			fmt.Fprintln(w, colorize(colorGreen, row))
		case o.Skipped:
			fmt.Fprintln(w, colorize(colorYellow, row))
		default:
			fmt.Fprintln(w, colorize(colorRed, row))
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", tableWidth))
}

func renderSummary(w io.Writer, s dispatch.Summary) {
	fmt.Fprintf(w, "\nRun %s finished in %s\n", s.RunID, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  total: %d  succeeded: %d  failed: %d  cached: %d  skipped: %d\n",
		s.Total, s.Succeeded, s.Failed, s.Cached, s.Skipped)
	fmt.Fprintf(w, "  success rate: %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(w, "  final concurrency: %d (adjusted %d times, %d rate limits%s)\n",
		s.Controller.CurrentLimit, s.Controller.Adjustments, s.Controller.RateLimitCount,
		aggressiveNote(s.Controller.Aggressive))
	fmt.Fprintf(w, "  final rate budget: %d rpm\n", s.FinalRPM)
}

func aggressiveNote(aggressive bool) string {
	if aggressive {
		return ", still backing off"
	}
	return ""
}

// renderErrorStats prints the failure breakdown, most frequent first.
func renderErrorStats(w io.Writer, s dispatch.Summary) {
	if len(s.ErrorCounts) == 0 {
		return
	}
	type line struct {
		kind  failure.Kind
		count int
	}
	lines := make([]line, 0, len(s.ErrorCounts))
	for k, n := range s.ErrorCounts {
		lines = append(lines, line{k, n})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].count != lines[j].count {
			return lines[i].count > lines[j].count
		}
		return lines[i].kind < lines[j].kind
	})

	fmt.Fprintln(w, "\nError statistics:")
	for _, l := range lines {
		fmt.Fprintf(w, "  %-14s %3d  (%s)\n", l.kind, l.count, failure.Categorize(l.kind))
	}
}

// verdict sums up a run in one line. The boolean reports whether any
// probe failed.
func verdict(s dispatch.Summary) (string, bool) {
	if s.Failed > 0 {
		return fmt.Sprintf("%d of %d models failed", s.Failed, s.Total), true
	}
	return fmt.Sprintf("all %d models available", s.Total), false
}

// renderHealth prints the endpoint health score and its breakdown.
func renderHealth(w io.Writer, h analyze.Health) {
	fmt.Fprintf(w, "Health score: %.1f (grade %s)\n", h.Score, h.Grade)
	fmt.Fprintf(w, "  success: %.1f  speed: %.1f  stability: %.1f\n",
		h.SuccessScore, h.SpeedScore, h.StabilityScore)
	fmt.Fprintf(w, "  %d records, %d succeeded, %d failed (%.1f%% success rate)\n",
		h.Total, h.Succeeded, h.Failed, h.SuccessRate*100)
	if h.AvgLatency > 0 {
		fmt.Fprintf(w, "  avg latency: %s\n", h.AvgLatency.Round(time.Millisecond))
	}
}

// renderFailures prints the persistent-failure report.
func renderFailures(w io.Writer, records []cache.Record) {
	fmt.Fprintf(w, "%s | %s | %s | %s\n",
		pad("model", colModel), pad("failures", colTime), pad("last error", colError), pad("last failure at", colContent))
	fmt.Fprintln(w, strings.Repeat("-", tableWidth))
	for _, r := range records {
		at := "-"
		if !r.LastFailureAt.IsZero() {
			at = r.LastFailureAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s | %s | %s | %s\n",
			pad(r.TargetID, colModel), pad(fmt.Sprintf("%d", r.FailureCount), colTime),
			pad(string(r.ErrorKind), colError), pad(at, colContent))
	}
}
