package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/modelprobe/modelprobe/internal/dispatch"
)

// reportDoc is the JSON export shape: the run summary plus one entry per
// probed model.
type reportDoc struct {
	BaseURL     string         `json:"base_url"`
	GeneratedAt time.Time      `json:"generated_at"`
	Summary     reportSummary  `json:"summary"`
	Results     []reportResult `json:"results"`
}

type reportSummary struct {
	RunID       string         `json:"run_id"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Cached      int            `json:"cached"`
	Skipped     int            `json:"skipped"`
	SuccessRate float64        `json:"success_rate"`
	ElapsedMS   int64          `json:"elapsed_ms"`
	ErrorCounts map[string]int `json:"error_counts,omitempty"`
}

type reportResult struct {
	Model     string `json:"model"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
	FromCache bool   `json:"from_cache"`
	Skipped   bool   `json:"skipped"`
}

// writeReport exports the run to path. The extension picks the format:
// .json or .csv.
func writeReport(path, baseURL string, results []dispatch.Outcome, summary dispatch.Summary) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".csv" {
		return fmt.Errorf("unsupported report format %q: use .json or .csv", filepath.Ext(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()

	if ext == ".json" {
		err = writeJSONReport(f, baseURL, results, summary)
	} else {
		err = writeCSVReport(f, results)
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

func writeJSONReport(f *os.File, baseURL string, results []dispatch.Outcome, summary dispatch.Summary) error {
	doc := reportDoc{
		BaseURL:     baseURL,
		GeneratedAt: time.Now().UTC(),
		Summary: reportSummary{
			RunID:       summary.RunID,
			Total:       summary.Total,
			Succeeded:   summary.Succeeded,
			Failed:      summary.Failed,
			Cached:      summary.Cached,
			Skipped:     summary.Skipped,
			SuccessRate: summary.SuccessRate,
			ElapsedMS:   summary.Elapsed.Milliseconds(),
		},
		Results: make([]reportResult, 0, len(results)),
	}
	if len(summary.ErrorCounts) > 0 {
		doc.Summary.ErrorCounts = make(map[string]int, len(summary.ErrorCounts))
		for kind, n := range summary.ErrorCounts {
			doc.Summary.ErrorCounts[string(kind)] = n
		}
	}
	for _, r := range results {
		doc.Results = append(doc.Results, reportResult{
			Model:     r.Target.ID,
			Type:      r.Target.Type,
			Success:   r.Success,
			LatencyMS: r.Latency.Milliseconds(),
			Error:     string(r.ErrorKind),
			Excerpt:   r.Excerpt,
			FromCache: r.FromCache,
			Skipped:   r.Skipped,
		})
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeCSVReport(f *os.File, results []dispatch.Outcome) error {
	w := csv.NewWriter(f)
	if err := w.Write([]string{"model", "type", "success", "latency_ms", "error", "excerpt", "from_cache", "skipped"}); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			r.Target.ID,
			r.Target.Type,
			strconv.FormatBool(r.Success),
			strconv.FormatInt(r.Latency.Milliseconds(), 10),
			string(r.ErrorKind),
			r.Excerpt,
			strconv.FormatBool(r.FromCache),
			strconv.FormatBool(r.Skipped),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
