package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelprobe/modelprobe/internal/analyze"
	"github.com/modelprobe/modelprobe/internal/cache"
	"github.com/modelprobe/modelprobe/internal/classify"
	"github.com/modelprobe/modelprobe/internal/concurrency"
	"github.com/modelprobe/modelprobe/internal/config"
	"github.com/modelprobe/modelprobe/internal/dispatch"
	"github.com/modelprobe/modelprobe/internal/probe"
	"github.com/modelprobe/modelprobe/internal/ratelimit"
	"github.com/modelprobe/modelprobe/internal/retry"
)

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:     "modelprobe",
	Short:   "Probe OpenAI-compatible endpoints for model availability and latency",
	Version: version,
	Long: `modelprobe lists the models an OpenAI-compatible endpoint exposes and
issues one minimal, type-appropriate request per model, adapting its
concurrency and request rate to whatever the server tolerates. Results are
cached so repeated runs only re-probe what went stale or failed.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(resetFailuresCmd)
	rootCmd.AddCommand(clearCacheCmd)
	rootCmd.AddCommand(statsCmd)
}

// loadConfig resolves config and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	return cfg, nil
}

// openCache opens the durable store under the configured data dir.
func openCache(cfg config.Config) (*cache.Cache, func(), error) {
	store, err := cache.OpenStore(cfg.Cache.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening result cache: %w", err)
	}
	c := cache.New(store, cache.Options{
		TTL:                    cfg.Cache.TTL.Std(),
		ResetFailuresOnSuccess: cfg.Cache.ForgiveOnSuccess,
	})
	return c, func() { store.Close() }, nil
}

// --- probe ---

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe every model the endpoint exposes",
	Long: `Probe every model the endpoint exposes.

Examples:
  modelprobe probe
  modelprobe probe --concurrency 4 --rpm 30
  modelprobe probe --only-failed
  modelprobe probe --max-failures 3 --skip-vision`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyProbeFlags(cmd, &cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runProbe(ctx, cfg)
	},
}

func init() {
	probeCmd.Flags().String("base-url", "", "API base URL")
	probeCmd.Flags().Duration("timeout", 0, "per-request timeout")
	probeCmd.Flags().String("message", "", "chat prompt sent to language models")
	probeCmd.Flags().Int("concurrency", 0, "initial parallel probe count")
	probeCmd.Flags().Int("rpm", 0, "initial requests per minute")
	probeCmd.Flags().Int("max-failures", 0, "skip targets with at least this many recorded failures")
	probeCmd.Flags().Bool("only-failed", false, "re-probe only targets whose last outcome failed")
	probeCmd.Flags().Bool("no-cache", false, "disable the result cache for this run")
	probeCmd.Flags().Bool("forgive-on-success", false, "clear a target's failure ledger when it recovers")
	probeCmd.Flags().Duration("ttl", 0, "cache freshness window")
	probeCmd.Flags().Bool("skip-vision", false, "skip vision models")
	probeCmd.Flags().Bool("skip-audio", false, "skip audio models")
	probeCmd.Flags().Bool("skip-embedding", false, "skip embedding models")
	probeCmd.Flags().Bool("skip-image-gen", false, "skip image generation models")
	probeCmd.Flags().String("rules", "", "YAML file replacing the built-in classification rules")
	probeCmd.Flags().String("output", "", "write a report of the run to this file (.json or .csv)")
}

func applyProbeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		cfg.API.Timeout = config.Duration(v)
	}
	if v, _ := cmd.Flags().GetString("message"); v != "" {
		cfg.Probe.Message = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		cfg.Perf.Concurrency = v
	}
	if v, _ := cmd.Flags().GetInt("rpm"); v > 0 {
		cfg.Perf.RPM = v
	}
	if v, _ := cmd.Flags().GetInt("max-failures"); v > 0 {
		cfg.Probe.MaxFailures = v
	}
	if v, _ := cmd.Flags().GetBool("only-failed"); v {
		cfg.Probe.OnlyFailed = true
	}
	if v, _ := cmd.Flags().GetBool("no-cache"); v {
		cfg.Cache.Enabled = false
	}
	if v, _ := cmd.Flags().GetBool("forgive-on-success"); v {
		cfg.Cache.ForgiveOnSuccess = true
	}
	if v, _ := cmd.Flags().GetDuration("ttl"); v > 0 {
		cfg.Cache.TTL = config.Duration(v)
	}
	if v, _ := cmd.Flags().GetBool("skip-vision"); v {
		cfg.Probe.SkipVision = true
	}
	if v, _ := cmd.Flags().GetBool("skip-audio"); v {
		cfg.Probe.SkipAudio = true
	}
	if v, _ := cmd.Flags().GetBool("skip-embedding"); v {
		cfg.Probe.SkipEmbed = true
	}
	if v, _ := cmd.Flags().GetBool("skip-image-gen"); v {
		cfg.Probe.SkipImageGen = true
	}
	if v, _ := cmd.Flags().GetString("rules"); v != "" {
		cfg.Probe.RulesFile = v
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		cfg.Probe.Output = v
	}
}

func runProbe(ctx context.Context, cfg config.Config) error {
	client := probe.NewClient(cfg.API.Key, cfg.API.BaseURL, cfg.API.Timeout.Std(), cfg.Probe.Message)
	defer client.Close()

	printStep("Checking credentials against %s", cfg.API.BaseURL)
	count, err := client.ValidateCredentials(ctx)
	if err != nil {
		return err
	}
	printSuccess("Credentials OK, endpoint exposes %d models", count)

	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		printWarning("Endpoint exposes no models, nothing to do")
		return nil
	}

	targets, err := buildTargets(cfg, models)
	if err != nil {
		return err
	}
	if skipped := len(models) - len(targets); skipped > 0 {
		printStep("Probing %d models (%d filtered by type)", len(targets), skipped)
	} else {
		printStep("Probing %d models", len(targets))
	}

	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		c, closeStore, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		resultCache = c
	}

	budget := ratelimit.New(ratelimit.Options{
		RPM:    cfg.Perf.RPM,
		MinRPM: cfg.Perf.MinRPM,
		MaxRPM: cfg.Perf.MaxRPM,
	})
	controller := concurrency.New(
		cfg.Perf.Concurrency, cfg.Perf.MinConcurrency, cfg.Perf.MaxConcurrency,
		concurrency.DefaultTuning(), slog.Default())
	policy := retry.New(cfg.Perf.Retries, cfg.Perf.RetryDelay.Std(), 2.0)

	dispatcher := dispatch.New(client, resultCache, budget, controller, policy, dispatch.Options{
		MaxFailures: cfg.Probe.MaxFailures,
		OnlyFailed:  cfg.Probe.OnlyFailed,
		OnProgress: func(done, total int) {
			fmt.Fprintf(os.Stderr, "\r  %d/%d probed", done, total)
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		},
	})

	results, summary, runErr := dispatcher.Run(ctx, targets)
	if runErr != nil {
		printWarning("Run interrupted, reporting %d partial results", len(results))
	}

	renderTable(os.Stdout, cfg.API.BaseURL, results)
	renderSummary(os.Stdout, summary)
	renderErrorStats(os.Stdout, summary)

	if cfg.Probe.Output != "" {
		if err := writeReport(cfg.Probe.Output, cfg.API.BaseURL, results, summary); err != nil {
			return err
		}
		printSuccess("Report written to %s", cfg.Probe.Output)
	}

	if msg, unhealthy := verdict(summary); unhealthy {
		printError("%s", msg)
	} else {
		printSuccess("%s", msg)
	}
	return nil
}

// buildTargets classifies models and applies the skip-type filters.
func buildTargets(cfg config.Config, models []probe.Model) ([]probe.Target, error) {
	classifier := classify.New()
	if cfg.Probe.RulesFile != "" {
		var err error
		classifier, err = classify.FromFile(cfg.Probe.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading classification rules: %w", err)
		}
	}

	skip := map[string]bool{
		classify.TypeVision:    cfg.Probe.SkipVision,
		classify.TypeAudio:     cfg.Probe.SkipAudio,
		classify.TypeEmbedding: cfg.Probe.SkipEmbed,
		classify.TypeImageGen:  cfg.Probe.SkipImageGen,
	}

	var targets []probe.Target
	for _, m := range models {
		typ := classifier.Classify(m.ID)
		if skip[typ] {
			continue
		}
		targets = append(targets, probe.Target{ID: m.ID, Type: typ})
	}
	return targets, nil
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score endpoint health from cached results",
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, closeStore, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		records, err := c.Records()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			printWarning("No cached results to analyze, run a probe first")
			return nil
		}

		renderHealth(os.Stdout, analyze.HealthOf(records))

		failing, err := c.PersistentFailures(1)
		if err != nil {
			return err
		}
		if len(failing) > top {
			failing = failing[:top]
		}
		if len(failing) > 0 {
			fmt.Fprintln(os.Stdout)
			renderFailures(os.Stdout, failing)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Int("top", 10, "how many of the most failing targets to list")
}

// --- failures ---

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List targets with persistent failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetInt("threshold")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, closeStore, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		records, err := c.PersistentFailures(threshold)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			printSuccess("No targets with %d or more failures", threshold)
			return nil
		}

		renderFailures(os.Stdout, records)
		return nil
	},
}

func init() {
	failuresCmd.Flags().Int("threshold", 3, "minimum failure count to report")
}

// --- reset-failures ---

var resetFailuresCmd = &cobra.Command{
	Use:   "reset-failures",
	Short: "Zero every target's failure count and history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, closeStore, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := c.ResetFailureCounts(); err != nil {
			return err
		}
		printSuccess("Failure counters reset")
		return nil
	},
}

// --- clear-cache ---

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Delete every cached result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, closeStore, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := c.Clear(); err != nil {
			return err
		}
		printSuccess("Cache cleared")
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached result statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, closeStore, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		stats, err := c.Stats()
		if err != nil {
			return err
		}

		printStatus("Records", "%d", stats.Total)
		printStatus("Succeeded", "%d", stats.Succeeded)
		printStatus("Failed", "%d", stats.Failed)
		if stats.Total > 0 {
			printStatus("Avg latency", "%s", stats.AvgLatency.Round(time.Millisecond))
		}
		return nil
	},
}
