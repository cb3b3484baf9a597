// Package config resolves runtime configuration: built-in defaults, then an
// optional YAML file, then MODELPROBE_* environment variables. Flags are
// layered on top by the command layer.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API   APIConfig   `yaml:"api"`
	Probe ProbeConfig `yaml:"probe"`
	Cache CacheConfig `yaml:"cache"`
	Perf  PerfConfig  `yaml:"performance"`
	Log   LogConfig   `yaml:"log"`
}

type APIConfig struct {
	Key     string   `yaml:"key"`
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

type ProbeConfig struct {
	// Message is the chat prompt sent to language and vision models.
	Message      string `yaml:"message"`
	SkipVision   bool   `yaml:"skip_vision"`
	SkipAudio    bool   `yaml:"skip_audio"`
	SkipEmbed    bool   `yaml:"skip_embedding"`
	SkipImageGen bool   `yaml:"skip_image_gen"`
	OnlyFailed   bool   `yaml:"only_failed"`
	// MaxFailures skips targets whose recorded failure count reached this
	// value. Zero disables the filter.
	MaxFailures int `yaml:"max_failures"`
	// RulesFile optionally replaces the built-in classification rules.
	RulesFile string `yaml:"rules_file"`
	// Output, when set, is a .json or .csv path the run report is
	// written to.
	Output string `yaml:"output"`
}

type CacheConfig struct {
	Enabled bool     `yaml:"enabled"`
	TTL     Duration `yaml:"ttl"`
	Dir     string   `yaml:"dir"`
	// ForgiveOnSuccess clears a target's failure ledger when it recovers.
	ForgiveOnSuccess bool `yaml:"forgive_on_success"`
}

type PerfConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	MinConcurrency int      `yaml:"min_concurrency"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	RPM            int      `yaml:"rpm"`
	MinRPM         int      `yaml:"min_rpm"`
	MaxRPM         int      `yaml:"max_rpm"`
	Retries        int      `yaml:"retries"`
	RetryDelay     Duration `yaml:"retry_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration parses YAML duration strings ("30s", "24h") into time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "modelprobe-data"
		}
	}
	return filepath.Join(dir, "modelprobe")
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "https://api.openai.com",
			Timeout: Duration(30 * time.Second),
		},
		Probe: ProbeConfig{
			Message: "hello",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     Duration(24 * time.Hour),
			Dir:     defaultDataDir(),
		},
		Perf: PerfConfig{
			Concurrency:    10,
			MinConcurrency: 3,
			MaxConcurrency: 50,
			RPM:            60,
			MinRPM:         10,
			MaxRPM:         120,
			Retries:        3,
			RetryDelay:     Duration(time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load resolves configuration. path may be empty, in which case only
// defaults and environment variables apply. The API key is required; the
// error names the environment variable that supplies it.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Key == "" {
		return Config{}, fmt.Errorf("missing required config: API key. " +
			"Set it via environment variable MODELPROBE_API_KEY or the api.key config field")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODELPROBE_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("MODELPROBE_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("MODELPROBE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MODELPROBE_DATA_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
}

// LogLevel maps the configured level name to a slog.Level, defaulting
// to info for unknown names.
func (c Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
