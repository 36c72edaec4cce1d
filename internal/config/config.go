// Package config loads Stagecast's runtime configuration from CLI flags
// and environment variables, following the precedence CLI flags > env
// vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the Stagecast server.
type Config struct {
	ListenAddr   string // UDP address clients and the server exchange audio on
	MetricsAddr  string // HTTP address the Prometheus /metrics endpoint binds to
	KeyFile      string // path to the long-lived client key file
	LogLevel     string // debug, info, warn, error
	LogFormat    string // text or json
	SampleRate   int    // samples/second, fixed at 48000 by the wire format
	MinLag       int    // jitter-buffer minimum lag in samples
	MaxLag       int    // jitter-buffer maximum lag in samples
}

const (
	defaultListenAddr   = ":9090"
	defaultMetricsAddr  = ":9091"
	defaultKeyFile      = "./stagecast-keys.txt"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultSampleRate   = 48000
	defaultMinLag       = 960
	defaultMaxLag       = 1920
)

// envPrefix is the prefix for all Stagecast environment variables.
const envPrefix = "STAGECAST_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("stagecast-server", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen", defaultListenAddr, "UDP address to listen for client audio traffic on")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "HTTP address to serve Prometheus metrics on")
	fs.StringVar(&cfg.KeyFile, "key-file", defaultKeyFile, "path to the long-lived client key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.SampleRate, "sample-rate", defaultSampleRate, "audio sample rate in Hz")
	fs.IntVar(&cfg.MinLag, "min-lag", defaultMinLag, "jitter buffer minimum lag in samples")
	fs.IntVar(&cfg.MaxLag, "max-lag", defaultMaxLag, "jitter buffer maximum lag in samples")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	envMap := map[string]string{
		"listen":        envPrefix + "LISTEN",
		"metrics-addr":  envPrefix + "METRICS_ADDR",
		"key-file":      envPrefix + "KEY_FILE",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
		"sample-rate":   envPrefix + "SAMPLE_RATE",
		"min-lag":       envPrefix + "MIN_LAG",
		"max-lag":       envPrefix + "MAX_LAG",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "listen":
			cfg.ListenAddr = val
		case "metrics-addr":
			cfg.MetricsAddr = val
		case "key-file":
			cfg.KeyFile = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRate = v
			}
		case "min-lag":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MinLag = v
			}
		case "max-lag":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxLag = v
			}
		}
	}
}

func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.SampleRate <= 0 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}
	if c.MinLag <= 0 || c.MaxLag <= c.MinLag {
		return fmt.Errorf("must have 0 < min-lag < max-lag, got min-lag=%d max-lag=%d", c.MinLag, c.MaxLag)
	}
	if c.KeyFile == "" {
		return fmt.Errorf("key-file must not be empty")
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format and level for this config.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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
