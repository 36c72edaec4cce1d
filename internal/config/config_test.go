package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"STAGECAST_LISTEN", "STAGECAST_METRICS_ADDR", "STAGECAST_KEY_FILE",
		"STAGECAST_LOG_LEVEL", "STAGECAST_LOG_FORMAT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"stagecast-server"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.KeyFile != defaultKeyFile {
		t.Errorf("KeyFile = %q, want %q", cfg.KeyFile, defaultKeyFile)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.MinLag != defaultMinLag || cfg.MaxLag != defaultMaxLag {
		t.Errorf("MinLag/MaxLag = %d/%d, want %d/%d", cfg.MinLag, cfg.MaxLag, defaultMinLag, defaultMaxLag)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"stagecast-server"}
	t.Setenv("STAGECAST_LISTEN", ":7000")
	t.Setenv("STAGECAST_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want :7000", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	os.Args = []string{"stagecast-server", "--listen", ":7001", "--log-level", "warn"}
	t.Setenv("STAGECAST_LISTEN", ":9999")
	t.Setenv("STAGECAST_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":7001" {
		t.Errorf("ListenAddr = %q, want :7001 (CLI should override env)", cfg.ListenAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"stagecast-server", "--log-level", "verbose"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateLagOrdering(t *testing.T) {
	os.Args = []string{"stagecast-server", "--min-lag", "2000", "--max-lag", "1000"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when max-lag <= min-lag")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
