package server

import (
	"context"
	"testing"
	"time"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/keyfile"
	"github.com/stagecast/stagecast/internal/logging"
	"github.com/stagecast/stagecast/internal/wire"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddr:   "127.0.0.1:0",
		MetricsAddr:  "127.0.0.1:0",
		LogLevel:     "error",
		LogFormat:    "text",
		SampleRate:   48000,
		MinLag:       960,
		MaxLag:       1920,
	}
}

func testRecords() []keyfile.Record {
	var a, b wire.KeyPair
	a.Downlink[0], a.Uplink[0] = 1, 2
	b.Downlink[0], b.Uplink[0] = 3, 4
	return []keyfile.Record{
		{Name: "alice", ID: 1, Keys: a},
		{Name: "bob", ID: 2, Keys: b},
	}
}

func TestNewServerStartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	log := logging.Setup(cfg)

	srv, err := New(cfg, log, testRecords())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(srv.ClientStats()) != 0 {
		t.Fatalf("expected no client stats before any session is activated")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := srv.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run: got %v, want context.DeadlineExceeded", err)
	}

	// The service-tick rule must actually be dispatched alongside
	// socket-read, not starved behind it: clockSample only advances
	// inside serviceTick.
	if srv.ClockSample() == 0 {
		t.Fatal("ClockSample() is still 0: service-tick rule never ran (starved by socket-read?)")
	}
}

func TestNewServerRejectsEmptyKeyFile(t *testing.T) {
	cfg := testConfig(t)
	log := logging.Setup(cfg)
	if _, err := New(cfg, log, nil); err == nil {
		t.Fatal("expected an error when no client records are configured")
	}
}

func TestStatsPrintRuleFiresOnSchedule(t *testing.T) {
	cfg := testConfig(t)
	log := logging.Setup(cfg)

	srv, err := New(cfg, log, testRecords())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	constructedAt := srv.lastStatsPrint

	ctx, cancel := context.WithTimeout(context.Background(), statsPrintInterval+100*time.Millisecond)
	defer cancel()
	if err := srv.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run: got %v, want context.DeadlineExceeded", err)
	}

	if !srv.lastStatsPrint.After(constructedAt) {
		t.Fatal("stats-print rule never dispatched: lastStatsPrint did not advance")
	}
}
