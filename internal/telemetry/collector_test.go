package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeProvider struct {
	stats      []ClientStats
	recoveries uint64
}

func (f *fakeProvider) ClientStats() []ClientStats { return f.stats }
func (f *fakeProvider) Recoveries() uint64         { return f.recoveries }

func TestCollectorExposesPerClientCounters(t *testing.T) {
	p := &fakeProvider{
		stats: []ClientStats{
			{NodeID: 1, Name: "alice", FramesDropped: 3, NumOutstanding: 2},
		},
		recoveries: 1,
	}
	c := NewCollector(p)

	const want = `
# HELP stagecast_sender_frames_dropped_total Frames dropped from a client's outbound window before acknowledgement.
# TYPE stagecast_sender_frames_dropped_total counter
stagecast_sender_frames_dropped_total{name="alice",node_id="1"} 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "stagecast_sender_frames_dropped_total"); err != nil {
		t.Fatalf("unexpected collector output: %v", err)
	}
}

func TestStatsPrinterWritesOneLine(t *testing.T) {
	p := &fakeProvider{stats: []ClientStats{{NodeID: 1, Name: "alice", NumOutstanding: 5}}}
	var buf bytes.Buffer
	sp := NewStatsPrinter(&buf, p)

	if err := sp.PrintOnce(time.Unix(0, 0).UTC()); err != nil {
		t.Fatalf("PrintOnce: %v", err)
	}
	if !strings.Contains(buf.String(), "clients=1") {
		t.Fatalf("output missing client count: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "max_outstanding=5") {
		t.Fatalf("output missing max_outstanding: %q", buf.String())
	}
}

func TestStatsPrinterTracksPeakUntilReset(t *testing.T) {
	p := &fakeProvider{stats: []ClientStats{{NodeID: 1, Name: "alice", NumOutstanding: 5}}}
	var buf bytes.Buffer
	sp := NewStatsPrinter(&buf, p)

	if err := sp.PrintOnce(time.Unix(0, 0).UTC()); err != nil {
		t.Fatalf("PrintOnce: %v", err)
	}

	p.stats[0].NumOutstanding = 1
	buf.Reset()
	if err := sp.PrintOnce(time.Unix(1, 0).UTC()); err != nil {
		t.Fatalf("PrintOnce: %v", err)
	}
	if !strings.Contains(buf.String(), "max_outstanding=5") {
		t.Fatalf("peak should still reflect the earlier high-water mark: %q", buf.String())
	}

	sp.Reset()
	buf.Reset()
	if err := sp.PrintOnce(time.Unix(2, 0).UTC()); err != nil {
		t.Fatalf("PrintOnce: %v", err)
	}
	if !strings.Contains(buf.String(), "max_outstanding=1") {
		t.Fatalf("Reset should clear the peak back down to the current snapshot: %q", buf.String())
	}
}
