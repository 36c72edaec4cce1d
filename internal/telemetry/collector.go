// Package telemetry implements Stagecast's ambient instrumentation: a
// pull-based prometheus.Collector plus a lightweight line-oriented stats
// printer, carried regardless of spec.md's HTTP-control-surface
// Non-goal (that excludes a control API, not instrumentation).
package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientStats is one connected client's transport counters, as reported
// by client.Session's SenderStats/ReceiverStats.
type ClientStats struct {
	NodeID         uint8
	Name           string
	FramesDropped  uint64
	NumOutstanding int
	NumInFlight    int
	AlreadyAcked   uint64
	Redundant      uint64
	Dropped        uint64
	Popped         uint64
}

// Provider is anything the collector can pull a point-in-time snapshot
// of client statistics from — in practice the running server.
type Provider interface {
	ClientStats() []ClientStats
	Recoveries() uint64
}

// Collector is a prometheus.Collector gathering Stagecast's per-client
// transport health at scrape time, mirroring the teacher's pull-based
// Collector pattern (gather from a provider interface on every Collect,
// never push metrics from the hot path).
type Collector struct {
	provider  Provider
	startTime time.Time

	framesDroppedDesc   *prometheus.Desc
	outstandingDesc     *prometheus.Desc
	inFlightDesc        *prometheus.Desc
	alreadyAckedDesc    *prometheus.Desc
	redundantDesc       *prometheus.Desc
	receiverDroppedDesc *prometheus.Desc
	poppedDesc          *prometheus.Desc
	recoveriesDesc      *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a Collector pulling from provider.
func NewCollector(provider Provider) *Collector {
	return &Collector{
		provider:  provider,
		startTime: time.Now(),
		framesDroppedDesc: prometheus.NewDesc(
			"stagecast_sender_frames_dropped_total",
			"Frames dropped from a client's outbound window before acknowledgement.",
			[]string{"node_id", "name"}, nil),
		outstandingDesc: prometheus.NewDesc(
			"stagecast_sender_frames_outstanding",
			"Frames in a client's outbound window not yet acknowledged.",
			[]string{"node_id", "name"}, nil),
		inFlightDesc: prometheus.NewDesc(
			"stagecast_sender_frames_in_flight",
			"Frames included in the most recently sent outbound packet.",
			[]string{"node_id", "name"}, nil),
		alreadyAckedDesc: prometheus.NewDesc(
			"stagecast_receiver_already_acked_total",
			"Inbound frames arriving below the receiver's range begin.",
			[]string{"node_id", "name"}, nil),
		redundantDesc: prometheus.NewDesc(
			"stagecast_receiver_redundant_total",
			"Inbound frames that duplicated an already-received frame.",
			[]string{"node_id", "name"}, nil),
		receiverDroppedDesc: prometheus.NewDesc(
			"stagecast_receiver_frames_dropped_total",
			"Frames permanently lost when the receiver window advanced past them while still missing.",
			[]string{"node_id", "name"}, nil),
		poppedDesc: prometheus.NewDesc(
			"stagecast_receiver_frames_popped_total",
			"Frames consumed from the receiver window by the jitter cursor.",
			[]string{"node_id", "name"}, nil),
		recoveriesDesc: prometheus.NewDesc(
			"stagecast_eventloop_recoveries_total",
			"Event loop rule bodies that failed and were recovered.",
			nil, nil),
		uptimeDesc: prometheus.NewDesc(
			"stagecast_uptime_seconds",
			"Seconds since the server process started.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesDroppedDesc
	ch <- c.outstandingDesc
	ch <- c.inFlightDesc
	ch <- c.alreadyAckedDesc
	ch <- c.redundantDesc
	ch <- c.receiverDroppedDesc
	ch <- c.poppedDesc
	ch <- c.recoveriesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.provider.ClientStats() {
		labels := []string{fmt.Sprint(s.NodeID), s.Name}
		ch <- prometheus.MustNewConstMetric(c.framesDroppedDesc, prometheus.CounterValue, float64(s.FramesDropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.outstandingDesc, prometheus.GaugeValue, float64(s.NumOutstanding), labels...)
		ch <- prometheus.MustNewConstMetric(c.inFlightDesc, prometheus.GaugeValue, float64(s.NumInFlight), labels...)
		ch <- prometheus.MustNewConstMetric(c.alreadyAckedDesc, prometheus.CounterValue, float64(s.AlreadyAcked), labels...)
		ch <- prometheus.MustNewConstMetric(c.redundantDesc, prometheus.CounterValue, float64(s.Redundant), labels...)
		ch <- prometheus.MustNewConstMetric(c.receiverDroppedDesc, prometheus.CounterValue, float64(s.Dropped), labels...)
		ch <- prometheus.MustNewConstMetric(c.poppedDesc, prometheus.CounterValue, float64(s.Popped), labels...)
	}
	ch <- prometheus.MustNewConstMetric(c.recoveriesDesc, prometheus.CounterValue, float64(c.provider.Recoveries()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.CounterValue, time.Since(c.startTime).Seconds())
}

// StatsPrinter renders a one-line periodic summary, standing in for the
// original tool's terminal statistics output (spec.md §1 keeps the
// terminal UI itself out of scope; only this ring-buffer-style line
// writer is in scope). It tracks the peak combined-buffer occupancy
// since the last Reset, matching original_source/src/frontend/stats_printer.hh's
// stats_print_interval/stats_reset_interval pair: PrintOnce is meant to
// be called every 500ms, Reset every 10s.
type StatsPrinter struct {
	w        io.Writer
	provider Provider

	peakOutstanding int
}

// NewStatsPrinter creates a StatsPrinter writing to w.
func NewStatsPrinter(w io.Writer, provider Provider) *StatsPrinter {
	return &StatsPrinter{w: w, provider: provider}
}

// PrintOnce writes a single summary line, folding this call's snapshot
// into the running peak-outstanding figure for the current reset window.
func (p *StatsPrinter) PrintOnce(now time.Time) error {
	clients := p.provider.ClientStats()
	var dropped uint64
	var outstanding int
	for _, s := range clients {
		dropped += s.FramesDropped + s.Dropped
		if s.NumOutstanding > outstanding {
			outstanding = s.NumOutstanding
		}
	}
	if outstanding > p.peakOutstanding {
		p.peakOutstanding = outstanding
	}
	_, err := fmt.Fprintf(p.w, "%s clients=%d dropped=%d max_outstanding=%d recoveries=%d\n",
		now.Format(time.RFC3339), len(clients), dropped, p.peakOutstanding, p.provider.Recoveries())
	return err
}

// Reset clears the peak-outstanding figure, starting a new reset window.
func (p *StatsPrinter) Reset() {
	p.peakOutstanding = 0
}
