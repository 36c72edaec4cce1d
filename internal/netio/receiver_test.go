package netio

import (
	"testing"

	"github.com/stagecast/stagecast/internal/wire"
)

func monoFrame(t *testing.T, index uint32) wire.AudioFrame {
	return wire.AudioFrame{FrameIndex: index, FrameType: wire.OneChannel, Frame1: payload(t, "x")}
}

func TestReceiverReassembly(t *testing.T) {
	r, err := NewNetworkReceiver(8192)
	if err != nil {
		t.Fatalf("NewNetworkReceiver: %v", err)
	}
	defer r.Close()

	if err := r.ReceiveSenderSection(0, []wire.AudioFrame{monoFrame(t, 3)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}
	if err := r.ReceiveSenderSection(1, []wire.AudioFrame{monoFrame(t, 1), monoFrame(t, 3)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}
	if err := r.ReceiveSenderSection(2, []wire.AudioFrame{monoFrame(t, 0), monoFrame(t, 2)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}

	if r.RangeBegin() != 0 {
		t.Fatalf("RangeBegin = %d, want 0", r.RangeBegin())
	}
	for i := uint64(0); i < 4; i++ {
		_, present, err := r.Frame(i)
		if err != nil {
			t.Fatalf("Frame(%d): %v", i, err)
		}
		if !present {
			t.Fatalf("frame %d missing", i)
		}
	}
	if r.NextFrameNeeded() != 4 {
		t.Fatalf("NextFrameNeeded = %d, want 4", r.NextFrameNeeded())
	}

	before := r.Stats()
	if err := r.ReceiveSenderSection(3, []wire.AudioFrame{monoFrame(t, 2)}); err != nil {
		t.Fatalf("ReceiveSenderSection (duplicate): %v", err)
	}
	after := r.Stats()
	if after.Redundant != before.Redundant+1 {
		t.Fatalf("Redundant = %d, want %d", after.Redundant, before.Redundant+1)
	}
	if r.NextFrameNeeded() != 4 {
		t.Fatalf("NextFrameNeeded after duplicate = %d, want 4 (unchanged)", r.NextFrameNeeded())
	}
}

func TestReceiverGapLeavesNextFrameNeededBehind(t *testing.T) {
	r, err := NewNetworkReceiver(8192)
	if err != nil {
		t.Fatalf("NewNetworkReceiver: %v", err)
	}
	defer r.Close()

	if err := r.ReceiveSenderSection(0, []wire.AudioFrame{monoFrame(t, 0), monoFrame(t, 1), monoFrame(t, 5)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}

	if r.NextFrameNeeded() != 2 {
		t.Fatalf("NextFrameNeeded = %d, want 2 (frames 2,3,4 still missing)", r.NextFrameNeeded())
	}
}

func TestReceiverDiscardAdvancesWithCapacity(t *testing.T) {
	capacity := 4096
	r, err := NewNetworkReceiver(capacity)
	if err != nil {
		t.Fatalf("NewNetworkReceiver: %v", err)
	}
	defer r.Close()

	if err := r.ReceiveSenderSection(0, []wire.AudioFrame{monoFrame(t, 0), monoFrame(t, 1)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}

	beyond := uint32(r.frames.Capacity()) + 3
	if err := r.ReceiveSenderSection(1, []wire.AudioFrame{monoFrame(t, beyond)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}

	// Eviction discards positions [0, beyond-capacity+1): 0 and 1 were
	// already received and must not count as dropped, only the still-None
	// slots in between do (spec.md §8 scenario 4).
	stats := r.Stats()
	if stats.Dropped != 2 {
		t.Fatalf("Dropped = %d, want 2 (only the still-None evicted slots, not the already-received 0,1)", stats.Dropped)
	}
	if r.NextFrameNeeded() < uint32(r.RangeBegin()) {
		t.Fatalf("NextFrameNeeded %d fell behind RangeBegin %d", r.NextFrameNeeded(), r.RangeBegin())
	}
}

func TestReceiverAcknowledgesFullyReceivedPackets(t *testing.T) {
	r, err := NewNetworkReceiver(8192)
	if err != nil {
		t.Fatalf("NewNetworkReceiver: %v", err)
	}
	defer r.Close()

	if err := r.ReceiveSenderSection(10, []wire.AudioFrame{monoFrame(t, 0)}); err != nil {
		t.Fatalf("ReceiveSenderSection: %v", err)
	}

	records := r.PacketsReceived(wire.MaxPacketRecords)
	if len(records) != 1 || records[0].SequenceNumber != 10 {
		t.Fatalf("got %+v, want one record for sequence 10", records)
	}

	// The same fully-received record keeps being reported on later
	// calls (until it ages out of the recent-packet window), so a lost
	// receiver section doesn't permanently strand the peer's ack.
	if got := r.PacketsReceived(wire.MaxPacketRecords); len(got) != 1 || got[0].SequenceNumber != 10 {
		t.Fatalf("expected sequence 10 to still be reported, got %+v", got)
	}
}
