package netio

import (
	"fmt"
	"sort"

	"github.com/stagecast/stagecast/internal/ring"
	"github.com/stagecast/stagecast/internal/wire"
)

// optionalFrame is a POD "maybe" wrapper around AudioFrame so a gap left
// by a not-yet-received frame can live inside the same ring.EndlessBuffer
// as the frames that did arrive.
type optionalFrame struct {
	present bool
	frame   wire.AudioFrame
}

// recentPacketRecord remembers one inbound sender-section sequence
// number's frame indices, POD so it can sit in a fixed-size ring without
// any slice-based storage.
type recentPacketRecord struct {
	valid          bool
	sequenceNumber uint32
	frameCount     uint8
	frameIndices   [wire.MaxFrameIndicesPerRecord]uint32
}

// recentPacketWindow is the fixed number of inbound sequence numbers
// tracked for ack bookkeeping.
const recentPacketWindow = 512

// ReceiverStats mirrors the counters the original reference
// implementation's stats printer reports for each receiver.
type ReceiverStats struct {
	AlreadyAcked uint64
	Redundant    uint64
	Dropped      uint64
	Popped       uint64
}

// NetworkReceiver reassembles inbound sender sections into a
// frame-index-addressable, gap-tolerant stream, and tracks which inbound
// packets have been fully received so they can be acknowledged.
type NetworkReceiver struct {
	frames           *ring.EndlessBuffer[optionalFrame]
	nextFrameNeeded  uint32
	unreceivedBeyond uint32 // one past the highest frame index ever accepted
	biggestSeqnoSeen uint32
	haveSeenPacket   bool

	recentPackets [recentPacketWindow]recentPacketRecord

	stats ReceiverStats
}

// NewNetworkReceiver creates a NetworkReceiver with the given buffered
// frame capacity.
func NewNetworkReceiver(capacity int) (*NetworkReceiver, error) {
	frames, err := ring.NewEndlessBuffer[optionalFrame](capacity)
	if err != nil {
		return nil, fmt.Errorf("netio: receiver frame buffer: %w", err)
	}
	return &NetworkReceiver{frames: frames}, nil
}

// Close releases the receiver's ring storage.
func (r *NetworkReceiver) Close() error { return r.frames.Close() }

// ReceiveSenderSection folds one inbound packet's sender section into
// the receive buffer: new frames are recorded, frames ahead of the
// buffer's reach force it to discard the oldest still-missing slots, and
// frames trailing too far behind are silently ignored as too old.
func (r *NetworkReceiver) ReceiveSenderSection(sequenceNumber uint32, frames []wire.AudioFrame) error {
	if !r.haveSeenPacket || sequenceNumber > r.biggestSeqnoSeen {
		r.haveSeenPacket = true
		r.biggestSeqnoSeen = sequenceNumber
	}

	rec := recentPacketRecord{valid: true, sequenceNumber: sequenceNumber}

	for _, f := range frames {
		pos := uint64(f.FrameIndex)
		if pos < r.frames.RangeBegin() {
			r.stats.AlreadyAcked++
			continue // already consumed or discarded; nothing to do
		}
		if pos >= r.frames.RangeEnd() {
			toDiscard := pos - r.frames.RangeEnd() + 1
			if err := r.discardFrames(toDiscard); err != nil {
				return err
			}
		}

		slot, err := r.frames.Region(pos, 1)
		if err != nil {
			return err
		}
		if slot[0].present {
			r.stats.Redundant++
			continue
		}
		slot[0] = optionalFrame{present: true, frame: f}
		if rec.frameCount < uint8(len(rec.frameIndices)) {
			rec.frameIndices[rec.frameCount] = f.FrameIndex
			rec.frameCount++
		}

		if f.FrameIndex+1 > r.unreceivedBeyond {
			r.unreceivedBeyond = f.FrameIndex + 1
		}
	}

	r.advanceNextFrameNeeded()
	r.recentPackets[sequenceNumber%recentPacketWindow] = rec
	return nil
}

func (r *NetworkReceiver) discardFrames(n uint64) error {
	if n > uint64(r.frames.Capacity()) {
		n = uint64(r.frames.Capacity())
	}
	for i := uint64(0); i < n; i++ {
		slot, err := r.frames.Region(r.frames.RangeBegin()+i, 1)
		if err != nil {
			return err
		}
		if !slot[0].present {
			r.stats.Dropped++
		}
	}
	if err := r.frames.Pop(n); err != nil {
		return err
	}
	if r.nextFrameNeeded < uint32(r.frames.RangeBegin()) {
		r.nextFrameNeeded = uint32(r.frames.RangeBegin())
	}
	return nil
}

func (r *NetworkReceiver) advanceNextFrameNeeded() {
	for uint64(r.nextFrameNeeded) < r.frames.RangeEnd() {
		slot, err := r.frames.Region(uint64(r.nextFrameNeeded), 1)
		if err != nil || !slot[0].present {
			return
		}
		r.nextFrameNeeded++
	}
}

// NextFrameNeeded implements ReceiverSectionFiller.
func (r *NetworkReceiver) NextFrameNeeded() uint32 { return r.nextFrameNeeded }

// PacketsReceived implements ReceiverSectionFiller: it reports, most
// recent sequence number first and capped at max, every inbound packet
// whose every frame has now been recorded. Unlike a one-shot ack, the
// same record keeps being reported on every outgoing packet until it
// ages out of the recent-packet window, so a peer that misses one
// receiver section still learns about the acknowledgement from the next.
func (r *NetworkReceiver) PacketsReceived(max int) []wire.PacketRecord {
	candidates := make([]*recentPacketRecord, 0, len(r.recentPackets))
	for i := range r.recentPackets {
		rec := &r.recentPackets[i]
		if rec.valid && r.fullyReceived(rec) {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].sequenceNumber > candidates[j].sequenceNumber
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]wire.PacketRecord, len(candidates))
	for i, rec := range candidates {
		out[i] = wire.PacketRecord{
			SequenceNumber: rec.sequenceNumber,
			FrameIndices:   append([]uint32(nil), rec.frameIndices[:rec.frameCount]...),
		}
	}
	return out
}

func (r *NetworkReceiver) fullyReceived(rec *recentPacketRecord) bool {
	for i := uint8(0); i < rec.frameCount; i++ {
		pos := uint64(rec.frameIndices[i])
		if pos < r.frames.RangeBegin() {
			continue // consumed already; counts as received
		}
		if pos >= r.frames.RangeEnd() {
			return false
		}
		slot, err := r.frames.Region(pos, 1)
		if err != nil || !slot[0].present {
			return false
		}
	}
	return true
}

// PopFrames removes the oldest n frames from the receive buffer, for
// example after they have been consumed by the jitter-buffer cursor.
func (r *NetworkReceiver) PopFrames(n int) error {
	if err := r.frames.Pop(uint64(n)); err != nil {
		return err
	}
	r.stats.Popped += uint64(n)
	if r.nextFrameNeeded < uint32(r.frames.RangeBegin()) {
		r.nextFrameNeeded = uint32(r.frames.RangeBegin())
	}
	return nil
}

// RangeBegin returns the oldest frame index still addressable.
func (r *NetworkReceiver) RangeBegin() uint64 { return r.frames.RangeBegin() }

// UnreceivedBeyond returns one past the highest frame index ever
// accepted — the jitter cursor's notion of how far the inbound stream
// has reached, as distinct from NextFrameNeeded's dense-prefix boundary.
func (r *NetworkReceiver) UnreceivedBeyond() uint32 { return r.unreceivedBeyond }

// Frame returns the frame at a given index, if it has been received.
func (r *NetworkReceiver) Frame(index uint64) (wire.AudioFrame, bool, error) {
	slot, err := r.frames.Region(index, 1)
	if err != nil {
		return wire.AudioFrame{}, false, err
	}
	return slot[0].frame, slot[0].present, nil
}

// Stats reports the receiver's current counters.
func (r *NetworkReceiver) Stats() ReceiverStats { return r.stats }
