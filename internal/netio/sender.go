// Package netio implements the FEC-redundant frame transport: a
// NetworkSender that packs newly encoded audio into outgoing packets
// (repeating not-yet-acked frames for loss resilience) and a
// NetworkReceiver that reassembles them into a gap-tolerant stream of
// frames ready for jitter-buffered playout.
package netio

import (
	"fmt"

	"github.com/stagecast/stagecast/internal/ring"
	"github.com/stagecast/stagecast/internal/wire"
)

// FrameSource is anything a NetworkSender can pull freshly encoded
// frames from — in practice a per-channel Opus encoder pair.
type FrameSource interface {
	// HasFrame reports whether a new frame is ready to be pushed.
	HasFrame() bool
	// FrameIndex is the monotonic index of the frame at the front.
	FrameIndex() uint32
	// FrontCh1 is the first channel's encoded payload.
	FrontCh1() wire.OpusPayload
	// Stereo reports whether FrontCh2 carries a second channel.
	Stereo() bool
	// FrontCh2 is the second channel's encoded payload; only valid if Stereo().
	FrontCh2() wire.OpusPayload
	// PopFrame discards the front frame after it has been pushed.
	PopFrame()
}

// frameStatus tracks one buffered frame's send state. It is a plain
// value type so it can live inside a ring.EndlessBuffer alongside the
// frame storage itself.
type frameStatus struct {
	outstanding bool // not yet acknowledged by the remote
	inFlight    bool // included in the most recently sent packet
}

// needsSend reports whether a frame should be considered for inclusion in
// the next packet. Only acknowledgment (outstanding=false) stops a frame
// from being resent — inFlight is purely informational bookkeeping for
// Stats, since FEC redundancy means an unacked frame keeps being repeated
// across every packet sent until the peer confirms it.
func (s frameStatus) needsSend() bool { return s.outstanding }

// SenderStats mirrors the counters the original reference
// implementation prints alongside each sender's outstanding/in-flight
// totals.
type SenderStats struct {
	FramesDropped   uint64
	NumOutstanding  int
	NumInFlight     int
}

// NetworkSender packs frames pulled from a FrameSource into outgoing
// Packets, repeating any frame that has not yet been acknowledged so a
// single lost packet does not cost a dropout.
type NetworkSender struct {
	frames *ring.EndlessBuffer[wire.AudioFrame]
	status *ring.EndlessBuffer[frameStatus]

	nextFrameIndex     uint32
	nextSequenceNumber uint32
	framesDropped      uint64
}

// NewNetworkSender creates a NetworkSender with the given buffered-frame
// capacity (rounded up to a page of elements by the ring substrate).
func NewNetworkSender(capacity int) (*NetworkSender, error) {
	frames, err := ring.NewEndlessBuffer[wire.AudioFrame](capacity)
	if err != nil {
		return nil, fmt.Errorf("netio: sender frame buffer: %w", err)
	}
	status, err := ring.NewEndlessBuffer[frameStatus](capacity)
	if err != nil {
		frames.Close()
		return nil, fmt.Errorf("netio: sender status buffer: %w", err)
	}
	return &NetworkSender{frames: frames, status: status}, nil
}

// Close releases the sender's ring storage.
func (s *NetworkSender) Close() error {
	err1 := s.frames.Close()
	err2 := s.status.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// PushFrame pulls the next frame out of source and buffers it for
// sending, dropping the oldest buffered frames if the source has gotten
// ahead of the buffer's capacity.
func (s *NetworkSender) PushFrame(source FrameSource) error {
	if !source.HasFrame() {
		return fmt.Errorf("netio: PushFrame called with no frame available")
	}
	if source.FrameIndex() != s.nextFrameIndex {
		return fmt.Errorf("netio: encoder/sender index mismatch: source at %d, sender expects %d", source.FrameIndex(), s.nextFrameIndex)
	}

	if uint64(s.nextFrameIndex) >= s.frames.RangeEnd() {
		toDrop := uint64(s.nextFrameIndex) - s.frames.RangeEnd() + 1
		if err := s.frames.Pop(toDrop); err != nil {
			return err
		}
		if err := s.status.Pop(toDrop); err != nil {
			return err
		}
		s.framesDropped += toDrop
	}

	frame := wire.AudioFrame{
		FrameIndex: s.nextFrameIndex,
		FrameType:  wire.OneChannel,
		Frame1:     source.FrontCh1(),
	}
	if source.Stereo() {
		frame.FrameType = wire.TwoChannel
		frame.Frame2 = source.FrontCh2()
	}

	if err := s.frames.Set(uint64(s.nextFrameIndex), frame); err != nil {
		return err
	}
	if err := s.status.Set(uint64(s.nextFrameIndex), frameStatus{outstanding: true}); err != nil {
		return err
	}

	s.nextFrameIndex++
	source.PopFrame()
	return nil
}

// ReceiverSectionFiller supplies the receiver-side fields of an outgoing
// Packet: what this endpoint still needs from its peer and which of the
// peer's packets it has already fully received.
type ReceiverSectionFiller interface {
	NextFrameNeeded() uint32
	PacketsReceived(max int) []wire.PacketRecord
}

// BuildPacket assembles the next outgoing Packet: the most recently
// pushed frame always occupies the first slot (so it is never starved
// by older not-yet-acked frames), followed by as many other
// not-yet-acknowledged frames as fit, oldest first.
func (s *NetworkSender) BuildPacket(filler ReceiverSectionFiller) (wire.Packet, error) {
	if s.nextFrameIndex == 0 {
		return wire.Packet{}, fmt.Errorf("netio: BuildPacket called before any frame was pushed")
	}

	p := wire.Packet{SequenceNumber: s.nextSequenceNumber}
	s.nextSequenceNumber++

	mostRecentIndex := uint64(s.nextFrameIndex - 1)
	mostRecentFrame, err := s.frames.Region(mostRecentIndex, 1)
	if err != nil {
		return wire.Packet{}, err
	}
	mostRecentStatus, err := s.status.Region(mostRecentIndex, 1)
	if err != nil {
		return wire.Packet{}, err
	}
	if !mostRecentStatus[0].needsSend() {
		return wire.Packet{}, fmt.Errorf("netio: most recent frame %d has unexpected status %+v", mostRecentIndex, mostRecentStatus[0])
	}
	p.Frames = append(p.Frames, mostRecentFrame[0])
	mostRecentStatus[0].inFlight = true

	begin := s.status.RangeBegin()
	count := uint64(s.nextFrameIndex) - begin
	statuses, err := s.status.Region(begin, count)
	if err != nil {
		return wire.Packet{}, err
	}
	frames, err := s.frames.Region(begin, count)
	if err != nil {
		return wire.Packet{}, err
	}
	for i := range statuses {
		if begin+uint64(i) == mostRecentIndex {
			continue
		}
		statuses[i].inFlight = false
		if len(p.Frames) >= wire.MaxFramesPerPacket || !statuses[i].needsSend() {
			continue
		}
		p.Frames = append(p.Frames, frames[i])
		statuses[i].inFlight = true
	}

	if filler != nil {
		p.NextFrameNeeded = filler.NextFrameNeeded()
		p.PacketsReceived = filler.PacketsReceived(wire.MaxPacketRecords)
	}

	return p, nil
}

// AcknowledgeFrames marks frames named in records as no longer needing
// retransmission.
func (s *NetworkSender) AcknowledgeFrames(records []wire.PacketRecord) error {
	for _, rec := range records {
		for _, idx := range rec.FrameIndices {
			pos := uint64(idx)
			if pos < s.status.RangeBegin() || pos >= s.status.RangeEnd() {
				continue // already dropped or not yet pushed; nothing to mark
			}
			region, err := s.status.Region(pos, 1)
			if err != nil {
				return err
			}
			region[0].outstanding = false
			region[0].inFlight = false
		}
	}
	return nil
}

// AcknowledgeThrough marks every outstanding frame older than
// nextFrameNeeded as acknowledged, mirroring the peer's dense-prefix
// boundary: once the peer no longer needs a frame index, repeating it
// is wasted bandwidth regardless of whether it ever appeared in a
// packets-received record.
func (s *NetworkSender) AcknowledgeThrough(nextFrameNeeded uint32) error {
	begin := s.status.RangeBegin()
	end := uint64(s.nextFrameIndex)
	if end > uint64(nextFrameNeeded) {
		end = uint64(nextFrameNeeded)
	}
	if end <= begin {
		return nil
	}
	statuses, err := s.status.Region(begin, end-begin)
	if err != nil {
		return err
	}
	for i := range statuses {
		statuses[i].outstanding = false
		statuses[i].inFlight = false
	}
	return nil
}

// Stats reports the sender's current counters.
func (s *NetworkSender) Stats() SenderStats {
	stats := SenderStats{FramesDropped: s.framesDropped}
	begin := s.status.RangeBegin()
	if uint64(s.nextFrameIndex) <= begin {
		return stats
	}
	statuses, err := s.status.Region(begin, uint64(s.nextFrameIndex)-begin)
	if err != nil {
		return stats
	}
	for _, st := range statuses {
		if st.outstanding {
			stats.NumOutstanding++
		}
		if st.inFlight {
			stats.NumInFlight++
		}
	}
	return stats
}
