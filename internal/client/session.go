// Package client implements the per-client session pipeline (decode →
// mix → encode) and the long-lived-key handshake state machine that
// establishes it, per spec.md §3/§4.5/§4.6.
package client

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stagecast/stagecast/internal/board"
	"github.com/stagecast/stagecast/internal/cursor"
	"github.com/stagecast/stagecast/internal/netio"
	"github.com/stagecast/stagecast/internal/opuscodec"
	"github.com/stagecast/stagecast/internal/wire"
)

// mixedAudioCapacity only needs to outlive one mix-then-encode cycle;
// a handful of windows of headroom absorbs the loop's own pop lag.
const mixedAudioCapacity = 16 * board.WindowSamples

// encodedFrame is one mixed-and-encoded outbound frame waiting to be
// handed to the NetworkSender.
type encodedFrame struct {
	index  uint32
	stereo bool
	ch1    wire.OpusPayload
	ch2    wire.OpusPayload
}

// pendingQueue adapts a slice of encodedFrame into netio.FrameSource.
type pendingQueue struct {
	items []encodedFrame
}

func (q *pendingQueue) HasFrame() bool            { return len(q.items) > 0 }
func (q *pendingQueue) FrameIndex() uint32         { return q.items[0].index }
func (q *pendingQueue) Stereo() bool               { return q.items[0].stereo }
func (q *pendingQueue) FrontCh1() wire.OpusPayload { return q.items[0].ch1 }
func (q *pendingQueue) FrontCh2() wire.OpusPayload { return q.items[0].ch2 }
func (q *pendingQueue) PopFrame()                  { q.items = q.items[1:] }

// Session is one connected performer's full pipeline: inbound frames are
// reassembled by a NetworkReceiver, read out through a jitter Cursor,
// written into the client's channel pair on the shared AudioBoard; every
// other pair is mixed down with personalized gains, re-encoded, and
// queued on a NetworkSender for outbound FEC transport.
type Session struct {
	PairIndex int

	// ID correlates this session's log lines and metrics across the
	// handshake activation that created it, since a client's NodeID
	// alone can't distinguish successive reconnections.
	ID string

	sender   *netio.NetworkSender
	receiver *netio.NetworkReceiver
	cur      *cursor.Cursor

	decCh1, decCh2 *opuscodec.Decoder
	encCh1, encCh2 *opuscodec.Encoder

	mixedAudio *board.ChannelPair
	mixCursor  uint64

	nextEncodedIndex uint32
	pending          pendingQueue

	outboundFrameOffset *uint64 // frames; fixed on first received packet
}

// NewSession allocates a full client pipeline for the given board
// channel pair.
func NewSession(pairIndex, sampleRate int, senderCapacity, receiverCapacity int, minLag, maxLag uint64) (*Session, error) {
	sender, err := netio.NewNetworkSender(senderCapacity)
	if err != nil {
		return nil, fmt.Errorf("client: sender: %w", err)
	}
	receiver, err := netio.NewNetworkReceiver(receiverCapacity)
	if err != nil {
		sender.Close()
		return nil, fmt.Errorf("client: receiver: %w", err)
	}
	decCh1, err := opuscodec.NewDecoder(sampleRate)
	if err != nil {
		sender.Close()
		receiver.Close()
		return nil, fmt.Errorf("client: decoder 1: %w", err)
	}
	decCh2, err := opuscodec.NewDecoder(sampleRate)
	if err != nil {
		sender.Close()
		receiver.Close()
		return nil, fmt.Errorf("client: decoder 2: %w", err)
	}
	encCh1, err := opuscodec.NewEncoder(sampleRate)
	if err != nil {
		sender.Close()
		receiver.Close()
		return nil, fmt.Errorf("client: encoder 1: %w", err)
	}
	encCh2, err := opuscodec.NewEncoder(sampleRate)
	if err != nil {
		sender.Close()
		receiver.Close()
		return nil, fmt.Errorf("client: encoder 2: %w", err)
	}
	mixedAudio, err := board.NewChannelPair(mixedAudioCapacity)
	if err != nil {
		sender.Close()
		receiver.Close()
		return nil, fmt.Errorf("client: mixed-audio buffer: %w", err)
	}

	cur := cursor.New(receiver, decCh1, decCh2, cursor.NewLinearStretcher(), cursor.NewLinearStretcher(), minLag, maxLag)

	return &Session{
		PairIndex:  pairIndex,
		ID:         uuid.NewString(),
		sender:     sender,
		receiver:   receiver,
		cur:        cur,
		decCh1:     decCh1,
		decCh2:     decCh2,
		encCh1:     encCh1,
		encCh2:     encCh2,
		mixedAudio: mixedAudio,
	}, nil
}

// Close releases every ring-backed resource the session owns.
func (s *Session) Close() error {
	var first error
	for _, closer := range []func() error{s.sender.Close, s.receiver.Close, s.mixedAudio.Close} {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HandlePacket folds one inbound, already-decrypted Packet into the
// session: its sender section feeds our NetworkReceiver, its receiver
// section acknowledges frames in our NetworkSender. On the very first
// packet received, the client's outbound frame clock is anchored to the
// server's sample clock at that instant (spec.md §3's
// outbound_frame_offset_).
func (s *Session) HandlePacket(p wire.Packet, clockSample uint64) error {
	if s.outboundFrameOffset == nil {
		off := clockSample / board.WindowSamples
		s.outboundFrameOffset = &off
	}
	if err := s.receiver.ReceiveSenderSection(p.SequenceNumber, p.Frames); err != nil {
		return err
	}
	if err := s.sender.AcknowledgeFrames(p.PacketsReceived); err != nil {
		return err
	}
	return s.sender.AcknowledgeThrough(p.NextFrameNeeded)
}

// DecodeAudio performs spec.md §4.5's decode_audio: one Cursor tick,
// draining whatever time-stretched output is ready into this client's
// channel pair on board at serverCursor, then popping receiver frames
// the cursor has safely passed.
func (s *Session) DecodeAudio(serverCursor uint64, brd *board.AudioBoard) error {
	if err := s.cur.Tick(); err != nil {
		return fmt.Errorf("client: cursor tick: %w", err)
	}

	out1 := make([]float32, board.WindowSamples)
	out2 := make([]float32, board.WindowSamples)
	if n := s.cur.Drain(out1, out2); n > 0 {
		if err := brd.Channel(s.PairIndex).Write(serverCursor, out1[:n], out2[:n]); err != nil {
			return fmt.Errorf("client: writing decoded audio to board: %w", err)
		}
	}

	popCount := s.cur.OkToPop(s.receiver.NextFrameNeeded(), s.receiver.RangeBegin())
	if popCount > 0 {
		if err := s.receiver.PopFrames(popCount); err != nil {
			return fmt.Errorf("client: popping consumed receiver frames: %w", err)
		}
	}
	return nil
}

// MixAndEncode performs spec.md §4.5's mix_and_encode: while the
// client's personal server-aligned mix cursor trails the shared sample
// clock by at least one window, mix every other channel pair (excluding
// this client's own, so nobody hears themselves) with gains, encode the
// result, and queue it on the NetworkSender.
func (s *Session) MixAndEncode(gains []board.Gain, brd *board.AudioBoard, cursorSample uint64) error {
	if s.outboundFrameOffset == nil {
		return nil
	}
	offsetSamples := *s.outboundFrameOffset * board.WindowSamples

	for s.mixCursor+offsetSamples+board.WindowSamples <= cursorSample {
		serverMixCursor := s.mixCursor + offsetSamples
		if err := brd.MixWindow(s.PairIndex, gains, serverMixCursor, s.mixedAudio, s.mixCursor); err != nil {
			return fmt.Errorf("client: mixing window: %w", err)
		}

		region1, err := s.mixedAudio.Ch1.Region(s.mixCursor, board.WindowSamples)
		if err != nil {
			return err
		}
		region2, err := s.mixedAudio.Ch2.Region(s.mixCursor, board.WindowSamples)
		if err != nil {
			return err
		}

		enc1, err := s.encCh1.Encode(opuscodec.FromFloat32(region1))
		if err != nil {
			return fmt.Errorf("client: encoding channel 1: %w", err)
		}
		enc2, err := s.encCh2.Encode(opuscodec.FromFloat32(region2))
		if err != nil {
			return fmt.Errorf("client: encoding channel 2: %w", err)
		}

		s.pending.items = append(s.pending.items, encodedFrame{
			index: s.nextEncodedIndex, stereo: true, ch1: enc1, ch2: enc2,
		})
		s.nextEncodedIndex++

		if err := s.mixedAudio.Ch1.Pop(board.WindowSamples); err != nil {
			return err
		}
		if err := s.mixedAudio.Ch2.Pop(board.WindowSamples); err != nil {
			return err
		}
		s.mixCursor += board.WindowSamples
	}

	for s.pending.HasFrame() {
		if err := s.sender.PushFrame(&s.pending); err != nil {
			return fmt.Errorf("client: pushing encoded frame: %w", err)
		}
	}
	return nil
}

// BuildOutgoingPacket assembles this session's next outbound Packet, or
// an error if nothing has ever been pushed to the sender yet.
func (s *Session) BuildOutgoingPacket() (wire.Packet, error) {
	return s.sender.BuildPacket(s.receiver)
}

// SenderStats and ReceiverStats expose the underlying transport
// counters for telemetry.
func (s *Session) SenderStats() netio.SenderStats     { return s.sender.Stats() }
func (s *Session) ReceiverStats() netio.ReceiverStats { return s.receiver.Stats() }
