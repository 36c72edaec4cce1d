// Package cursor implements the jitter-buffer read cursor: a
// rate-adapting sample source that drains a NetworkReceiver's window of
// AudioFrames, decodes (or conceals) them, and time-stretches the result
// to track a moving target lag behind the newest arrived frame.
package cursor

import (
	"fmt"

	"github.com/stagecast/stagecast/internal/board"
	"github.com/stagecast/stagecast/internal/opuscodec"
	"github.com/stagecast/stagecast/internal/wire"
)

// FrameSource is the subset of NetworkReceiver's surface the cursor
// reads from.
type FrameSource interface {
	NextFrameNeeded() uint32
	UnreceivedBeyond() uint32
	Frame(index uint64) (wire.AudioFrame, bool, error)
}

// Decoder is the subset of an opuscodec.Decoder the cursor drives.
type Decoder interface {
	Decode(payload wire.OpusPayload, frameSize int) ([]int16, error)
	ConcealLoss(frameSize int) ([]int16, error)
}

// controller tuning: a proportional gain plus a dead-band (spec.md
// §4.4's "use a proportional controller with a dead-band to avoid pitch
// artifacts"), and hard ratio bounds so concealment storms can't make
// the stretcher audibly warble.
const (
	proportionalGain = 0.0006
	deadbandSamples  = 48 // 1ms at 48kHz
	minRatio         = 0.85
	maxRatio         = 1.15
)

// Cursor is the per-client jitter buffer / time-stretch stage of
// spec.md §4.4. It owns one Decoder+Stretcher pair per channel so both
// channels of a stereo pair stay sample-aligned under a shared ratio.
type Cursor struct {
	source FrameSource

	decCh1, decCh2         Decoder
	stretchCh1, stretchCh2 Stretcher

	cursorSample uint64 // position in the inbound frame timeline, samples
	targetLag    uint64
	minLag       uint64
	maxLag       uint64
}

// New creates a Cursor reading from source, decoding through decCh1/decCh2
// and time-stretching through stretchCh1/stretchCh2, with the given lag
// bounds (spec.md §4.4's min_lag/max_lag construction parameters).
func New(source FrameSource, decCh1, decCh2 Decoder, stretchCh1, stretchCh2 Stretcher, minLag, maxLag uint64) *Cursor {
	return &Cursor{
		source:     source,
		decCh1:     decCh1,
		decCh2:     decCh2,
		stretchCh1: stretchCh1,
		stretchCh2: stretchCh2,
		minLag:     minLag,
		maxLag:     maxLag,
		targetLag:  (minLag + maxLag) / 2,
	}
}

// SetTargetLag assigns a new target lag (clamped to [minLag, maxLag]) and
// resets both stretchers, per spec.md §4.4's Reset behavior.
func (c *Cursor) SetTargetLag(lag uint64) {
	if lag < c.minLag {
		lag = c.minLag
	}
	if lag > c.maxLag {
		lag = c.maxLag
	}
	c.targetLag = lag
	c.stretchCh1.Reset()
	c.stretchCh2.Reset()
}

// CursorFrame returns the frame index the cursor has consumed up to.
func (c *Cursor) CursorFrame() uint64 { return c.cursorSample / board.WindowSamples }

// Tick performs one per-120-sample-window step of spec.md §4.4: if the
// next input frame is already known-complete (received or permanently
// skipped by the receiver's dense-prefix boundary), it is decoded (or
// concealed) and fed to the stretchers and the cursor advances; otherwise
// the cursor stalls for this tick. The stretch ratio is always re-tuned
// toward the target lag.
func (c *Cursor) Tick() error {
	frameIndex := c.cursorSample / board.WindowSamples
	if uint32(frameIndex) < c.source.NextFrameNeeded() {
		if err := c.consumeFrame(frameIndex); err != nil {
			return err
		}
		c.cursorSample += board.WindowSamples
	}
	c.retune()
	return nil
}

func (c *Cursor) consumeFrame(frameIndex uint64) error {
	frame, present, err := c.source.Frame(frameIndex)
	if err != nil {
		return fmt.Errorf("cursor: reading frame %d: %w", frameIndex, err)
	}

	var pcm1, pcm2 []int16
	if present {
		pcm1, err = c.decCh1.Decode(frame.Frame1, board.WindowSamples)
		if err != nil {
			return fmt.Errorf("cursor: decoding channel 1 of frame %d: %w", frameIndex, err)
		}
		if frame.FrameType == wire.TwoChannel {
			pcm2, err = c.decCh2.Decode(frame.Frame2, board.WindowSamples)
			if err != nil {
				return fmt.Errorf("cursor: decoding channel 2 of frame %d: %w", frameIndex, err)
			}
		} else {
			pcm2 = pcm1
		}
	} else {
		pcm1, err = c.decCh1.ConcealLoss(board.WindowSamples)
		if err != nil {
			return fmt.Errorf("cursor: concealing channel 1 of frame %d: %w", frameIndex, err)
		}
		pcm2, err = c.decCh2.ConcealLoss(board.WindowSamples)
		if err != nil {
			return fmt.Errorf("cursor: concealing channel 2 of frame %d: %w", frameIndex, err)
		}
	}

	c.stretchCh1.Push(opuscodec.ToFloat32(pcm1))
	c.stretchCh2.Push(opuscodec.ToFloat32(pcm2))
	return nil
}

// retune adjusts the stretch ratio so the actual lag (how far the newest
// arrived frame sits ahead of the cursor) converges toward targetLag.
func (c *Cursor) retune() {
	unreceivedBeyond := uint64(c.source.UnreceivedBeyond()) * board.WindowSamples
	if c.source.UnreceivedBeyond() == 0 || unreceivedBeyond < c.cursorSample {
		// Nothing has arrived yet (startup); hold unity ratio.
		c.stretchCh1.SetRatio(1.0)
		c.stretchCh2.SetRatio(1.0)
		return
	}
	actualLag := unreceivedBeyond - c.cursorSample

	var diff int64
	if actualLag >= c.targetLag {
		diff = int64(actualLag - c.targetLag)
	} else {
		diff = -int64(c.targetLag - actualLag)
	}
	if diff > -deadbandSamples && diff < deadbandSamples {
		c.stretchCh1.SetRatio(1.0)
		c.stretchCh2.SetRatio(1.0)
		return
	}

	ratio := 1.0 + proportionalGain*float64(diff)
	if ratio < minRatio {
		ratio = minRatio
	}
	if ratio > maxRatio {
		ratio = maxRatio
	}
	c.stretchCh1.SetRatio(ratio)
	c.stretchCh2.SetRatio(ratio)
}

// Drain pulls stretched output into out1/out2 (which must be the same
// length), returning how many aligned stereo samples were written.
func (c *Cursor) Drain(out1, out2 []float32) int {
	n1 := c.stretchCh1.Pull(out1)
	n2 := c.stretchCh2.Pull(out2[:n1])
	if n2 < n1 {
		return n2
	}
	return n1
}

// OkToPop reports how many frames preceding nextFrameNeeded are safely
// behind the cursor and so may be popped from the receiver's window
// without the cursor reading a slot that's about to be vacated, per
// spec.md §4.4's ok_to_pop.
func (c *Cursor) OkToPop(nextFrameNeeded uint32, rangeBegin uint64) int {
	cursorFrame := c.CursorFrame()
	if cursorFrame <= rangeBegin {
		return 0
	}
	n := cursorFrame - rangeBegin
	limit := uint64(nextFrameNeeded) - rangeBegin
	if n > limit {
		n = limit
	}
	return int(n)
}
