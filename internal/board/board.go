// Package board implements the AudioBoard: the shared N-channel scratch
// region holding every connected client's post-decode audio, indexed by
// the server's absolute sample cursor, plus the per-destination N-1
// mixdown that reads it.
package board

import (
	"fmt"

	"github.com/stagecast/stagecast/internal/ring"
)

// WindowSamples is the fixed mix window: one 2.5ms Opus frame at 48kHz.
const WindowSamples = 120

// Gain is a stereo mixing weight applied to one channel pair's
// contribution to a destination's personal mix.
type Gain struct {
	Left  float32
	Right float32
}

// ChannelPair is a stereo pair of sample buffers indexed by a shared
// absolute sample cursor.
type ChannelPair struct {
	Ch1 *ring.EndlessBuffer[float32]
	Ch2 *ring.EndlessBuffer[float32]
}

// NewChannelPair creates a ChannelPair with the given sample capacity
// per channel.
func NewChannelPair(capacity int) (*ChannelPair, error) {
	ch1, err := ring.NewEndlessBuffer[float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("board: channel 1: %w", err)
	}
	ch2, err := ring.NewEndlessBuffer[float32](capacity)
	if err != nil {
		ch1.Close()
		return nil, fmt.Errorf("board: channel 2: %w", err)
	}
	return &ChannelPair{Ch1: ch1, Ch2: ch2}, nil
}

// Close releases the pair's ring storage.
func (p *ChannelPair) Close() error {
	err1 := p.Ch1.Close()
	err2 := p.Ch2.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Write stores one WindowSamples-length window of decoded stereo audio
// at pos, the shared server sample cursor.
func (p *ChannelPair) Write(pos uint64, ch1, ch2 []float32) error {
	dst1, err := p.Ch1.Region(pos, uint64(len(ch1)))
	if err != nil {
		return err
	}
	copy(dst1, ch1)
	dst2, err := p.Ch2.Region(pos, uint64(len(ch2)))
	if err != nil {
		return err
	}
	copy(dst2, ch2)
	return nil
}

// AudioBoard holds one ChannelPair per connected client, all indexed by
// the same absolute server sample cursor so any client's personal mix
// can read any other's audio for the same instant.
type AudioBoard struct {
	pairs []*ChannelPair
}

// NewAudioBoard creates an AudioBoard with n channel pairs, each able to
// hold at least capacity samples.
func NewAudioBoard(n, capacity int) (*AudioBoard, error) {
	b := &AudioBoard{pairs: make([]*ChannelPair, n)}
	for i := range b.pairs {
		p, err := NewChannelPair(capacity)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("board: pair %d: %w", i, err)
		}
		b.pairs[i] = p
	}
	return b, nil
}

// Count returns the number of channel pairs on the board.
func (b *AudioBoard) Count() int { return len(b.pairs) }

// Channel returns the i'th channel pair.
func (b *AudioBoard) Channel(i int) *ChannelPair { return b.pairs[i] }

// Close releases every channel pair's ring storage.
func (b *AudioBoard) Close() error {
	var first error
	for _, p := range b.pairs {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MixWindow computes one destination's personal mix for a single
// WindowSamples window: every channel pair on the board except
// excludeIndex (the destination's own pair, so nobody hears themselves)
// is read at serverCursor, scaled by its entry in gains, and summed into
// dst at dstPos.
func (b *AudioBoard) MixWindow(excludeIndex int, gains []Gain, serverCursor uint64, dst *ChannelPair, dstPos uint64) error {
	if len(gains) != len(b.pairs) {
		return fmt.Errorf("board: gains has %d entries, board has %d channel pairs", len(gains), len(b.pairs))
	}

	left := make([]float32, WindowSamples)
	right := make([]float32, WindowSamples)

	for i, pair := range b.pairs {
		if i == excludeIndex {
			continue
		}
		src1, err := pair.Ch1.Region(serverCursor, WindowSamples)
		if err != nil {
			return fmt.Errorf("board: reading channel %d: %w", i, err)
		}
		src2, err := pair.Ch2.Region(serverCursor, WindowSamples)
		if err != nil {
			return fmt.Errorf("board: reading channel %d: %w", i, err)
		}
		g := gains[i]
		for s := 0; s < WindowSamples; s++ {
			left[s] += src1[s] * g.Left
			right[s] += src2[s] * g.Right
		}
	}

	return dst.Write(dstPos, left, right)
}
