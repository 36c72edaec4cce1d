// Package opuscodec wraps the Opus codec for one mono channel at a
// time, matching the reference design's per-channel encoder/decoder
// split (a stereo client owns two independent mono codec instances
// rather than one interleaved-stereo instance).
package opuscodec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/stagecast/stagecast/internal/wire"
)

const channels = 1

// Encoder encodes fixed-size mono PCM windows into Opus payloads.
type Encoder struct {
	enc *opus.Encoder
}

// NewEncoder creates a mono Opus encoder tuned for real-time voice at
// the given sample rate.
func NewEncoder(sampleRate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppRestrictedLowdelay)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: NewEncoder: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("opuscodec: SetInBandFEC: %w", err)
	}
	if err := enc.SetPacketLossPerc(10); err != nil {
		return nil, fmt.Errorf("opuscodec: SetPacketLossPerc: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode compresses one PCM window into a wire OpusPayload.
func (e *Encoder) Encode(pcm []int16) (wire.OpusPayload, error) {
	buf := make([]byte, wire.MaxOpusPayload)
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return wire.OpusPayload{}, fmt.Errorf("opuscodec: Encode: %w", err)
	}
	return wire.NewOpusPayload(buf[:n])
}

// Decoder decompresses Opus payloads into mono PCM windows, with
// packet-loss concealment for windows whose payload never arrived.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder creates a mono Opus decoder at the given sample rate.
func NewDecoder(sampleRate int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: NewDecoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decompresses payload into a frameSize-sample PCM window.
func (d *Decoder) Decode(payload wire.OpusPayload, frameSize int) ([]int16, error) {
	pcm := make([]int16, frameSize)
	n, err := d.dec.Decode(payload.Data(), pcm)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: Decode: %w", err)
	}
	return pcm[:n], nil
}

// ConcealLoss synthesizes a plausible PCM window for a frame that never
// arrived, using the decoder's internal packet-loss concealment model.
func (d *Decoder) ConcealLoss(frameSize int) ([]int16, error) {
	pcm := make([]int16, frameSize)
	if err := d.dec.DecodePLC(pcm); err != nil {
		return nil, fmt.Errorf("opuscodec: ConcealLoss: %w", err)
	}
	return pcm, nil
}

// ToFloat32 converts signed 16-bit PCM into the [-1, 1] float32 samples
// the AudioBoard stores.
func ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// FromFloat32 converts [-1, 1] float32 samples back into signed 16-bit
// PCM, clamping out-of-range values.
func FromFloat32(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
