// Package wire implements Stagecast's fixed little-endian, byte-packed
// wire format: AudioFrame, Packet (sender + receiver sections), and the
// out-of-band KeyMessage used by the handshake. AudioFrame and
// OpusPayload are plain value types (fixed-size arrays, no slices) so
// that they can additionally live inside a ring.EndlessBuffer; Packet and
// PacketRecord hold their variable-length arrays as slices.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a Parse call runs out of input bytes.
var ErrTruncated = errors.New("wire: truncated input")

// ErrTooLarge is returned when a value exceeds the wire format's bounds
// (a VarArray longer than its max, or an Opus payload over MaxOpusPayload).
var ErrTooLarge = errors.New("wire: value exceeds wire format bound")

const (
	// MaxOpusPayload bounds an encoded Opus frame's size; spec.md §3 puts
	// the practical bound around 254 bytes, matching the length field's
	// single byte (minus the sentinel all-0xFF value avoided by Opus
	// bitrate settings in practice).
	MaxOpusPayload = 254

	// MaxFramesPerPacket is the sender section's frame-array bound.
	MaxFramesPerPacket = 8

	// MaxPacketRecords is the receiver section's packets_received bound.
	MaxPacketRecords = 32

	// MaxFrameIndicesPerRecord bounds each packet record's frame index list.
	MaxFrameIndicesPerRecord = 8

	// MaxPacketBytes is the serialized packet size budget from spec.md §3,
	// chosen so AEAD expansion still fits a 1472-byte UDP MTU target.
	MaxPacketBytes = 1500
)

// FrameType distinguishes a mono frame (silence/one active channel) from
// a stereo frame carrying both channels' Opus payloads.
type FrameType uint8

const (
	OneChannel FrameType = 0
	TwoChannel FrameType = 1
)

// OpusPayload is a length-prefixed, fixed-capacity byte buffer holding a
// single encoded Opus frame.
type OpusPayload struct {
	Length uint8
	Bytes  [MaxOpusPayload]byte
}

// NewOpusPayload copies b (which must fit within MaxOpusPayload) into an
// OpusPayload.
func NewOpusPayload(b []byte) (OpusPayload, error) {
	var p OpusPayload
	if len(b) > MaxOpusPayload {
		return p, fmt.Errorf("%w: opus payload length %d > %d", ErrTooLarge, len(b), MaxOpusPayload)
	}
	p.Length = uint8(len(b))
	copy(p.Bytes[:], b)
	return p, nil
}

// Data returns the payload's valid prefix.
func (p OpusPayload) Data() []byte { return p.Bytes[:p.Length] }

func (p OpusPayload) serializedLength() int { return 1 + int(p.Length) }

func (p OpusPayload) serialize(w *Writer) {
	w.PutUint8(p.Length)
	w.PutBytes(p.Bytes[:p.Length])
}

func parseOpusPayload(r *Reader) (OpusPayload, error) {
	var p OpusPayload
	length, err := r.Uint8()
	if err != nil {
		return p, err
	}
	if int(length) > MaxOpusPayload {
		return p, fmt.Errorf("%w: opus payload length %d > %d", ErrTooLarge, length, MaxOpusPayload)
	}
	b, err := r.Bytes(int(length))
	if err != nil {
		return p, err
	}
	p.Length = length
	copy(p.Bytes[:], b)
	return p, nil
}

// AudioFrame is one Opus-encoded audio frame (spec.md §3), indexed by a
// 32-bit monotonic frame index. Frame2 is only meaningful when FrameType
// is TwoChannel.
type AudioFrame struct {
	FrameIndex uint32
	FrameType  FrameType
	Frame1     OpusPayload
	Frame2     OpusPayload
}

func (f AudioFrame) serializedLength() int {
	n := 4 + 1 + f.Frame1.serializedLength()
	if f.FrameType == TwoChannel {
		n += f.Frame2.serializedLength()
	}
	return n
}

func (f AudioFrame) serialize(w *Writer) {
	w.PutUint32(f.FrameIndex)
	w.PutUint8(uint8(f.FrameType))
	f.Frame1.serialize(w)
	if f.FrameType == TwoChannel {
		f.Frame2.serialize(w)
	}
}

func parseAudioFrame(r *Reader) (AudioFrame, error) {
	var f AudioFrame
	var err error
	if f.FrameIndex, err = r.Uint32(); err != nil {
		return f, err
	}
	ft, err := r.Uint8()
	if err != nil {
		return f, err
	}
	f.FrameType = FrameType(ft)
	if f.Frame1, err = parseOpusPayload(r); err != nil {
		return f, err
	}
	if f.FrameType == TwoChannel {
		if f.Frame2, err = parseOpusPayload(r); err != nil {
			return f, err
		}
	}
	return f, nil
}

// PacketRecord is a compact receive acknowledgement for one remote
// sequence number: which frame indices it carried that were newly
// accepted by the receiver.
type PacketRecord struct {
	SequenceNumber uint32
	FrameIndices   []uint32 // length <= MaxFrameIndicesPerRecord
}

func (r PacketRecord) serializedLength() int {
	return 4 + 1 + 4*len(r.FrameIndices)
}

func (r PacketRecord) serialize(w *Writer) error {
	if len(r.FrameIndices) > MaxFrameIndicesPerRecord {
		return fmt.Errorf("%w: packet record has %d frame indices > %d", ErrTooLarge, len(r.FrameIndices), MaxFrameIndicesPerRecord)
	}
	w.PutUint32(r.SequenceNumber)
	w.PutUint8(uint8(len(r.FrameIndices)))
	for _, idx := range r.FrameIndices {
		w.PutUint32(idx)
	}
	return nil
}

func parsePacketRecord(r *Reader) (PacketRecord, error) {
	var rec PacketRecord
	var err error
	if rec.SequenceNumber, err = r.Uint32(); err != nil {
		return rec, err
	}
	count, err := r.Uint8()
	if err != nil {
		return rec, err
	}
	if int(count) > MaxFrameIndicesPerRecord {
		return rec, fmt.Errorf("%w: packet record declares %d frame indices > %d", ErrTooLarge, count, MaxFrameIndicesPerRecord)
	}
	rec.FrameIndices = make([]uint32, count)
	for i := range rec.FrameIndices {
		v, err := r.Uint32()
		if err != nil {
			return rec, err
		}
		rec.FrameIndices[i] = v
	}
	return rec, nil
}

// Packet is the full wire packet: a sender section (outgoing frames) and
// a receiver section (this endpoint's ack state), per spec.md §3/§6.
type Packet struct {
	SequenceNumber   uint32
	Frames           []AudioFrame // length <= MaxFramesPerPacket, newest frame first, then the rest by FrameIndex ascending
	NextFrameNeeded  uint32
	PacketsReceived  []PacketRecord // length <= MaxPacketRecords
}

// SerializedLength returns the exact number of bytes Serialize will write.
func (p Packet) SerializedLength() int {
	n := 4 + 1
	for _, f := range p.Frames {
		n += f.serializedLength()
	}
	n += 4 + 1
	for _, r := range p.PacketsReceived {
		n += r.serializedLength()
	}
	return n
}

// Serialize encodes p into a freshly allocated buffer sized exactly to
// SerializedLength.
func (p Packet) Serialize() ([]byte, error) {
	if len(p.Frames) > MaxFramesPerPacket {
		return nil, fmt.Errorf("%w: packet has %d frames > %d", ErrTooLarge, len(p.Frames), MaxFramesPerPacket)
	}
	if len(p.PacketsReceived) > MaxPacketRecords {
		return nil, fmt.Errorf("%w: packet has %d receiver records > %d", ErrTooLarge, len(p.PacketsReceived), MaxPacketRecords)
	}

	w := NewWriter(p.SerializedLength())
	w.PutUint32(p.SequenceNumber)
	w.PutUint8(uint8(len(p.Frames)))
	for _, f := range p.Frames {
		f.serialize(w)
	}
	w.PutUint32(p.NextFrameNeeded)
	w.PutUint8(uint8(len(p.PacketsReceived)))
	for _, r := range p.PacketsReceived {
		if err := r.serialize(w); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// ParsePacket decodes a Packet from b. It fails if b has trailing bytes,
// is truncated, or declares more elements than the wire format permits.
func ParsePacket(b []byte) (Packet, error) {
	var p Packet
	r := NewReader(b)

	var err error
	if p.SequenceNumber, err = r.Uint32(); err != nil {
		return p, err
	}
	frameCount, err := r.Uint8()
	if err != nil {
		return p, err
	}
	if int(frameCount) > MaxFramesPerPacket {
		return p, fmt.Errorf("%w: packet declares %d frames > %d", ErrTooLarge, frameCount, MaxFramesPerPacket)
	}
	p.Frames = make([]AudioFrame, frameCount)
	for i := range p.Frames {
		if p.Frames[i], err = parseAudioFrame(r); err != nil {
			return p, err
		}
	}

	if p.NextFrameNeeded, err = r.Uint32(); err != nil {
		return p, err
	}
	recordCount, err := r.Uint8()
	if err != nil {
		return p, err
	}
	if int(recordCount) > MaxPacketRecords {
		return p, fmt.Errorf("%w: packet declares %d receiver records > %d", ErrTooLarge, recordCount, MaxPacketRecords)
	}
	p.PacketsReceived = make([]PacketRecord, recordCount)
	for i := range p.PacketsReceived {
		if p.PacketsReceived[i], err = parsePacketRecord(r); err != nil {
			return p, err
		}
	}

	if r.Remaining() != 0 {
		return p, fmt.Errorf("%w: %d trailing bytes after packet", ErrTruncated, r.Remaining())
	}

	return p, nil
}

// Writer accumulates little-endian, byte-packed fields.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given expected capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) PutUint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) PutBytes(b []byte)  { w.buf = append(w.buf, b...) }

func (w *Writer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes little-endian, byte-packed fields from a fixed buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader over b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Uint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
