package opuscodec

import "testing"

func TestFloatPCMRoundTrip(t *testing.T) {
	pcm := []int16{0, 32767, -32768, 1000, -1000}
	floats := ToFloat32(pcm)
	back := FromFloat32(floats)

	for i, want := range pcm {
		got := back[i]
		diff := int(got) - int(want)
		if diff < -1 || diff > 1 {
			t.Fatalf("sample %d: got %d, want ~%d", i, got, want)
		}
	}
}

func TestFromFloat32Clamps(t *testing.T) {
	got := FromFloat32([]float32{2.0, -2.0})
	if got[0] != 32767 {
		t.Fatalf("got %d, want clamp to 32767", got[0])
	}
	if got[1] != -32768 {
		t.Fatalf("got %d, want clamp to -32768", got[1])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const sampleRate = 48000
	const frameSize = 120

	enc, err := NewEncoder(sampleRate)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(sampleRate)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := make([]int16, frameSize)
	for i := range pcm {
		pcm[i] = int16(i % 100)
	}

	payload, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if payload.Length == 0 {
		t.Fatal("Encode produced an empty payload")
	}

	out, err := dec.Decode(payload, frameSize)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != frameSize {
		t.Fatalf("Decode returned %d samples, want %d", len(out), frameSize)
	}
}

func TestConcealLossProducesAFullWindow(t *testing.T) {
	const sampleRate = 48000
	const frameSize = 120

	dec, err := NewDecoder(sampleRate)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	out, err := dec.ConcealLoss(frameSize)
	if err != nil {
		t.Fatalf("ConcealLoss: %v", err)
	}
	if len(out) != frameSize {
		t.Fatalf("ConcealLoss returned %d samples, want %d", len(out), frameSize)
	}
}
