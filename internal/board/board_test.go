package board

import "testing"

func TestMixWindowExcludesOwnChannel(t *testing.T) {
	b, err := NewAudioBoard(3, 4096)
	if err != nil {
		t.Fatalf("NewAudioBoard: %v", err)
	}
	defer b.Close()

	one := make([]float32, WindowSamples)
	for i := range one {
		one[i] = 1.0
	}
	if err := b.Channel(1).Write(0, one, one); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst, err := NewChannelPair(4096)
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer dst.Close()

	gains := []Gain{{1, 1}, {1, 1}, {1, 1}}
	if err := b.MixWindow(1, gains, 0, dst, 0); err != nil {
		t.Fatalf("MixWindow: %v", err)
	}

	ch1, err := dst.Ch1.Region(0, WindowSamples)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	for i, v := range ch1 {
		if v != 0 {
			t.Fatalf("ch1[%d] = %v, want 0 (own channel excluded)", i, v)
		}
	}
	ch2, err := dst.Ch2.Region(0, WindowSamples)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	for i, v := range ch2 {
		if v != 0 {
			t.Fatalf("ch2[%d] = %v, want 0 (own channel excluded)", i, v)
		}
	}
}

func TestMixWindowSumsOtherChannels(t *testing.T) {
	b, err := NewAudioBoard(3, 4096)
	if err != nil {
		t.Fatalf("NewAudioBoard: %v", err)
	}
	defer b.Close()

	half := make([]float32, WindowSamples)
	for i := range half {
		half[i] = 0.5
	}
	if err := b.Channel(0).Write(0, half, half); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Channel(2).Write(0, half, half); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst, err := NewChannelPair(4096)
	if err != nil {
		t.Fatalf("NewChannelPair: %v", err)
	}
	defer dst.Close()

	gains := []Gain{{1, 1}, {1, 1}, {1, 1}}
	if err := b.MixWindow(1, gains, 0, dst, 0); err != nil {
		t.Fatalf("MixWindow: %v", err)
	}

	ch1, err := dst.Ch1.Region(0, WindowSamples)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	for i, v := range ch1 {
		if v != 1.0 {
			t.Fatalf("ch1[%d] = %v, want 1.0 (0.5 + 0.5)", i, v)
		}
	}
}
