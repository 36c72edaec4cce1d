package ring

import "testing"

func TestEndlessBufferRangeInvariant(t *testing.T) {
	b, err := NewEndlessBuffer[byte](4096)
	if err != nil {
		t.Fatalf("NewEndlessBuffer: %v", err)
	}
	defer b.Close()

	if got, want := b.RangeEnd()-b.RangeBegin(), uint64(b.Capacity()); got != want {
		t.Fatalf("RangeEnd-RangeBegin = %d, want capacity %d", got, want)
	}

	if err := b.Pop(10); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got, want := b.RangeEnd()-b.RangeBegin(), uint64(b.Capacity()); got != want {
		t.Fatalf("after Pop: RangeEnd-RangeBegin = %d, want capacity %d", got, want)
	}
}

func TestEndlessBufferPopZeroesVacatedTail(t *testing.T) {
	b, err := NewEndlessBuffer[byte](4096)
	if err != nil {
		t.Fatalf("NewEndlessBuffer: %v", err)
	}
	defer b.Close()

	region, err := b.Region(0, uint64(b.Capacity()))
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	for i := range region {
		region[i] = 0xFF
	}

	const n = 16
	if err := b.Pop(n); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	tail, err := b.Region(b.RangeEnd()-n, n)
	if err != nil {
		t.Fatalf("Region(tail): %v", err)
	}
	for i, v := range tail {
		if v != 0 {
			t.Fatalf("tail[%d] = %#x, want zero after pop", i, v)
		}
	}
}

func TestEndlessBufferRegionOutOfRange(t *testing.T) {
	b, err := NewEndlessBuffer[byte](4096)
	if err != nil {
		t.Fatalf("NewEndlessBuffer: %v", err)
	}
	defer b.Close()

	if _, err := b.Region(b.RangeBegin()-1, 1); err == nil {
		t.Fatal("expected ErrOutOfRange for position before RangeBegin")
	}
	if _, err := b.Region(b.RangeEnd(), 1); err == nil {
		t.Fatal("expected ErrOutOfRange for position at RangeEnd")
	}
}

func TestEndlessBufferContiguousAcrossWrap(t *testing.T) {
	b, err := NewEndlessBuffer[byte](4096)
	if err != nil {
		t.Fatalf("NewEndlessBuffer: %v", err)
	}
	defer b.Close()

	cap := uint64(b.Capacity())

	// Advance the window so that [cap-2, cap+2) straddles the physical
	// seam at slot 0, then write through the wrapping region in one shot.
	if err := b.Pop(cap - 2); err != nil {
		t.Fatalf("Pop: %v", err)
	}

	region, err := b.Region(b.RangeBegin(), 4)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	copy(region, []byte("ABCD"))

	readBack, err := b.Region(b.RangeBegin(), 4)
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if string(readBack) != "ABCD" {
		t.Fatalf("got %q, want ABCD", readBack)
	}
}
