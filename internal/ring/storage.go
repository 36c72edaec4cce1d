// Package ring implements the double-mapped circular storage substrate
// that every per-client buffer in Stagecast sits on top of: a
// fixed-capacity region that is always addressable as a contiguous slice,
// even across the point where the logical stream wraps around.
package ring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Storage double-maps a capacity-sized anonymous memory region back to
// back in virtual memory, so that byte i and byte i+Capacity() of the
// Bytes() view always alias the same physical page. Any window of up to
// Capacity() bytes starting anywhere in [0, Capacity()) is therefore a
// genuinely contiguous slice, regardless of where it straddles the wrap
// point. This mirrors the memfd_create + double-mmap technique used by
// the original C++ RingStorage.
type Storage struct {
	base     uintptr
	capacity int
	fd       int
}

// NewStorage creates a Storage of the given capacity in bytes, which must
// be a positive multiple of the OS page size.
func NewStorage(capacity int) (*Storage, error) {
	pageSize := unix.Getpagesize()
	if capacity <= 0 || capacity%pageSize != 0 {
		return nil, fmt.Errorf("ring: capacity %d must be a positive multiple of the page size (%d)", capacity, pageSize)
	}

	fd, err := unix.MemfdCreate("stagecast-ring", 0)
	if err != nil {
		return nil, fmt.Errorf("ring: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(capacity)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: ftruncate: %w", err)
	}

	// Reserve a contiguous 2*capacity address range, with no backing, so
	// the two real mappings below are guaranteed to land next to each
	// other with nothing else able to claim the space in between.
	reservation, err := unix.Mmap(-1, 0, 2*capacity, unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: reserve address space: %w", err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))

	if err := mmapFixed(base, uintptr(capacity), fd); err != nil {
		unix.Munmap(reservation)
		unix.Close(fd)
		return nil, fmt.Errorf("ring: first mapping: %w", err)
	}
	if err := mmapFixed(base+uintptr(capacity), uintptr(capacity), fd); err != nil {
		unix.Munmap(reservation)
		unix.Close(fd)
		return nil, fmt.Errorf("ring: second mapping: %w", err)
	}

	return &Storage{base: base, capacity: capacity, fd: fd}, nil
}

// mmapFixed re-maps fd's full extent over [addr, addr+length), using
// MAP_FIXED so the existing PROT_NONE reservation at that address is
// replaced in place rather than relocated.
func mmapFixed(addr, length uintptr, fd int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Capacity returns the backing region's size in bytes.
func (s *Storage) Capacity() int { return s.capacity }

// Bytes returns the double-width view of the mapping: for any i in
// [0, Capacity()), Bytes()[i] and Bytes()[i+Capacity()] are the same byte.
func (s *Storage) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(s.base)), 2*s.capacity)
}

// Close unmaps the virtual memory and releases the backing file descriptor.
func (s *Storage) Close() error {
	if s.base == 0 {
		return nil
	}
	err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(s.base)), 2*s.capacity))
	unix.Close(s.fd)
	s.base = 0
	return err
}
