// Package jitmem allocates and protects the executable pages the x86-64
// emitter writes compiled contract code into. Grounded on golang.org/x/sys's
// use across the retrieved corpus (erigon, prysm, vechain-thor all take it
// as a direct or near-direct dependency) for raw mmap/mprotect access the
// standard library has no portable equivalent for.
package jitmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is one mmap'd, page-aligned buffer holding compiled code. It is
// writable until Finalize is called, after which it is remapped
// read+execute and further writes panic the process via the OS (W^X).
type Region struct {
	data []byte
	exec bool
}

// Alloc reserves a writable, non-executable region of at least size bytes,
// rounded up to the system page size.
func Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("jitmem: invalid size %d", size)
	}
	pageSize := unix.Getpagesize()
	rounded := (size + pageSize - 1) / pageSize * pageSize

	data, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jitmem: mmap: %w", err)
	}
	return &Region{data: data}, nil
}

// Write copies code into the region starting at offset. Only valid before
// Finalize.
func (r *Region) Write(offset int, code []byte) error {
	if r.exec {
		return fmt.Errorf("jitmem: write into finalized (read+exec) region")
	}
	if offset+len(code) > len(r.data) {
		return fmt.Errorf("jitmem: write out of bounds: offset %d + %d > %d", offset, len(code), len(r.data))
	}
	copy(r.data[offset:], code)
	return nil
}

// Finalize flips the region from writable to executable (W^X discipline:
// never both at once), after which EntryPoint may be called.
func (r *Region) Finalize() error {
	if r.exec {
		return nil
	}
	if err := unix.Mprotect(r.data, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("jitmem: mprotect: %w", err)
	}
	r.exec = true
	return nil
}

// EntryPoint returns the address of the region's first byte, suitable for
// casting to a Go function pointer via unsafe for the entry(ctx, stack_base)
// calling convention. Only valid after Finalize.
func (r *Region) EntryPoint() (uintptr, error) {
	if !r.exec {
		return 0, fmt.Errorf("jitmem: region not finalized")
	}
	return uintptr(unsafe.Pointer(&r.data[0])), nil
}

// Release unmaps the region. The caller must guarantee no generated code
// backed by this region is still reachable from any live call stack.
func (r *Region) Release() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
