// Package sysmem obtains large, page aligned regions of memory directly from the operating system.
// Memory handed out by a Region is invisible to the garbage collector and must never hold Go pointers.
package sysmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ErrInvalidSize is returned from Reserve when the requested size is not positive
var ErrInvalidSize = errors.New("region size must be greater than zero")

// Region is a contiguous range of zeroed, readable and writable memory
type Region struct {
	data   []byte
	base   uintptr
	mapped bool
}

// Reserve obtains a region of at least size bytes. The size is rounded up to a whole number of pages.
func Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", size)
	}

	pageSize := PageSize()
	size = (size + pageSize - 1) &^ (pageSize - 1)

	data, mapped, err := reserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes", size)
	}

	return &Region{
		data:   data,
		base:   uintptr(unsafe.Pointer(&data[0])),
		mapped: mapped,
	}, nil
}

// Pointer returns the address of the first byte of the region
func (r *Region) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&r.data[0])
}

func (r *Region) Size() int { return len(r.data) }

// Base returns the address of the first byte of the region as an integer, for ordering and range checks
func (r *Region) Base() uintptr { return r.base }

// Bytes exposes the region's memory as a slice
func (r *Region) Bytes() []byte { return r.data }

// Mapped reports whether the region came from an anonymous memory mapping rather than the Go heap
func (r *Region) Mapped() bool { return r.mapped }

// Contains reports whether ptr points inside the region
func (r *Region) Contains(ptr unsafe.Pointer) bool {
	address := uintptr(ptr)
	return address >= r.base && address < r.base+uintptr(len(r.data))
}

// Offset returns the distance in bytes from the start of the region to ptr. The caller must have
// checked that ptr is within the region.
func (r *Region) Offset(ptr unsafe.Pointer) int {
	return int(uintptr(ptr) - r.base)
}

// At returns the address offset bytes into the region
func (r *Region) At(offset int) unsafe.Pointer {
	return unsafe.Add(r.Pointer(), offset)
}

// Release returns the region to the operating system. The region may not be used afterward.
func (r *Region) Release() error {
	if r.data == nil {
		return errors.New("region was already released")
	}

	err := release(r.data, r.mapped)
	r.data = nil
	r.base = 0
	return err
}
