package hostmem

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidBlockSize is returned when a block size is too small to serve any allocation
	ErrInvalidBlockSize = errors.New("invalid block size")
	// ErrUnreleasedMemory is returned from Destroy when live allocations remained in the allocator
	ErrUnreleasedMemory = errors.New("some allocations were not freed before the allocator was destroyed")
	// ErrInvalidFree marks errors describing a deallocation that the allocator could not honor
	ErrInvalidFree = errors.New("invalid deallocation")
	// ErrAllocatorCycle is returned when installing an allocator would nest it inside itself
	ErrAllocatorCycle = errors.New("allocator would be nested inside itself")
	// ErrPointerType is returned when an Adapter is created for a type that contains Go pointers
	ErrPointerType = errors.New("type contains pointers")
	// ErrOutOfMemory is returned by containers when the allocator could not serve a request
	ErrOutOfMemory = errors.New("out of memory")
)
