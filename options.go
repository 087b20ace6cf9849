package hostmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils"
)

const (
	// DefaultAlignment is used as the allocation alignment when none is provided via CreateOptions
	DefaultAlignment int = 8

	kibibyte = 1024
	mebibyte = 1024 * kibibyte
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Type selects where the allocator obtains memory from
	Type AllocatorType
	// MemoryTracking selects the instrumentation performed on each allocate and deallocate. It can be
	// changed later via SetMemoryTracking.
	MemoryTracking MemoryTracking

	// DefaultAlignment is the alignment of every pointer the allocator returns. It must be a power of two
	// and defaults to DefaultAlignment.
	DefaultAlignment int

	// BlockSizes overrides the size of newly created blocks for individual affinities. Affinities that
	// are not present use the allocator's built-in defaults.
	BlockSizes map[Affinity]int
	// DefaultBlockSize is the block size used for application-defined affinities that are not present
	// in BlockSizes
	DefaultBlockSize int

	// MemoryLimit is the maximum number of bytes the allocator will obtain for blocks and heap
	// allocations combined. Requests that would exceed it fail. 0 means no limit.
	MemoryLimit int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when the allocator
	// obtains or releases the memory backing a block. Blocks are created and destroyed far less often
	// than allocations, so these callbacks do not map 1:1 with calls to Allocate and Deallocate.
	MemoryCallbackOptions *MemoryCallbackOptions
}

func (o *CreateOptions) alignment() (int, error) {
	if o.DefaultAlignment == 0 {
		return DefaultAlignment, nil
	}

	err := memutils.CheckPow2(o.DefaultAlignment, "CreateOptions.DefaultAlignment")
	if err != nil {
		return 0, err
	}

	return o.DefaultAlignment, nil
}

func (o *CreateOptions) validate() error {
	if o.Type > AllocatorTypeMallocFree {
		return errors.Newf("unknown allocator type %d", o.Type)
	}
	if o.MemoryLimit < 0 {
		return errors.Newf("CreateOptions.MemoryLimit must not be negative, but was %d", o.MemoryLimit)
	}
	if o.DefaultBlockSize < 0 {
		return errors.Wrapf(ErrInvalidBlockSize, "CreateOptions.DefaultBlockSize was %d", o.DefaultBlockSize)
	}

	_, err := o.alignment()
	return err
}

// blockSizeFor resolves the size of new blocks for affinity, falling back to defaults
func (o *CreateOptions) blockSizeFor(affinity Affinity, defaults map[Affinity]int, fallback int) int {
	if size, ok := o.BlockSizes[affinity]; ok {
		return size
	}
	if size, ok := defaults[affinity]; ok {
		return size
	}
	if o.DefaultBlockSize > 0 {
		return o.DefaultBlockSize
	}
	return fallback
}
