package hostmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

const intrusiveDefaultBlockSize = 256 * kibibyte

var intrusiveDefaultBlockSizes = map[Affinity]int{
	AffinityObjects: intrusiveDefaultBlockSize,
	AffinityData:    intrusiveDefaultBlockSize,
	AffinityNodes:   intrusiveDefaultBlockSize,
	AffinityPhysics: intrusiveDefaultBlockSize,
}

// IntrusiveAllocator serves each affinity from a pool of blocks that keep their bookkeeping inside
// the memory they manage. Every block is an array of elements the size of the allocator's
// alignment, so a block holds at most 32766 elements and requests too large for a block are served
// from the Go heap instead.
//
// Freed slots are merged with the free slot that follows them, and a block whose last allocation
// is freed returns to a single free slot.
type IntrusiveAllocator struct {
	*allocatorCore

	elementSize int
}

var _ Allocator = &IntrusiveAllocator{}

// NewIntrusiveAllocator creates a new IntrusiveAllocator
//
// logger - The logger that will receive diagnostics. A nil logger discards them.
//
// nested - The allocator that will receive deallocations for memory this allocator did not serve,
// usually the allocator this one replaces. It may be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewIntrusiveAllocator(logger *slog.Logger, nested Allocator, options CreateOptions) (*IntrusiveAllocator, error) {
	alignment, err := options.alignment()
	if err != nil {
		return nil, err
	}

	allocator := &IntrusiveAllocator{
		allocatorCore: &allocatorCore{},
		// The element header is 4 bytes
		elementSize: max(alignment, 4),
	}

	err = allocator.init(allocator, logger, nested, options, strategy{
		name:              "IntrusiveAllocator",
		defaultBlockSizes: intrusiveDefaultBlockSizes,
		fallbackBlockSize: intrusiveDefaultBlockSize,
		newPool: func(affinity Affinity, blockSize int) blockPool {
			return newIntrusiveBlockList(allocator.logger, allocator.source, affinity, blockSize, allocator.elementSize)
		},
		validateBlockSize: func(size int) error {
			minimum := (minimumSlotSpan + 2) * allocator.elementSize
			if size < minimum {
				return errors.Wrapf(ErrInvalidBlockSize, "%d cannot hold a single slot of %d-byte elements, the minimum is %d",
					size, allocator.elementSize, minimum)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	return allocator, nil
}

// ElementSize is the granularity in bytes of every slot the allocator hands out
func (a *IntrusiveAllocator) ElementSize() int {
	return a.elementSize
}
