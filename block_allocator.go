package hostmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

var originalDefaultBlockSizes = map[Affinity]int{
	AffinityObjects: mebibyte,
	AffinityData:    16 * mebibyte,
	AffinityNodes:   mebibyte,
	AffinityPhysics: mebibyte,
}

// OriginalBlockAllocator serves each affinity from a pool of blocks whose free ranges are tracked
// by offset. Freed ranges are merged with their free neighbours immediately, and a request larger
// than the pool's block size is given a block of its own.
type OriginalBlockAllocator struct {
	*allocatorCore
}

var _ Allocator = &OriginalBlockAllocator{}

// NewOriginalBlockAllocator creates a new OriginalBlockAllocator
//
// logger - The logger that will receive diagnostics. A nil logger discards them.
//
// nested - The allocator that will receive deallocations for memory this allocator did not serve,
// usually the allocator this one replaces. It may be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func NewOriginalBlockAllocator(logger *slog.Logger, nested Allocator, options CreateOptions) (*OriginalBlockAllocator, error) {
	allocator := &OriginalBlockAllocator{allocatorCore: &allocatorCore{}}

	err := allocator.init(allocator, logger, nested, options, strategy{
		name:              "OriginalBlockAllocator",
		defaultBlockSizes: originalDefaultBlockSizes,
		fallbackBlockSize: mebibyte,
		newPool: func(affinity Affinity, blockSize int) blockPool {
			return newMemoryBlockList(allocator.logger, allocator.source, affinity, blockSize, allocator.alignment)
		},
		validateBlockSize: func(size int) error {
			if size < allocator.alignment {
				return errors.Wrapf(ErrInvalidBlockSize, "%d is smaller than the alignment %d", size, allocator.alignment)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	return allocator, nil
}
