package hostmem

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/metadata"
)

// memoryBlock is one arena of an OriginalBlockAllocator pool. The arena's free ranges are tracked
// by a metadata.BlockMetadata keyed by byte offset.
type memoryBlock struct {
	id       int
	affinity Affinity
	logger   *slog.Logger

	region   *sysmem.Region
	metadata metadata.BlockMetadata
}

func newMemoryBlock(logger *slog.Logger, id int, affinity Affinity, region *sysmem.Region, size int) *memoryBlock {
	if region.Size() < size {
		panic("attempting to initialize a memory block with a region smaller than the block")
	}

	block := &memoryBlock{
		id:       id,
		affinity: affinity,
		logger:   logger,
		region:   region,
		metadata: metadata.NewTLSFBlockMetadata(),
	}
	block.metadata.Init(size)

	return block
}

func (b *memoryBlock) Base() uintptr { return b.region.Base() }
func (b *memoryBlock) Size() int     { return b.metadata.Size() }

// Within reports whether address lies inside this block's arena
func (b *memoryBlock) Within(address uintptr) bool {
	return address >= b.Base() && address < b.Base()+uintptr(b.Size())
}

// Allocate carves size bytes out of the arena. size must already include the debug margin and be
// rounded to alignment.
func (b *memoryBlock) Allocate(size int, alignment int) unsafe.Pointer {
	offset, ok := b.metadata.Allocate(size, alignment)
	if !ok {
		return nil
	}

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(b.region.Pointer(), offset+size-memutils.DebugMargin)
	}

	return b.region.At(offset)
}

// Deallocate returns the allocation at ptr to the arena. A non-zero size must match the size the
// allocation was made with.
func (b *memoryBlock) Deallocate(ptr unsafe.Pointer, size int) error {
	offset := b.region.Offset(ptr)

	recordedSize, ok := b.metadata.AllocationSize(offset)
	if !ok {
		return errors.Mark(errors.Newf("%p is not the start of a live allocation in block %d", ptr, b.id), ErrInvalidFree)
	}
	if size != 0 && size != recordedSize {
		return errors.Mark(errors.Newf("allocation at %p has size %d, but was deallocated with size %d", ptr, recordedSize, size), ErrInvalidFree)
	}

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(b.region.Pointer(), offset+recordedSize-memutils.DebugMargin) {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "memory corruption detected after allocation",
			slog.Int("block.id", b.id),
			slog.Int("offset", offset),
			slog.Int("size", recordedSize))
	}

	_, err := b.metadata.Free(offset)
	return err
}

func (b *memoryBlock) IsEmpty() bool {
	return b.metadata.IsEmpty()
}

func (b *memoryBlock) Validate() error {
	if b.region == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}
	if b.region.Size() < b.metadata.Size() {
		return errors.Newf("memory block %d manages %d bytes but its arena only holds %d", b.id, b.metadata.Size(), b.region.Size())
	}

	err := b.metadata.CheckCorruption(b.region.Pointer())
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

// Destroy returns the arena to source. Blocks with live allocations log them and are still released.
func (b *memoryBlock) Destroy(source *memorySource) error {
	var err error

	if !b.metadata.IsEmpty() {
		visitErr := b.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
			if free {
				return nil
			}

			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.String("affinity", b.affinity.String()),
				slog.Int("block.id", b.id),
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
			return nil
		})
		if visitErr != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", visitErr))
		}

		err = ErrUnreleasedMemory
	}

	if b.region == nil {
		panic("attempting to destroy a memory block, but it did not have a backing arena")
	}

	releaseErr := source.Release(b.affinity, b.region)
	if releaseErr != nil {
		err = errors.CombineErrors(err, releaseErr)
	}

	b.region = nil
	b.metadata = nil
	return err
}
