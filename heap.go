package hostmem

import (
	"context"
	"log/slog"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
	"github.com/vkngwrapper/hostmem/memutils"
)

// maxAllocationSize is the largest request any allocator will attempt to serve: 64TiB on 64-bit
// platforms and 1GiB on 32-bit ones
const maxAllocationSize = 1 << (bits.UintSize/2 + 14)

type heapAllocation struct {
	buf      []byte
	region   *sysmem.Region
	size     int
	reserved int
	affinity Affinity
	live     bool
}

// heapAllocations tracks memory served outside the block pools: large allocations, pool fallbacks
// and every request made to allocators that bypass their pools. Entries are keyed by address.
type heapAllocations struct {
	logger    *slog.Logger
	alignment int
	// retain keeps deallocated memory alive until destroy
	retain bool
	budget *memoryBudget

	allocations *swiss.Map[uintptr, *heapAllocation]
	liveCount   int
	liveBytes   int
	deadCount   int
	deadBytes   int
}

func newHeapAllocations(logger *slog.Logger, alignment int, retain bool, budget *memoryBudget) *heapAllocations {
	return &heapAllocations{
		logger:      logger,
		alignment:   alignment,
		retain:      retain,
		budget:      budget,
		allocations: swiss.NewMap[uintptr, *heapAllocation](16),
	}
}

func (h *heapAllocations) LiveCount() int { return h.liveCount }

func (h *heapAllocations) Owns(ptr unsafe.Pointer) bool {
	_, ok := h.allocations.Get(uintptr(ptr))
	return ok
}

// Allocate serves size bytes from the Go heap, or from operating system memory when fromSystem is set
func (h *heapAllocations) Allocate(size int, affinity Affinity, fromSystem bool) unsafe.Pointer {
	if size < 0 || size > maxAllocationSize {
		return nil
	}

	// Small Go heap objects are not necessarily aligned to the allocator's alignment
	reserved := size + h.alignment
	if fromSystem {
		reserved = memutils.AlignUp(size, sysmem.PageSize())
	}

	if !h.budget.Reserve(reserved) {
		return nil
	}

	alloc := &heapAllocation{
		size:     size,
		reserved: reserved,
		affinity: affinity,
		live:     true,
	}

	var ptr unsafe.Pointer
	if fromSystem {
		region, err := sysmem.Reserve(size)
		if err != nil {
			h.budget.Release(reserved)
			h.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to obtain system memory",
				slog.Int("size", size),
				slog.Any("error", err))
			return nil
		}

		alloc.region = region
		ptr = region.Pointer()
	} else {
		alloc.buf = make([]byte, reserved)
		base := uintptr(unsafe.Pointer(&alloc.buf[0]))
		offset := memutils.AlignUp(base, uintptr(h.alignment)) - base
		ptr = unsafe.Pointer(&alloc.buf[offset])
	}

	h.allocations.Put(uintptr(ptr), alloc)
	h.liveCount++
	h.liveBytes += size

	return ptr
}

// Deallocate returns owned=false if ptr was not served by this table
func (h *heapAllocations) Deallocate(ptr unsafe.Pointer, size int) (owned bool, err error) {
	alloc, ok := h.allocations.Get(uintptr(ptr))
	if !ok {
		return false, nil
	}

	if !alloc.live {
		return true, errors.Mark(errors.Newf("heap allocation at %p was already deallocated", ptr), ErrInvalidFree)
	}

	if size != 0 && size != alloc.size {
		return true, errors.Mark(errors.Newf("heap allocation at %p has size %d, but was deallocated with size %d", ptr, alloc.size, size), ErrInvalidFree)
	}

	h.liveCount--
	h.liveBytes -= alloc.size

	if h.retain {
		alloc.live = false
		h.deadCount++
		h.deadBytes += alloc.size
		return true, nil
	}

	h.allocations.Delete(uintptr(ptr))
	return true, h.release(alloc)
}

func (h *heapAllocations) release(alloc *heapAllocation) error {
	h.budget.Release(alloc.reserved)
	alloc.buf = nil

	if alloc.region != nil {
		err := alloc.region.Release()
		alloc.region = nil
		return err
	}

	return nil
}

func (h *heapAllocations) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount += h.liveCount + h.deadCount
	stats.BlockBytes += h.liveBytes + h.deadBytes
	stats.AllocationCount += h.liveCount
	stats.AllocationBytes += h.liveBytes
}

func (h *heapAllocations) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.allocations.Iter(func(_ uintptr, alloc *heapAllocation) bool {
		stats.BlockCount++
		stats.BlockBytes += alloc.size

		if alloc.live {
			stats.AddAllocation(alloc.size)
		} else {
			stats.AddUnusedRange(alloc.size)
		}
		return false
	})
}

// AddAffinityStatistics sums the heap allocations made for affinity into stats
func (h *heapAllocations) AddAffinityStatistics(affinity Affinity, stats *memutils.DetailedStatistics) {
	h.allocations.Iter(func(_ uintptr, alloc *heapAllocation) bool {
		if alloc.affinity != affinity {
			return false
		}

		stats.BlockCount++
		stats.BlockBytes += alloc.size
		if alloc.live {
			stats.AddAllocation(alloc.size)
		} else {
			stats.AddUnusedRange(alloc.size)
		}
		return false
	})
}

func (h *heapAllocations) Validate() error {
	var liveCount, liveBytes, deadCount, deadBytes int
	var err error

	h.allocations.Iter(func(address uintptr, alloc *heapAllocation) bool {
		if alloc.buf == nil && alloc.region == nil {
			err = errors.Newf("heap allocation at %#x has no backing memory", address)
			return true
		}
		if address%uintptr(h.alignment) != 0 && alloc.region == nil {
			err = errors.Newf("heap allocation at %#x is not aligned to %d", address, h.alignment)
			return true
		}

		if alloc.live {
			liveCount++
			liveBytes += alloc.size
		} else {
			deadCount++
			deadBytes += alloc.size
		}
		return false
	})
	if err != nil {
		return err
	}

	if liveCount != h.liveCount || liveBytes != h.liveBytes {
		return errors.Newf("heap allocation table lists %d live allocations of %d bytes, but %d allocations of %d bytes were found",
			h.liveCount, h.liveBytes, liveCount, liveBytes)
	}
	if deadCount != h.deadCount || deadBytes != h.deadBytes {
		return errors.Newf("heap allocation table lists %d retained allocations of %d bytes, but %d allocations of %d bytes were found",
			h.deadCount, h.deadBytes, deadCount, deadBytes)
	}

	return nil
}

// PrintJson writes the table's counters and its detailed statistics as members of json
func (h *heapAllocations) PrintJson(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("LiveCount").Int(h.liveCount)
	json.Name("LiveBytes").Int(h.liveBytes)
	json.Name("RetainedCount").Int(h.deadCount)
	json.Name("RetainedBytes").Int(h.deadBytes)

	statsObj := json.Name("Stats").Object()
	stats.PrintJson(statsObj)
	statsObj.End()
}

// Destroy releases every entry, logging the ones that are still live
func (h *heapAllocations) Destroy() error {
	var err error

	h.allocations.Iter(func(address uintptr, alloc *heapAllocation) bool {
		if alloc.live {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed heap allocation",
				slog.String("address", formatAddress(address)),
				slog.Int("size", alloc.size),
				slog.String("affinity", alloc.affinity.String()),
			)
			err = ErrUnreleasedMemory
		}

		releaseErr := h.release(alloc)
		if releaseErr != nil {
			err = errors.CombineErrors(err, releaseErr)
		}
		return false
	})

	h.allocations.Clear()
	h.liveCount = 0
	h.liveBytes = 0
	h.deadCount = 0
	h.deadBytes = 0

	return err
}
