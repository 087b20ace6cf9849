package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
)

// BlockMetadata tracks the free and allocated byte ranges of a single contiguous block of memory.
// It never touches the memory itself: allocations are expressed as offsets from the start of the
// block, and it is the consumer's job to turn those offsets into addresses.
//
// Implementations must merge physically adjacent free ranges so that a block whose allocations
// have all been freed again consists of a single free range.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. The size parameter is the size in bytes
	// of the block that will be managed.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of live allocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free ranges in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block
	SumFreeSize() int
	// IsEmpty returns true if the block has no live allocations
	IsEmpty() bool

	// Allocate reserves size bytes at an offset that is a multiple of alignment. It returns
	// false if no free range can hold the request.
	Allocate(size int, alignment int) (offset int, ok bool)
	// Free releases the allocation that starts at offset and returns its size. An error is returned
	// if offset is not the start of a live allocation.
	Free(offset int) (int, error)
	// AllocationSize returns the size of the live allocation starting at offset, if there is one
	AllocationSize(offset int) (int, bool)

	// VisitAllRegions calls the provided callback once for each allocation and free range in the
	// block, in order of increasing offset.
	VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error

	// AddDetailedStatistics sums this block's statistics into the provided memutils.DetailedStatistics
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's statistics into the provided memutils.Statistics
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the memory this block manages and verifies the guard
	// values that consumers write after each allocation when memutils.DebugMargin is not 0.
	CheckCorruption(blockData unsafe.Pointer) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// WriteBlockJson populates a json object with the summary values every implementation can provide
func (m *BlockMetadataBase) WriteBlockJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
