// Package hostmem is a process-wide host memory allocator. Memory is partitioned by Affinity into
// independent pools of large blocks, and each block is carved up by one of two strategies:
// OriginalBlockAllocator, which tracks free ranges by offset and merges them as they are freed, and
// IntrusiveAllocator, which threads size-segregated free lists through the blocks themselves.
//
// Memory returned by an allocator is raw bytes that may live outside the Go heap. It must never be
// used to store Go pointers, since the garbage collector cannot see it.
package hostmem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

// Allocator is the contract every host memory allocator fulfills. All methods may be called
// concurrently unless the allocator was created with CreateExternallySynchronized.
type Allocator interface {
	// Allocate returns size bytes of memory aligned to DefaultAlignment, tagged with affinity. It returns
	// nil if the request cannot be satisfied and never panics.
	Allocate(size int, affinity Affinity) unsafe.Pointer
	// Deallocate returns memory obtained from Allocate. size may be 0, in which case the size recorded
	// for ptr is used. Deallocating nil succeeds. Pointers this allocator does not own are passed to the
	// nested allocator, and false is returned if nothing in the chain owns ptr.
	Deallocate(ptr unsafe.Pointer, size int) bool
	// DeleteEmptyMemoryBlocks releases every block with no live allocations and returns the number of
	// blocks released. It is never called implicitly.
	DeleteEmptyMemoryBlocks() int

	// TotalAvailableSize is the number of bytes owned by the allocator that are not handed out
	TotalAvailableSize() int
	// TotalReservedSize is the number of bytes owned by the allocator that are handed out
	TotalReservedSize() int
	// TotalMemorySize is the number of bytes owned by the allocator
	TotalMemorySize() int
	// CalculateStatistics fills stats with per-affinity and total statistics
	CalculateStatistics(stats *TotalStatistics)

	SetMemoryTracking(tracking MemoryTracking)
	MemoryTracking() MemoryTracking
	// SetBlockSize changes the size of blocks created for affinity from now on. Existing blocks
	// are unaffected.
	SetBlockSize(affinity Affinity, size int) error
	BlockSize(affinity Affinity) int

	// Report writes a JSON dump of every pool and block to w. The format is intended for humans and
	// may change.
	Report(w io.Writer) error
	// Validate checks the internal consistency of the allocator and returns an error describing
	// the first problem found
	Validate() error

	// Nested returns the allocator that receives deallocations for memory this allocator does not own
	Nested() Allocator
	// Destroy releases every block owned by this allocator and then destroys the nested allocator.
	// ErrUnreleasedMemory is returned if live allocations remained.
	Destroy() error

	AllocatorType() AllocatorType
	DefaultAlignment() int
	// AllocationTime is the time spent in Allocate while MemoryTrackingProfile was enabled
	AllocationTime() time.Duration
	// DeallocationTime is the time spent in Deallocate while MemoryTrackingProfile was enabled
	DeallocationTime() time.Duration
}

// blockPool is the per-affinity collection of blocks behind an allocator strategy
type blockPool interface {
	Affinity() Affinity
	BlockSize() int
	SetBlockSize(size int)
	BlockCount() int
	// MaxAllocationSize is the largest request the pool serves, 0 if it serves requests of any size
	MaxAllocationSize() int
	// RoundedSize is the number of bytes the pool reserves to serve a request of size bytes
	RoundedSize(size int) int

	Allocate(size int) unsafe.Pointer
	// Within reports whether ptr lies inside one of the pool's blocks
	Within(ptr unsafe.Pointer) bool
	// Deallocate returns owned=false if ptr does not lie within any of the pool's blocks
	Deallocate(ptr unsafe.Pointer, size int) (owned bool, err error)
	DeleteEmptyBlocks() (count int, bytes int, err error)

	AddStatistics(stats *memutils.Statistics)
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	PrintDetailedMap(json jwriter.ObjectState)
	Validate() error
	Destroy() error
}

// strategy holds the parts of an allocator that differ between OriginalBlockAllocator and
// IntrusiveAllocator
type strategy struct {
	name              string
	defaultBlockSizes map[Affinity]int
	fallbackBlockSize int

	newPool           func(affinity Affinity, blockSize int) blockPool
	validateBlockSize func(size int) error
}

type allocatorCore struct {
	strategy

	logger        *slog.Logger
	mutex         *utils.OptionalRWMutex
	allocatorType AllocatorType
	tracking      atomic.Uint32
	alignment     int
	options       CreateOptions

	builtinPools [AffinityCount]blockPool
	customPools  map[Affinity]blockPool
	heap         *heapAllocations
	budget       *memoryBudget
	source       *memorySource
	nested       Allocator
	destroyed    bool

	invalidFrees       atomic.Int64
	invalidFreeLimiter *rate.Limiter
	allocationTime     atomic.Int64
	deallocationTime   atomic.Int64
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (a *allocatorCore) init(self Allocator, logger *slog.Logger, nested Allocator, options CreateOptions, s strategy) error {
	err := options.validate()
	if err != nil {
		return err
	}

	a.alignment, err = options.alignment()
	if err != nil {
		return err
	}

	if logger == nil {
		logger = discardLogger()
	}

	a.strategy = s
	a.logger = logger.With(slog.String("allocator", s.name))
	a.mutex = utils.NewOptionalRWMutex(options.Flags&CreateExternallySynchronized == 0)
	a.allocatorType = options.Type
	a.tracking.Store(uint32(options.MemoryTracking))
	a.options = options
	a.nested = nested
	a.invalidFreeLimiter = rate.NewLimiter(rate.Every(time.Second), 10)

	a.budget = newMemoryBudget(options.MemoryLimit)
	a.source = &memorySource{
		budget: a.budget,
		callbacks: &memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: self,
		},
	}
	a.heap = newHeapAllocations(a.logger, a.alignment, options.Type == AllocatorTypeNoDelete, a.budget)
	a.customPools = make(map[Affinity]blockPool)

	for affinity, size := range options.BlockSizes {
		err = a.validateBlockSize(size)
		if err != nil {
			return errors.Wrapf(err, "CreateOptions.BlockSizes[%s]", affinity)
		}
	}
	if options.DefaultBlockSize > 0 {
		err = a.validateBlockSize(options.DefaultBlockSize)
		if err != nil {
			return errors.Wrap(err, "CreateOptions.DefaultBlockSize")
		}
	}

	for affinity := AffinityObjects; affinity < AffinityCount; affinity++ {
		a.builtinPools[affinity] = a.newPool(affinity, a.options.blockSizeFor(affinity, a.defaultBlockSizes, a.fallbackBlockSize))
	}

	return nil
}

func (a *allocatorCore) poolWithLock(affinity Affinity) blockPool {
	if affinity < AffinityCount {
		return a.builtinPools[affinity]
	}

	pool, ok := a.customPools[affinity]
	if !ok {
		pool = a.newPool(affinity, a.options.blockSizeFor(affinity, a.defaultBlockSizes, a.fallbackBlockSize))
		a.customPools[affinity] = pool
	}

	return pool
}

// visitPools calls visit for every pool in affinity order
func (a *allocatorCore) visitPools(visit func(pool blockPool) error) error {
	for _, pool := range a.builtinPools {
		err := visit(pool)
		if err != nil {
			return err
		}
	}

	if len(a.customPools) == 0 {
		return nil
	}

	affinities := make([]Affinity, 0, len(a.customPools))
	for affinity := range a.customPools {
		affinities = append(affinities, affinity)
	}
	slices.Sort(affinities)

	for _, affinity := range affinities {
		err := visit(a.customPools[affinity])
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *allocatorCore) Allocate(size int, affinity Affinity) unsafe.Pointer {
	if size < 0 || size > maxAllocationSize {
		return nil
	}
	if size == 0 {
		size = 1
	}

	tracking := a.MemoryTracking()
	var start time.Time
	if tracking&MemoryTrackingProfile != 0 {
		start = time.Now()
	}

	a.mutex.Lock()
	ptr := a.allocateWithLock(size, affinity)
	if tracking&MemoryTrackingCheckActions != 0 {
		a.checkWithLock("allocate")
	}
	a.mutex.Unlock()

	if tracking&MemoryTrackingProfile != 0 {
		a.allocationTime.Add(int64(time.Since(start)))
	}

	if tracking&MemoryTrackingReportActions != 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Allocate",
			slog.Int("size", size),
			slog.String("affinity", affinity.String()),
			slog.String("address", formatPointer(ptr)),
		)
	}

	return ptr
}

func (a *allocatorCore) allocateWithLock(size int, affinity Affinity) unsafe.Pointer {
	if a.destroyed {
		return nil
	}

	switch a.allocatorType {
	case AllocatorTypeNewDelete, AllocatorTypeNoDelete:
		return a.heap.Allocate(size, affinity, false)
	case AllocatorTypeMallocFree:
		return a.heap.Allocate(size, affinity, true)
	}

	pool := a.poolWithLock(affinity)
	if maxSize := pool.MaxAllocationSize(); maxSize > 0 && size > maxSize {
		return a.heap.Allocate(size, affinity, false)
	}

	ptr := pool.Allocate(size)
	memutils.DebugValidate(pool)
	if ptr != nil {
		return ptr
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Pool could not serve request, falling back to heap",
		slog.Int("size", size),
		slog.String("affinity", affinity.String()))
	return a.heap.Allocate(size, affinity, false)
}

func (a *allocatorCore) Deallocate(ptr unsafe.Pointer, size int) bool {
	if ptr == nil {
		return true
	}

	tracking := a.MemoryTracking()
	var start time.Time
	if tracking&MemoryTrackingProfile != 0 {
		start = time.Now()
	}

	a.mutex.Lock()
	owned, err := a.deallocateWithLock(ptr, size)
	if tracking&MemoryTrackingCheckActions != 0 {
		a.checkWithLock("deallocate")
	}
	a.mutex.Unlock()

	if tracking&MemoryTrackingProfile != 0 {
		a.deallocationTime.Add(int64(time.Since(start)))
	}

	if tracking&MemoryTrackingReportActions != 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Deallocate",
			slog.String("address", formatPointer(ptr)),
			slog.Int("size", size),
			slog.Bool("owned", owned),
		)
	}

	if owned {
		if err != nil {
			a.reportInvalidFree(ptr, size, err)
			return false
		}
		return true
	}

	if a.nested != nil {
		return a.nested.Deallocate(ptr, size)
	}

	a.reportInvalidFree(ptr, size, errors.Mark(errors.Newf("%p was not allocated by any allocator in the chain", ptr), ErrInvalidFree))
	return false
}

func (a *allocatorCore) deallocateWithLock(ptr unsafe.Pointer, size int) (bool, error) {
	owned, err := a.heap.Deallocate(ptr, size)
	if owned || a.allocatorType != AllocatorTypePooled {
		return owned, err
	}

	pool := a.owningPoolWithLock(ptr)
	if pool == nil {
		return false, nil
	}

	owned, err = pool.Deallocate(ptr, size)
	memutils.DebugValidate(pool)

	return owned, err
}

// owningPoolWithLock returns the pool whose blocks contain ptr, or nil
func (a *allocatorCore) owningPoolWithLock(ptr unsafe.Pointer) blockPool {
	var owner blockPool
	_ = a.visitPools(func(pool blockPool) error {
		if pool.Within(ptr) {
			owner = pool
			return errPoolFound
		}
		return nil
	})

	return owner
}

var errPoolFound = errors.New("pool found")

func (a *allocatorCore) reportInvalidFree(ptr unsafe.Pointer, size int, err error) {
	count := a.invalidFrees.Add(1)

	if a.invalidFreeLimiter.Allow() {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "invalid deallocation",
			slog.String("address", formatPointer(ptr)),
			slog.Int("size", size),
			slog.Int64("invalidFrees", count),
			slog.Any("error", err),
		)
	}
}

// InvalidFrees returns the number of deallocations this allocator rejected
func (a *allocatorCore) InvalidFrees() int {
	return int(a.invalidFrees.Load())
}

func (a *allocatorCore) checkWithLock(operation string) {
	err := a.validateWithLock()
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "allocator failed validation",
			slog.String("operation", operation),
			slog.Any("error", err))
	}
}

func (a *allocatorCore) DeleteEmptyMemoryBlocks() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	totalCount := 0
	totalBytes := 0
	_ = a.visitPools(func(pool blockPool) error {
		count, bytes, err := pool.DeleteEmptyBlocks()
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release empty block",
				slog.String("affinity", pool.Affinity().String()),
				slog.Any("error", err))
		}
		totalCount += count
		totalBytes += bytes
		return nil
	})

	if totalCount > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::DeleteEmptyMemoryBlocks",
			slog.Int("blocks", totalCount),
			slog.Int("bytes", totalBytes))
	}

	return totalCount
}

func (a *allocatorCore) totals() memutils.Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.Statistics
	_ = a.visitPools(func(pool blockPool) error {
		pool.AddStatistics(&stats)
		return nil
	})
	a.heap.AddStatistics(&stats)

	return stats
}

func (a *allocatorCore) TotalAvailableSize() int {
	stats := a.totals()
	return stats.AvailableBytes()
}

func (a *allocatorCore) TotalReservedSize() int {
	stats := a.totals()
	return stats.AllocationBytes
}

func (a *allocatorCore) TotalMemorySize() int {
	stats := a.totals()
	return stats.BlockBytes
}

func (a *allocatorCore) CalculateStatistics(stats *TotalStatistics) {
	stats.Clear()

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_ = a.visitPools(func(pool blockPool) error {
		poolStats := stats.affinity(pool.Affinity())
		pool.AddDetailedStatistics(poolStats)
		stats.Total.AddDetailedStatistics(poolStats)
		return nil
	})

	a.heap.AddDetailedStatistics(&stats.Heap)
	stats.Total.AddDetailedStatistics(&stats.Heap)
}

func (a *allocatorCore) SetMemoryTracking(tracking MemoryTracking) {
	a.tracking.Store(uint32(tracking))
}

func (a *allocatorCore) MemoryTracking() MemoryTracking {
	return MemoryTracking(a.tracking.Load())
}

func (a *allocatorCore) SetBlockSize(affinity Affinity, size int) error {
	err := a.validateBlockSize(size)
	if err != nil {
		return errors.Wrapf(err, "block size for %s", affinity)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.poolWithLock(affinity).SetBlockSize(size)
	return nil
}

func (a *allocatorCore) BlockSize(affinity Affinity) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if affinity < AffinityCount {
		return a.builtinPools[affinity].BlockSize()
	}

	pool, ok := a.customPools[affinity]
	if ok {
		return pool.BlockSize()
	}

	return a.options.blockSizeFor(affinity, a.defaultBlockSizes, a.fallbackBlockSize)
}

// RoundedSize is the number of bytes the allocator reserves in TotalReservedSize to serve a
// request of size bytes with the given affinity. An intrusive slot that absorbed a single trailing
// element reserves one element more than this.
func (a *allocatorCore) RoundedSize(size int, affinity Affinity) int {
	if size <= 0 {
		size = 1
	}

	if a.allocatorType != AllocatorTypePooled || size > maxAllocationSize {
		return size
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	pool := a.poolWithLock(affinity)
	if maxSize := pool.MaxAllocationSize(); maxSize > 0 && size > maxSize {
		return size
	}

	return pool.RoundedSize(size)
}

func (a *allocatorCore) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.validateWithLock()
}

func (a *allocatorCore) validateWithLock() error {
	err := a.visitPools(func(pool blockPool) error {
		return errors.Wrapf(pool.Validate(), "pool %s", pool.Affinity())
	})
	if err != nil {
		return err
	}

	return errors.Wrap(a.heap.Validate(), "heap allocations")
}

func (a *allocatorCore) Nested() Allocator {
	return a.nested
}

func (a *allocatorCore) Destroy() error {
	a.mutex.Lock()

	var err error
	if !a.destroyed {
		_ = a.visitPools(func(pool blockPool) error {
			poolErr := pool.Destroy()
			if poolErr != nil {
				err = errors.CombineErrors(err, errors.Wrapf(poolErr, "pool %s", pool.Affinity()))
			}
			return nil
		})

		heapErr := a.heap.Destroy()
		if heapErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(heapErr, "heap allocations"))
		}

		a.destroyed = true
	}

	a.mutex.Unlock()

	if a.nested != nil {
		nestedErr := a.nested.Destroy()
		if nestedErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(nestedErr, "nested allocator"))
		}
	}

	return err
}

func (a *allocatorCore) AllocatorType() AllocatorType { return a.allocatorType }
func (a *allocatorCore) DefaultAlignment() int        { return a.alignment }

func (a *allocatorCore) AllocationTime() time.Duration {
	return time.Duration(a.allocationTime.Load())
}

func (a *allocatorCore) DeallocationTime() time.Duration {
	return time.Duration(a.deallocationTime.Load())
}

func formatPointer(ptr unsafe.Pointer) string {
	return formatAddress(uintptr(ptr))
}

func formatAddress(address uintptr) string {
	return fmt.Sprintf("%#x", address)
}
