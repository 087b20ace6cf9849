package hostmem

import (
	"math/bits"
	"strings"
)

type flagType interface {
	~uint32
}

// flagStringMapping renders bitflag values as pipe-separated names
type flagStringMapping[T flagType] struct {
	names map[T]string
}

func newFlagStringMapping[T flagType]() *flagStringMapping[T] {
	return &flagStringMapping[T]{names: make(map[T]string)}
}

func (m *flagStringMapping[T]) register(flag T, name string) {
	m.names[flag] = name
}

func (m *flagStringMapping[T]) flagsToString(value T) string {
	if value == 0 {
		return "None"
	}

	var sb strings.Builder
	for remaining := uint32(value); remaining != 0; {
		bit := T(uint32(1) << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		if sb.Len() > 0 {
			sb.WriteByte('|')
		}

		name, ok := m.names[bit]
		if !ok {
			name = "Unknown"
		}
		sb.WriteString(name)
	}

	return sb.String()
}

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags uint32

var createFlagsMapping = newFlagStringMapping[CreateFlags]()

func (f CreateFlags) String() string {
	return createFlagsMapping.flagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized
	// by some other mechanism, but performance may improve because internal mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

// MemoryTracking selects the per-operation instrumentation an allocator performs
type MemoryTracking uint32

var memoryTrackingMapping = newFlagStringMapping[MemoryTracking]()

func (t MemoryTracking) String() string {
	return memoryTrackingMapping.flagsToString(t)
}

const (
	MemoryTrackingNone MemoryTracking = 0
	// MemoryTrackingReportActions logs every allocate and deallocate at debug level
	MemoryTrackingReportActions MemoryTracking = 1 << (iota - 1)
	// MemoryTrackingCheckActions validates the allocator after every allocate and deallocate. This is
	// very slow and intended for tracking down corruption.
	MemoryTrackingCheckActions
	// MemoryTrackingProfile accumulates the time spent allocating and deallocating
	MemoryTrackingProfile
)

// AllocatorType selects where an allocator obtains memory from
type AllocatorType uint32

const (
	// AllocatorTypePooled serves requests from per-affinity block pools. Requests the pools cannot
	// serve fall back to the Go heap.
	AllocatorTypePooled AllocatorType = iota
	// AllocatorTypeNoDelete serves every request from the Go heap and never gives memory back:
	// deallocated memory is retained until the allocator is destroyed.
	AllocatorTypeNoDelete
	// AllocatorTypeNewDelete serves every request from the Go heap, bypassing the pools
	AllocatorTypeNewDelete
	// AllocatorTypeMallocFree serves every request from memory obtained directly from the
	// operating system, bypassing the pools
	AllocatorTypeMallocFree
)

var allocatorTypeNames = map[AllocatorType]string{
	AllocatorTypePooled:     "AllocatorTypePooled",
	AllocatorTypeNoDelete:   "AllocatorTypeNoDelete",
	AllocatorTypeNewDelete:  "AllocatorTypeNewDelete",
	AllocatorTypeMallocFree: "AllocatorTypeMallocFree",
}

func (t AllocatorType) String() string {
	name, ok := allocatorTypeNames[t]
	if !ok {
		return "AllocatorTypeUnknown"
	}
	return name
}

func init() {
	createFlagsMapping.register(CreateExternallySynchronized, "CreateExternallySynchronized")

	memoryTrackingMapping.register(MemoryTrackingReportActions, "MemoryTrackingReportActions")
	memoryTrackingMapping.register(MemoryTrackingCheckActions, "MemoryTrackingCheckActions")
	memoryTrackingMapping.register(MemoryTrackingProfile, "MemoryTrackingProfile")
}
