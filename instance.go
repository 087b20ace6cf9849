package hostmem

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// installedAllocator is the value of the process-wide instance. A nil allocator means the instance
// was explicitly uninstalled.
type installedAllocator struct {
	allocator Allocator
}

var (
	installMutex sync.Mutex
	installed    atomic.Pointer[installedAllocator]

	fallbackHeap = newProcessHeap()
)

// Instance returns the process-wide allocator, creating a default IntrusiveAllocator the first
// time it is called. It returns nil if the instance was uninstalled with SetInstance(nil).
func Instance() Allocator {
	current := installed.Load()
	if current != nil {
		return current.allocator
	}

	installMutex.Lock()
	defer installMutex.Unlock()

	current = installed.Load()
	if current != nil {
		return current.allocator
	}

	allocator, err := NewIntrusiveAllocator(slog.Default(), nil, CreateOptions{})
	if err != nil {
		// The default options are always valid
		panic(errors.Wrap(err, "failed to create the default allocator"))
	}

	installed.Store(&installedAllocator{allocator: allocator})
	return allocator
}

// SetInstance installs allocator as the process-wide instance and returns the one it replaces,
// which may be nil. Installing nil routes Allocate and Deallocate to the Go heap. The caller
// becomes responsible for the previous allocator unless it is the new allocator's nested allocator.
func SetInstance(allocator Allocator) (Allocator, error) {
	var previous Allocator
	err := ReplaceInstance(func(current Allocator) (Allocator, error) {
		previous = current
		return allocator, nil
	})
	if err != nil {
		return nil, err
	}

	return previous, nil
}

// ReplaceInstance calls replace with the current process-wide instance and installs the allocator
// it returns. No other goroutine can install an allocator until replace returns, so the previous
// instance can safely be handed to the new allocator as its nested allocator:
//
//	err := hostmem.ReplaceInstance(func(previous hostmem.Allocator) (hostmem.Allocator, error) {
//		return hostmem.NewOriginalBlockAllocator(logger, previous, hostmem.CreateOptions{})
//	})
//
// If replace returns an error or an allocator whose nested chain loops back on itself, the current
// instance is kept.
func ReplaceInstance(replace func(previous Allocator) (Allocator, error)) error {
	installMutex.Lock()
	defer installMutex.Unlock()

	var previous Allocator
	if current := installed.Load(); current != nil {
		previous = current.allocator
	}

	next, err := replace(previous)
	if err != nil {
		return err
	}

	err = checkNestedChain(next)
	if err != nil {
		return err
	}

	installed.Store(&installedAllocator{allocator: next})
	return nil
}

func checkNestedChain(allocator Allocator) error {
	visited := make(map[Allocator]struct{})

	for current := allocator; current != nil; current = current.Nested() {
		if _, seen := visited[current]; seen {
			return errors.Wrapf(ErrAllocatorCycle, "%T is nested inside itself", current)
		}
		visited[current] = struct{}{}
	}

	return nil
}

// Allocate serves size bytes from the process-wide instance, or from the Go heap if the instance
// was uninstalled
func Allocate(size int, affinity Affinity) unsafe.Pointer {
	allocator := Instance()
	if allocator == nil {
		return fallbackHeap.Allocate(size, affinity)
	}

	return allocator.Allocate(size, affinity)
}

// Deallocate returns memory obtained from Allocate. Memory that was served while the instance was
// uninstalled can still be deallocated after an allocator is installed.
func Deallocate(ptr unsafe.Pointer, size int) bool {
	if ptr == nil {
		return true
	}

	current := installed.Load()
	if current == nil || current.allocator == nil {
		return fallbackHeap.Deallocate(ptr, size)
	}

	if fallbackHeap.Owns(ptr) {
		return fallbackHeap.Deallocate(ptr, size)
	}

	return current.allocator.Deallocate(ptr, size)
}

// processHeap serves the global functions while no instance is installed
type processHeap struct {
	mutex sync.Mutex
	heap  *heapAllocations
	live  atomic.Int64
}

func newProcessHeap() *processHeap {
	return &processHeap{
		heap: newHeapAllocations(discardLogger(), DefaultAlignment, false, newMemoryBudget(0)),
	}
}

func (p *processHeap) Allocate(size int, affinity Affinity) unsafe.Pointer {
	if size < 0 {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	ptr := p.heap.Allocate(max(size, 1), affinity, false)
	if ptr != nil {
		p.live.Add(1)
	}
	return ptr
}

func (p *processHeap) Owns(ptr unsafe.Pointer) bool {
	if p.live.Load() == 0 {
		return false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.heap.Owns(ptr)
}

func (p *processHeap) Deallocate(ptr unsafe.Pointer, size int) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	owned, err := p.heap.Deallocate(ptr, size)
	if err != nil {
		slog.Default().LogAttrs(context.Background(), slog.LevelWarn, "invalid deallocation",
			slog.String("address", formatPointer(ptr)),
			slog.Int("size", size),
			slog.Any("error", err))
		return false
	}

	if owned {
		p.live.Add(-1)
	}
	return owned
}
