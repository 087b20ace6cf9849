package hostmem

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
	"golang.org/x/sync/semaphore"
)

// memoryBudget enforces CreateOptions.MemoryLimit across every source of memory an allocator uses
type memoryBudget struct {
	limit int64
	sem   *semaphore.Weighted
	used  atomic.Int64
}

func newMemoryBudget(limit int) *memoryBudget {
	budget := &memoryBudget{limit: int64(limit)}
	if limit > 0 {
		budget.sem = semaphore.NewWeighted(int64(limit))
	}
	return budget
}

func (b *memoryBudget) Reserve(size int) bool {
	if b.sem != nil && !b.sem.TryAcquire(int64(size)) {
		return false
	}

	b.used.Add(int64(size))
	return true
}

func (b *memoryBudget) Release(size int) {
	if b.sem != nil {
		b.sem.Release(int64(size))
	}
	b.used.Add(-int64(size))
}

func (b *memoryBudget) Used() int  { return int(b.used.Load()) }
func (b *memoryBudget) Limit() int { return int(b.limit) }

var errBudgetExceeded = errors.New("memory limit exceeded")

// memorySource obtains block arenas from the operating system on behalf of the pools
type memorySource struct {
	budget    *memoryBudget
	callbacks *memoryCallbacks
}

func (s *memorySource) Acquire(affinity Affinity, size int) (*sysmem.Region, error) {
	reserveSize := (size + sysmem.PageSize() - 1) &^ (sysmem.PageSize() - 1)
	if !s.budget.Reserve(reserveSize) {
		return nil, errors.Wrapf(errBudgetExceeded, "could not reserve %d bytes for %s", reserveSize, affinity)
	}

	region, err := sysmem.Reserve(size)
	if err != nil {
		s.budget.Release(reserveSize)
		return nil, err
	}

	s.callbacks.Allocate(affinity, region.Pointer(), region.Size())
	return region, nil
}

func (s *memorySource) Release(affinity Affinity, region *sysmem.Region) error {
	size := region.Size()
	s.callbacks.Free(affinity, region.Pointer(), size)

	err := region.Release()
	s.budget.Release(size)
	return err
}
