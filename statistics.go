package hostmem

import "github.com/vkngwrapper/hostmem/memutils"

// TotalStatistics breaks an allocator's memory down by source. Affinities covers the block pools,
// Heap covers memory served outside the pools (large allocations, fallbacks and allocators that
// bypass their pools), and Total is the sum of both.
type TotalStatistics struct {
	Affinities map[Affinity]*memutils.DetailedStatistics
	Heap       memutils.DetailedStatistics
	Total      memutils.DetailedStatistics
}

func (s *TotalStatistics) Clear() {
	s.Affinities = make(map[Affinity]*memutils.DetailedStatistics)
	s.Heap.Clear()
	s.Total.Clear()
}

func (s *TotalStatistics) affinity(affinity Affinity) *memutils.DetailedStatistics {
	stats, ok := s.Affinities[affinity]
	if !ok {
		stats = &memutils.DetailedStatistics{}
		stats.Clear()
		s.Affinities[affinity] = stats
	}

	return stats
}
