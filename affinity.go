package hostmem

import "strconv"

// Affinity routes an allocation to an independent pool of blocks. Allocations with different
// affinities never share a block, which keeps unrelated categories of data from fragmenting each
// other and lets each category be sized and reported separately.
type Affinity uint32

const (
	AffinityObjects Affinity = iota
	AffinityData
	AffinityNodes
	AffinityPhysics

	// AffinityCount is the first value available for application-defined affinities. Pools for
	// application-defined affinities are created on first use with the allocator's default block size.
	AffinityCount
)

var affinityNames = map[Affinity]string{
	AffinityObjects: "OBJECTS",
	AffinityData:    "DATA",
	AffinityNodes:   "NODES",
	AffinityPhysics: "PHYSICS",
}

func (a Affinity) String() string {
	name, ok := affinityNames[a]
	if ok {
		return name
	}

	return "AFFINITY_" + strconv.FormatUint(uint64(a), 10)
}

// Builtin reports whether the affinity is one of the predefined affinities
func (a Affinity) Builtin() bool {
	return a < AffinityCount
}
