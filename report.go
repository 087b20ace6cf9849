package hostmem

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
)

// BuildStatsString returns a JSON summary of the allocator. When detailed is true, every block
// and every range within it is listed.
func (a *allocatorCore) BuildStatsString(detailed bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	a.printStatsWithLock(&writer, detailed)
	return string(writer.Bytes())
}

func (a *allocatorCore) Report(w io.Writer) error {
	a.mutex.RLock()
	writer := jwriter.NewWriter()
	a.printStatsWithLock(&writer, true)
	a.mutex.RUnlock()

	err := writer.Error()
	if err != nil {
		return errors.Wrap(err, "failed to build allocator report")
	}

	_, err = w.Write(writer.Bytes())
	return errors.Wrap(err, "failed to write allocator report")
}

func (a *allocatorCore) printStatsWithLock(writer *jwriter.Writer, detailed bool) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Allocator").String(a.name)
	obj.Name("AllocatorType").String(a.allocatorType.String())
	obj.Name("MemoryTracking").String(a.MemoryTracking().String())
	obj.Name("DefaultAlignment").Int(a.alignment)
	obj.Name("InvalidFrees").Int(a.InvalidFrees())

	if a.budget.Limit() > 0 {
		obj.Name("MemoryLimit").Int(a.budget.Limit())
		obj.Name("MemoryUsed").Int(a.budget.Used())
	}

	if a.nested != nil {
		obj.Name("Nested").String(fmt.Sprintf("%T", a.nested))
	}

	var total memutils.DetailedStatistics
	total.Clear()

	affinitiesObj := obj.Name("Affinities").Object()
	_ = a.visitPools(func(pool blockPool) error {
		var stats memutils.DetailedStatistics
		stats.Clear()
		pool.AddDetailedStatistics(&stats)
		total.AddDetailedStatistics(&stats)

		poolObj := affinitiesObj.Name(pool.Affinity().String()).Object()
		defer poolObj.End()

		statsObj := poolObj.Name("Stats").Object()
		stats.PrintJson(statsObj)
		statsObj.End()

		var heapStats memutils.DetailedStatistics
		heapStats.Clear()
		a.heap.AddAffinityStatistics(pool.Affinity(), &heapStats)
		if heapStats.BlockCount > 0 {
			heapStatsObj := poolObj.Name("HeapStats").Object()
			heapStats.PrintJson(heapStatsObj)
			heapStatsObj.End()
		}

		if detailed {
			pool.PrintDetailedMap(poolObj)
		} else {
			poolObj.Name("BlockSize").Int(pool.BlockSize())
			poolObj.Name("BlockCount").Int(pool.BlockCount())
		}

		return nil
	})
	affinitiesObj.End()

	var heapStats memutils.DetailedStatistics
	heapStats.Clear()
	a.heap.AddDetailedStatistics(&heapStats)
	total.AddDetailedStatistics(&heapStats)

	heapObj := obj.Name("Heap").Object()
	a.heap.PrintJson(heapObj)
	heapObj.End()

	totalObj := obj.Name("Total").Object()
	total.PrintJson(totalObj)
	totalObj.End()
}
