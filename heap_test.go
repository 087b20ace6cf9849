package hostmem

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func heapJson(t *testing.T, heap *heapAllocations) map[string]any {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	heapObj := obj.Name("Heap").Object()
	heap.PrintJson(heapObj)
	heapObj.End()
	obj.End()

	require.NoError(t, writer.Error())
	require.True(t, json.Valid(writer.Bytes()), string(writer.Bytes()))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))
	return parsed["Heap"].(map[string]any)
}

func TestHeapAllocationsJson(t *testing.T) {
	heap := newHeapAllocations(testLogger(), DefaultAlignment, true, newMemoryBudget(0))

	empty := heapJson(t, heap)
	require.Equal(t, float64(0), empty["LiveCount"])
	require.Contains(t, empty, "Stats")

	live := heap.Allocate(100, AffinityData, false)
	retained := heap.Allocate(200, AffinityNodes, false)
	require.NotNil(t, live)
	require.NotNil(t, retained)

	owned, err := heap.Deallocate(retained, 200)
	require.NoError(t, err)
	require.True(t, owned)

	written := heapJson(t, heap)
	require.Equal(t, float64(1), written["LiveCount"])
	require.Equal(t, float64(100), written["LiveBytes"])
	require.Equal(t, float64(1), written["RetainedCount"])
	require.Equal(t, float64(200), written["RetainedBytes"])

	stats := written["Stats"].(map[string]any)
	require.Equal(t, float64(2), stats["BlockCount"])
	require.Equal(t, float64(1), stats["AllocationCount"])

	require.NoError(t, heap.Validate())
	require.ErrorIs(t, heap.Destroy(), ErrUnreleasedMemory)
}

func TestHeapAllocationsRejectHugeRequests(t *testing.T) {
	heap := newHeapAllocations(testLogger(), DefaultAlignment, false, newMemoryBudget(0))

	require.Nil(t, heap.Allocate(maxAllocationSize+1, AffinityObjects, false))
	require.Nil(t, heap.Allocate(maxInt-4, AffinityObjects, false))
	require.Nil(t, heap.Allocate(maxInt, AffinityObjects, true))
	require.Zero(t, heap.LiveCount())
	require.NoError(t, heap.Validate())
}
