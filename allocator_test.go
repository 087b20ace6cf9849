package hostmem

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
	"github.com/vkngwrapper/hostmem/memutils"
	"golang.org/x/sync/errgroup"
)

type testAllocator interface {
	Allocator
	RoundedSize(size int, affinity Affinity) int
	InvalidFrees() int
	BuildStatsString(detailed bool) string

	poolWithLock(affinity Affinity) blockPool
	visitPools(visit func(pool blockPool) error) error
	owningPoolWithLock(ptr unsafe.Pointer) blockPool
}

type allocatorFactory func(logger *slog.Logger, nested Allocator, options CreateOptions) (testAllocator, error)

var allocatorFactories = map[string]allocatorFactory{
	"Original": func(logger *slog.Logger, nested Allocator, options CreateOptions) (testAllocator, error) {
		return NewOriginalBlockAllocator(logger, nested, options)
	},
	"Intrusive": func(logger *slog.Logger, nested Allocator, options CreateOptions) (testAllocator, error) {
		return NewIntrusiveAllocator(logger, nested, options)
	},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readyTestAllocator(t *testing.T, factory allocatorFactory, options CreateOptions) testAllocator {
	allocator, err := factory(testLogger(), nil, options)
	require.NoError(t, err)

	return allocator
}

func fill(ptr unsafe.Pointer, size int, value byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		data[i] = value
	}
}

func requireFilled(t *testing.T, ptr unsafe.Pointer, size int, value byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		if data[i] != value {
			require.Failf(t, "allocation was overwritten", "byte %d of %p is %d, expected %d", i, ptr, data[i], value)
		}
	}
}

func TestAllocatorRoundTrip(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			for _, size := range []int{1, 7, 8, 100, 4096, 100000, 4 * mebibyte} {
				ptr := allocator.Allocate(size, AffinityObjects)
				require.NotNil(t, ptr, "size %d", size)
				require.Zero(t, uintptr(ptr)%uintptr(DefaultAlignment))

				fill(ptr, size, 0xAB)
				require.NoError(t, allocator.Validate())
				require.True(t, allocator.Deallocate(ptr, size))
			}

			require.Equal(t, 0, allocator.TotalReservedSize())
			require.Equal(t, allocator.TotalMemorySize(), allocator.TotalAvailableSize())
			require.NoError(t, allocator.Validate())
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestAllocatorDeallocateNil(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})
			require.True(t, allocator.Deallocate(nil, 100))
			require.Nil(t, allocator.Allocate(-1, AffinityObjects))
			require.Equal(t, 0, allocator.InvalidFrees())
		})
	}
}

func TestAllocatorNoOverlap(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})
			random := rand.New(rand.NewSource(1))

			type liveAllocation struct {
				ptr  unsafe.Pointer
				size int
				fill byte
			}
			var live []liveAllocation

			for index := 0; index < 500; index++ {
				size := 1 + random.Intn(2000)
				affinity := Affinity(random.Intn(int(AffinityCount)))

				ptr := allocator.Allocate(size, affinity)
				require.NotNil(t, ptr)

				value := byte(index)
				fill(ptr, size, value)
				live = append(live, liveAllocation{ptr: ptr, size: size, fill: value})
			}

			for _, alloc := range live {
				requireFilled(t, alloc.ptr, alloc.size, alloc.fill)
			}

			require.NoError(t, allocator.Validate())

			for _, alloc := range live {
				require.True(t, allocator.Deallocate(alloc.ptr, alloc.size))
			}
			require.Equal(t, 0, allocator.TotalReservedSize())
		})
	}
}

func TestAllocatorAffinityIsolation(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			objects := allocator.Allocate(64, AffinityObjects)
			data := allocator.Allocate(64, AffinityData)
			physics := allocator.Allocate(64, AffinityPhysics)
			require.NotNil(t, objects)
			require.NotNil(t, data)
			require.NotNil(t, physics)

			var stats TotalStatistics
			allocator.CalculateStatistics(&stats)

			for _, affinity := range []Affinity{AffinityObjects, AffinityData, AffinityPhysics} {
				require.Equal(t, 1, stats.Affinities[affinity].BlockCount, affinity.String())
				require.Equal(t, 1, stats.Affinities[affinity].AllocationCount, affinity.String())
			}
			require.Equal(t, 0, stats.Affinities[AffinityNodes].BlockCount)
			require.Equal(t, 0, stats.Heap.AllocationCount)
			require.Equal(t, 3, stats.Total.AllocationCount)

			live := map[Affinity]unsafe.Pointer{
				AffinityObjects: objects,
				AffinityData:    data,
				AffinityPhysics: physics,
			}
			for affinity, ptr := range live {
				owner := allocator.owningPoolWithLock(ptr)
				require.NotNil(t, owner, affinity.String())
				require.Equal(t, affinity, owner.Affinity())

				require.NoError(t, allocator.visitPools(func(pool blockPool) error {
					if pool.Affinity() != affinity {
						require.False(t, pool.Within(ptr), "%s allocation lies in a %s block", affinity, pool.Affinity())
					}
					return nil
				}))
			}

			// Freeing the OBJECTS allocation leaves the other pools untouched
			require.True(t, allocator.Deallocate(objects, 64))
			allocator.CalculateStatistics(&stats)
			require.Equal(t, 0, stats.Affinities[AffinityObjects].AllocationCount)
			require.Equal(t, 1, stats.Affinities[AffinityData].AllocationCount)
			require.Equal(t, 1, stats.Affinities[AffinityPhysics].AllocationCount)

			require.True(t, allocator.Deallocate(data, 64))
			require.True(t, allocator.Deallocate(physics, 64))
		})
	}
}

func TestAllocatorStatisticsInvariant(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})
			random := rand.New(rand.NewSource(3))

			reserved := 0
			var ptrs []unsafe.Pointer
			var sizes []int
			for index := 0; index < 50; index++ {
				size := 1 + random.Intn(1000)
				ptr := allocator.Allocate(size, AffinityNodes)
				require.NotNil(t, ptr)

				reserved += allocator.RoundedSize(size, AffinityNodes)
				ptrs = append(ptrs, ptr)
				sizes = append(sizes, size)

				require.Equal(t, reserved, allocator.TotalReservedSize())
				require.Equal(t, allocator.TotalMemorySize(), allocator.TotalAvailableSize()+allocator.TotalReservedSize())
			}

			for index := range ptrs {
				require.True(t, allocator.Deallocate(ptrs[index], sizes[index]))
				reserved -= allocator.RoundedSize(sizes[index], AffinityNodes)

				require.Equal(t, reserved, allocator.TotalReservedSize())
				require.Equal(t, allocator.TotalMemorySize(), allocator.TotalAvailableSize()+allocator.TotalReservedSize())
			}
		})
	}
}

func TestAllocatorConcurrency(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			var group errgroup.Group
			for worker := 0; worker < 8; worker++ {
				worker := worker
				group.Go(func() error {
					random := rand.New(rand.NewSource(int64(worker)))
					affinity := Affinity(worker % int(AffinityCount))
					value := byte(worker + 1)

					type liveAllocation struct {
						ptr  unsafe.Pointer
						size int
					}
					var live []liveAllocation

					release := func(alloc liveAllocation) error {
						data := unsafe.Slice((*byte)(alloc.ptr), alloc.size)
						for i := range data {
							if data[i] != value {
								return errors.Newf("worker %d found its allocation at %p overwritten", worker, alloc.ptr)
							}
						}

						if !allocator.Deallocate(alloc.ptr, alloc.size) {
							return errors.Newf("worker %d failed to deallocate %p", worker, alloc.ptr)
						}
						return nil
					}

					for op := 0; op < 500; op++ {
						if len(live) >= 16 || (len(live) > 0 && random.Intn(2) == 0) {
							index := random.Intn(len(live))
							err := release(live[index])
							if err != nil {
								return err
							}
							live[index] = live[len(live)-1]
							live = live[:len(live)-1]
							continue
						}

						size := 1 + random.Intn(512)
						ptr := allocator.Allocate(size, affinity)
						if ptr == nil {
							return errors.Newf("worker %d failed to allocate %d bytes", worker, size)
						}

						fill(ptr, size, value)
						live = append(live, liveAllocation{ptr: ptr, size: size})
					}

					for _, alloc := range live {
						err := release(alloc)
						if err != nil {
							return err
						}
					}
					return nil
				})
			}

			require.NoError(t, group.Wait())
			require.NoError(t, allocator.Validate())
			require.Equal(t, 0, allocator.TotalReservedSize())
			require.Equal(t, 0, allocator.InvalidFrees())
		})
	}
}

func TestAllocatorInvalidFree(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			var local [16]byte
			require.False(t, allocator.Deallocate(unsafe.Pointer(&local[0]), 16))
			require.Equal(t, 1, allocator.InvalidFrees())

			ptr := allocator.Allocate(32, AffinityObjects)
			require.NotNil(t, ptr)
			require.True(t, allocator.Deallocate(ptr, 32))
			require.False(t, allocator.Deallocate(ptr, 32))
			require.Equal(t, 2, allocator.InvalidFrees())

			require.NoError(t, allocator.Validate())
		})
	}
}

func TestAllocatorDestroyUnreleased(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			require.NotNil(t, allocator.Allocate(100, AffinityObjects))
			require.NotNil(t, allocator.Allocate(16*mebibyte, AffinityData))

			err := allocator.Destroy()
			require.True(t, errors.Is(err, ErrUnreleasedMemory))

			require.Nil(t, allocator.Allocate(100, AffinityObjects))
			require.Equal(t, 0, allocator.TotalMemorySize())
		})
	}
}

func TestAllocatorDeleteEmptyBlocks(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			kept := allocator.Allocate(64, AffinityObjects)
			freed := allocator.Allocate(64, AffinityData)
			require.True(t, allocator.Deallocate(freed, 64))

			require.Equal(t, 1, allocator.DeleteEmptyMemoryBlocks())
			require.Equal(t, 0, allocator.DeleteEmptyMemoryBlocks())

			var stats TotalStatistics
			allocator.CalculateStatistics(&stats)
			require.Equal(t, 1, stats.Affinities[AffinityObjects].BlockCount)
			require.Equal(t, 0, stats.Affinities[AffinityData].BlockCount)

			require.True(t, allocator.Deallocate(kept, 64))
			require.Equal(t, 1, allocator.DeleteEmptyMemoryBlocks())
			require.Equal(t, 0, allocator.TotalMemorySize())
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestAllocatorCustomAffinity(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			custom := AffinityCount + 6
			allocator := readyTestAllocator(t, factory, CreateOptions{
				DefaultBlockSize: 64 * kibibyte,
			})
			require.Equal(t, 64*kibibyte, allocator.BlockSize(custom))

			ptr := allocator.Allocate(128, custom)
			require.NotNil(t, ptr)

			var stats TotalStatistics
			allocator.CalculateStatistics(&stats)
			require.Equal(t, 1, stats.Affinities[custom].AllocationCount)
			require.Contains(t, allocator.BuildStatsString(false), "AFFINITY_10")

			require.True(t, allocator.Deallocate(ptr, 0))
		})
	}
}

func TestAllocatorSetBlockSize(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			err := allocator.SetBlockSize(AffinityPhysics, 1)
			require.True(t, errors.Is(err, ErrInvalidBlockSize))

			require.NoError(t, allocator.SetBlockSize(AffinityPhysics, 128*kibibyte))
			require.Equal(t, 128*kibibyte, allocator.BlockSize(AffinityPhysics))

			ptr := allocator.Allocate(16, AffinityPhysics)
			require.NotNil(t, ptr)
			require.LessOrEqual(t, allocator.TotalMemorySize(), 128*kibibyte)
			require.True(t, allocator.Deallocate(ptr, 16))
		})
	}
}

func TestAllocatorOptionErrors(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			_, err := factory(testLogger(), nil, CreateOptions{DefaultAlignment: 3})
			require.True(t, errors.Is(err, memutils.PowerOfTwoError))

			_, err = factory(testLogger(), nil, CreateOptions{
				BlockSizes: map[Affinity]int{AffinityData: 1},
			})
			require.True(t, errors.Is(err, ErrInvalidBlockSize))

			_, err = factory(testLogger(), nil, CreateOptions{MemoryLimit: -1})
			require.Error(t, err)
		})
	}
}

func TestAllocatorAlignment(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{DefaultAlignment: 64})
			require.Equal(t, 64, allocator.DefaultAlignment())

			for size := 1; size < 300; size += 37 {
				ptr := allocator.Allocate(size, AffinityObjects)
				require.NotNil(t, ptr)
				require.Zero(t, uintptr(ptr)%64, "size %d", size)
			}
		})
	}
}

func TestAllocatorMemoryLimit(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			limit := 64 * kibibyte
			allocator := readyTestAllocator(t, factory, CreateOptions{
				MemoryLimit: limit,
				BlockSizes:  map[Affinity]int{AffinityObjects: 32 * kibibyte},
			})

			exhausted := false
			for attempt := 0; attempt < 100; attempt++ {
				if allocator.Allocate(16*kibibyte, AffinityObjects) == nil {
					exhausted = true
					break
				}
			}
			require.True(t, exhausted)

			var core *allocatorCore
			switch typed := allocator.(type) {
			case *OriginalBlockAllocator:
				core = typed.allocatorCore
			case *IntrusiveAllocator:
				core = typed.allocatorCore
			}
			require.LessOrEqual(t, core.budget.Used(), limit)
			require.Contains(t, allocator.BuildStatsString(false), "MemoryLimit")
		})
	}
}

func TestAllocatorCallbacks(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocated := map[unsafe.Pointer]int{}
			freed := 0

			allocator := readyTestAllocator(t, factory, CreateOptions{
				MemoryCallbackOptions: &MemoryCallbackOptions{
					Allocate: func(allocator Allocator, affinity Affinity, memory unsafe.Pointer, size int, userData interface{}) {
						require.Equal(t, AffinityNodes, affinity)
						require.Equal(t, "user data", userData)
						allocated[memory] = size
					},
					Free: func(allocator Allocator, affinity Affinity, memory unsafe.Pointer, size int, userData interface{}) {
						require.Equal(t, allocated[memory], size)
						freed++
					},
					UserData: "user data",
				},
			})

			ptr := allocator.Allocate(256, AffinityNodes)
			require.NotNil(t, ptr)
			require.Len(t, allocated, 1)

			require.True(t, allocator.Deallocate(ptr, 256))
			require.Equal(t, 0, freed)

			require.Equal(t, 1, allocator.DeleteEmptyMemoryBlocks())
			require.Equal(t, 1, freed)
		})
	}
}

func TestAllocatorReport(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{})

			small := allocator.Allocate(48, AffinityObjects)
			large := allocator.Allocate(20*mebibyte, AffinityData)
			require.NotNil(t, small)
			require.NotNil(t, large)

			var buf bytes.Buffer
			require.NoError(t, allocator.Report(&buf))
			require.True(t, json.Valid(buf.Bytes()), buf.String())

			var report map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
			require.Contains(t, report, "Affinities")
			require.Contains(t, report, "Heap")
			require.Contains(t, report["Affinities"], "OBJECTS")

			summary := allocator.BuildStatsString(false)
			require.True(t, json.Valid([]byte(summary)), summary)

			require.True(t, allocator.Deallocate(small, 48))
			require.True(t, allocator.Deallocate(large, 20*mebibyte))
		})
	}
}

func TestAllocatorMemoryTracking(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{
				MemoryTracking: MemoryTrackingCheckActions | MemoryTrackingReportActions,
			})
			require.Equal(t, "MemoryTrackingReportActions|MemoryTrackingCheckActions", allocator.MemoryTracking().String())

			allocator.SetMemoryTracking(MemoryTrackingProfile)
			require.Equal(t, MemoryTrackingProfile, allocator.MemoryTracking())

			for index := 0; index < 100; index++ {
				ptr := allocator.Allocate(64, AffinityObjects)
				require.NotNil(t, ptr)
				require.True(t, allocator.Deallocate(ptr, 64))
			}
			require.Greater(t, allocator.AllocationTime(), time.Duration(0))
			require.Greater(t, allocator.DeallocationTime(), time.Duration(0))
		})
	}
}

func TestAllocatorExternallySynchronized(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{Flags: CreateExternallySynchronized})

			ptr := allocator.Allocate(10, AffinityObjects)
			require.NotNil(t, ptr)
			require.True(t, allocator.Deallocate(ptr, 10))
			require.NoError(t, allocator.Validate())
		})
	}
}

func TestAllocatorTypeNewDelete(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{Type: AllocatorTypeNewDelete})
			require.Equal(t, AllocatorTypeNewDelete, allocator.AllocatorType())

			ptr := allocator.Allocate(100, AffinityObjects)
			require.NotNil(t, ptr)
			require.Equal(t, 100, allocator.RoundedSize(100, AffinityObjects))

			var stats TotalStatistics
			allocator.CalculateStatistics(&stats)
			require.Equal(t, 1, stats.Heap.AllocationCount)
			require.Equal(t, 0, stats.Affinities[AffinityObjects].BlockCount)

			require.True(t, allocator.Deallocate(ptr, 100))
			require.Equal(t, 0, allocator.TotalMemorySize())
		})
	}
}

func TestAllocatorTypeNoDelete(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{Type: AllocatorTypeNoDelete})

			ptr := allocator.Allocate(100, AffinityObjects)
			require.NotNil(t, ptr)
			require.True(t, allocator.Deallocate(ptr, 100))

			// The memory is retained until the allocator is destroyed
			require.Equal(t, 100, allocator.TotalMemorySize())
			require.Equal(t, 0, allocator.TotalReservedSize())
			require.False(t, allocator.Deallocate(ptr, 100))
			require.NoError(t, allocator.Validate())

			require.NoError(t, allocator.Destroy())
			require.Equal(t, 0, allocator.TotalMemorySize())
		})
	}
}

func TestAllocatorTypeMallocFree(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{Type: AllocatorTypeMallocFree})

			ptr := allocator.Allocate(100, AffinityData)
			require.NotNil(t, ptr)
			require.Zero(t, uintptr(ptr)%uintptr(sysmem.PageSize()))
			fill(ptr, 100, 1)

			require.True(t, allocator.Deallocate(ptr, 100))
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestIntrusiveLargeAllocation(t *testing.T) {
	allocator, err := NewIntrusiveAllocator(testLogger(), nil, CreateOptions{})
	require.NoError(t, err)

	pool := allocator.builtinPools[AffinityObjects]
	maxSize := pool.MaxAllocationSize()
	require.Equal(t, (maxBlockElements-3)*allocator.ElementSize(), maxSize)

	fits := allocator.Allocate(maxSize, AffinityObjects)
	require.NotNil(t, fits)
	large := allocator.Allocate(maxSize+1, AffinityObjects)
	require.NotNil(t, large)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Affinities[AffinityObjects].AllocationCount)
	require.Equal(t, 1, stats.Heap.AllocationCount)
	require.Equal(t, maxSize+1, allocator.RoundedSize(maxSize+1, AffinityObjects))

	require.True(t, allocator.Deallocate(large, maxSize+1))
	require.True(t, allocator.Deallocate(fits, maxSize))
	require.NoError(t, allocator.Validate())
}

func TestOriginalLargeAllocation(t *testing.T) {
	allocator, err := NewOriginalBlockAllocator(testLogger(), nil, CreateOptions{})
	require.NoError(t, err)

	large := allocator.Allocate(3*mebibyte, AffinityObjects)
	require.NotNil(t, large)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Affinities[AffinityObjects].BlockCount)
	require.Equal(t, 3*mebibyte, stats.Affinities[AffinityObjects].BlockBytes)
	require.Equal(t, 0, stats.Heap.AllocationCount)

	// The oversized block is reused once it is free
	require.True(t, allocator.Deallocate(large, 0))
	small := allocator.Allocate(64, AffinityObjects)
	require.NotNil(t, small)
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Affinities[AffinityObjects].BlockCount)
	require.True(t, allocator.Deallocate(small, 64))
}

func TestIntrusiveSlotReuse(t *testing.T) {
	allocator, err := NewIntrusiveAllocator(testLogger(), nil, CreateOptions{})
	require.NoError(t, err)

	a := allocator.Allocate(16, AffinityObjects)
	b := allocator.Allocate(16, AffinityObjects)
	require.NotNil(t, a)
	require.NotNil(t, b)

	require.True(t, allocator.Deallocate(a, 16))
	c := allocator.Allocate(16, AffinityObjects)
	require.Equal(t, a, c)

	require.True(t, allocator.Deallocate(b, 16))
	require.True(t, allocator.Deallocate(c, 16))
	require.NoError(t, allocator.Validate())
}

func TestAllocatorAffinityAddressRanges(t *testing.T) {
	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{DefaultBlockSize: 16 * kibibyte})
			random := rand.New(rand.NewSource(11))
			affinities := []Affinity{AffinityObjects, AffinityData, AffinityNodes, AffinityPhysics, AffinityCount + 2}

			type liveAllocation struct {
				ptr      unsafe.Pointer
				size     int
				affinity Affinity
			}
			var live []liveAllocation
			for index := 0; index < 400; index++ {
				affinity := affinities[random.Intn(len(affinities))]
				size := 1 + random.Intn(2*kibibyte)
				ptr := allocator.Allocate(size, affinity)
				require.NotNil(t, ptr)
				live = append(live, liveAllocation{ptr: ptr, size: size, affinity: affinity})
			}

			for _, alloc := range live {
				owner := allocator.owningPoolWithLock(alloc.ptr)
				require.NotNil(t, owner)
				require.Equal(t, alloc.affinity, owner.Affinity())

				require.NoError(t, allocator.visitPools(func(pool blockPool) error {
					if pool.Affinity() != alloc.affinity {
						require.False(t, pool.Within(alloc.ptr), "%s allocation lies in a %s block", alloc.affinity, pool.Affinity())
					}
					return nil
				}))
			}

			for _, alloc := range live {
				require.True(t, allocator.Deallocate(alloc.ptr, alloc.size))
			}
			require.Equal(t, 0, allocator.TotalReservedSize())
		})
	}
}

func TestAllocatorHugeRequests(t *testing.T) {
	sizes := []int{maxAllocationSize + 1, maxInt / 2, maxInt - 4, maxInt}
	allocatorTypes := []AllocatorType{AllocatorTypePooled, AllocatorTypeNewDelete, AllocatorTypeNoDelete, AllocatorTypeMallocFree}

	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			for _, allocatorType := range allocatorTypes {
				allocator := readyTestAllocator(t, factory, CreateOptions{Type: allocatorType})

				for _, size := range sizes {
					for affinity := AffinityObjects; affinity < AffinityCount; affinity++ {
						require.Nil(t, allocator.Allocate(size, affinity), "%s %s", allocatorType, affinity)
						require.Equal(t, size, allocator.RoundedSize(size, affinity))
					}
				}

				require.Zero(t, allocator.TotalReservedSize())
				require.NoError(t, allocator.Validate())

				ptr := allocator.Allocate(64, AffinityObjects)
				require.NotNil(t, ptr)
				require.True(t, allocator.Deallocate(ptr, 64))
				require.NoError(t, allocator.Destroy())
			}
		})
	}
}

func TestProcessHeapHugeRequests(t *testing.T) {
	heap := newProcessHeap()

	require.Nil(t, heap.Allocate(maxInt/2, AffinityData))
	require.Nil(t, heap.Allocate(maxInt, AffinityData))
	require.Nil(t, heap.Allocate(-1, AffinityData))

	ptr := heap.Allocate(32, AffinityData)
	require.NotNil(t, ptr)
	require.True(t, heap.Owns(ptr))
	require.True(t, heap.Deallocate(ptr, 32))
}

func TestAllocatorRandomizedValidate(t *testing.T) {
	const blockSize = 16 * kibibyte

	for name, factory := range allocatorFactories {
		t.Run(name, func(t *testing.T) {
			allocator := readyTestAllocator(t, factory, CreateOptions{
				BlockSizes: map[Affinity]int{
					AffinityObjects: blockSize,
					AffinityData:    blockSize,
					AffinityNodes:   blockSize,
					AffinityPhysics: blockSize,
				},
				DefaultBlockSize: blockSize,
			})
			random := rand.New(rand.NewSource(7))
			affinities := []Affinity{AffinityObjects, AffinityData, AffinityNodes, AffinityPhysics, AffinityCount + 1}

			type liveAllocation struct {
				ptr      unsafe.Pointer
				size     int
				affinity Affinity
				value    byte
			}

			randomSize := func(affinity Affinity) int {
				limit := allocator.poolWithLock(affinity).MaxAllocationSize()
				if limit == 0 {
					limit = blockSize
				}

				switch roll := random.Intn(20); {
				case roll == 0:
					// Above the pool's largest slot
					return limit + 1 + random.Intn(limit)
				case roll < 4:
					return limit/2 + random.Intn(limit/2+1)
				default:
					return 1 + random.Intn(256)
				}
			}

			var live []liveAllocation
			blocksGrew := false
			for step := 0; step < 3000; step++ {
				if len(live) > 0 && random.Intn(5) < 2 {
					index := random.Intn(len(live))
					alloc := live[index]
					live[index] = live[len(live)-1]
					live = live[:len(live)-1]

					requireFilled(t, alloc.ptr, alloc.size, alloc.value)
					require.True(t, allocator.Deallocate(alloc.ptr, alloc.size), "step %d", step)
				} else {
					affinity := affinities[random.Intn(len(affinities))]
					size := randomSize(affinity)
					ptr := allocator.Allocate(size, affinity)
					require.NotNil(t, ptr, "step %d: %d bytes for %s", step, size, affinity)

					value := byte(step)
					fill(ptr, size, value)
					live = append(live, liveAllocation{ptr: ptr, size: size, affinity: affinity, value: value})
				}

				require.NoError(t, allocator.Validate(), "step %d", step)
				require.Equal(t, allocator.TotalMemorySize(), allocator.TotalAvailableSize()+allocator.TotalReservedSize(), "step %d", step)

				var stats TotalStatistics
				allocator.CalculateStatistics(&stats)
				require.Equal(t, len(live), stats.Total.AllocationCount, "step %d", step)
				if stats.Affinities[AffinityObjects].BlockCount > 1 {
					blocksGrew = true
				}
			}
			require.True(t, blocksGrew)

			for _, alloc := range live {
				requireFilled(t, alloc.ptr, alloc.size, alloc.value)
				require.True(t, allocator.Deallocate(alloc.ptr, alloc.size))
			}
			require.NoError(t, allocator.Validate())
			require.Zero(t, allocator.TotalReservedSize())
			require.Zero(t, allocator.InvalidFrees())
		})
	}
}
