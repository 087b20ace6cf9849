package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/hostmem/memutils"
)

const (
	SmallRangeSize         = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift

	smallSizeStep = SmallRangeSize / 4
)

var rangePool = sync.Pool{
	New: func() any {
		return &tlsfRange{}
	},
}

// tlsfRange is one physical range of the block, either free or allocated. Ranges form a doubly
// linked list in offset order, and free ranges are additionally linked into a size-segregated free list.
type tlsfRange struct {
	offset       int
	size         int
	prevPhysical *tlsfRange
	nextPhysical *tlsfRange

	prevFree *tlsfRange
	nextFree *tlsfRange

	free bool
}

// TLSFBlockMetadata is a two-level segregated fit free range tracker. Free ranges are bucketed by
// a coarse memory class (the most significant bit of the size) and a finer second level index, and a
// pair of bitmaps allows the smallest suitable non-empty bucket to be located in constant time.
// Freed ranges are merged with both physical neighbours immediately.
//
// The range at the end of the block, the null range, is never placed in a free list. It is the
// remaining tail of the block and is used when no bucket has a suitable range.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	freeRangeCount    int
	freeRangeSize     int
	isFreeBitmap      uint64
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	liveRanges *swiss.Map[int, *tlsfRange]
	freeList   []*tlsfRange
	nullRange  *tlsfRange
	firstRange *tlsfRange
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata() *TLSFBlockMetadata {
	return &TLSFBlockMetadata{}
}

func (m *TLSFBlockMetadata) newRange() *tlsfRange {
	r := rangePool.Get().(*tlsfRange)
	*r = tlsfRange{}
	return r
}

func (m *TLSFBlockMetadata) releaseRange(r *tlsfRange) {
	rangePool.Put(r)
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.liveRanges = swiss.NewMap[int, *tlsfRange](64)

	m.nullRange = m.newRange()
	m.nullRange.size = size
	m.nullRange.free = true
	m.firstRange = m.nullRange

	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*(1<<SecondLevelIndex) + int(secondIndex+1)
	}
	listSize += 4

	m.memoryClasses = int(memoryClass) + 2
	m.freeList = make([]*tlsfRange, listSize)
}

func (m *TLSFBlockMetadata) AllocationCount() int { return m.allocCount }

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	if m.nullRange.size > 0 {
		return m.freeRangeCount + 1
	}
	return m.freeRangeCount
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.freeRangeSize + m.nullRange.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallRangeSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ (uint(1) << SecondLevelIndex))
	}

	return uint16((size - 1) / smallSizeStep)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	return int(memoryClass-1)*(1<<SecondLevelIndex) + int(secondIndex) + 4
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	return m.getListIndex(memoryClass, m.sizeToSecondIndex(size, memoryClass))
}

// sizeForNextList returns a size whose bucket only contains ranges that are at least as large as size
func (m *TLSFBlockMetadata) sizeForNextList(size int) int {
	if size > SmallRangeSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(size))
		return size + int(uint(1)<<(mostSignificantBit-int(SecondLevelIndex)))
	} else if size > SmallRangeSize-smallSizeStep {
		return SmallRangeSize + 1
	}

	return size + smallSizeStep
}

func (m *TLSFBlockMetadata) Allocate(size int, alignment int) (int, bool) {
	if size < 1 || alignment < 1 {
		return 0, false
	}

	memutils.DebugCheckPow2(alignment, "alignment")

	if size > m.SumFreeSize() {
		return 0, false
	}

	if m.freeRangeCount == 0 {
		if m.fits(m.nullRange, size, alignment) {
			return m.commit(m.nullRange, size, alignment), true
		}
		return 0, false
	}

	// A bucket one step up only holds ranges that fit without a search
	nextRange, nextListIndex := m.findFreeRange(m.sizeForNextList(size))
	for candidate := nextRange; candidate != nil; candidate = candidate.nextFree {
		if m.fits(candidate, size, alignment) {
			return m.commit(candidate, size, alignment), true
		}
	}

	if m.fits(m.nullRange, size, alignment) {
		return m.commit(m.nullRange, size, alignment), true
	}

	// Best fit bucket, its ranges may or may not be large enough
	prevRange, _ := m.findFreeRange(size)
	for candidate := prevRange; candidate != nil; candidate = candidate.nextFree {
		if m.fits(candidate, size, alignment) {
			return m.commit(candidate, size, alignment), true
		}
	}

	if nextRange == nil {
		return 0, false
	}

	// Only alignment padding can get us here: walk every larger bucket
	for listIndex := nextListIndex + 1; listIndex < len(m.freeList); listIndex++ {
		for candidate := m.freeList[listIndex]; candidate != nil; candidate = candidate.nextFree {
			if m.fits(candidate, size, alignment) {
				return m.commit(candidate, size, alignment), true
			}
		}
	}

	return 0, false
}

func (m *TLSFBlockMetadata) fits(r *tlsfRange, size int, alignment int) bool {
	alignedOffset := memutils.AlignUp(r.offset, alignment)
	return r.size >= size+alignedOffset-r.offset
}

func (m *TLSFBlockMetadata) findFreeRange(size int) (*tlsfRange, int) {
	memoryClass := m.sizeToMemoryClass(size)
	if int(memoryClass) >= MaxMemoryClasses {
		return nil, 0
	}

	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher memory classes
		freeMap := m.isFreeBitmap & (math.MaxUint64 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		memoryClass = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free ranges, but the list was empty", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

// commit carves an allocation of size bytes out of the free range r and returns its offset
func (m *TLSFBlockMetadata) commit(r *tlsfRange, size int, alignment int) int {
	if r != m.nullRange {
		m.removeFreeRange(r)
	}

	missingAlignment := memutils.AlignUp(r.offset, alignment) - r.offset
	if missingAlignment != 0 {
		prev := r.prevPhysical
		if prev == nil {
			panic("range at offset 0 cannot be misaligned")
		}

		if prev.free {
			m.removeFreeRange(prev)
			prev.size += missingAlignment
			m.insertFreeRange(prev)
		} else {
			padding := m.newRange()
			padding.offset = r.offset
			padding.size = missingAlignment
			padding.prevPhysical = prev
			padding.nextPhysical = r
			prev.nextPhysical = padding
			r.prevPhysical = padding
			m.insertFreeRange(padding)
		}

		r.offset += missingAlignment
		r.size -= missingAlignment
	}

	if r.size == size {
		if r == m.nullRange {
			// The tail is used up exactly, so start a new, empty, null range after it
			m.nullRange = m.newRange()
			m.nullRange.offset = r.offset + size
			m.nullRange.prevPhysical = r
			m.nullRange.free = true
			r.nextPhysical = m.nullRange
		}
	} else {
		remainder := m.newRange()
		remainder.offset = r.offset + size
		remainder.size = r.size - size
		remainder.prevPhysical = r
		remainder.nextPhysical = r.nextPhysical
		remainder.free = true
		r.nextPhysical = remainder
		r.size = size

		if r == m.nullRange {
			m.nullRange = remainder
		} else {
			remainder.nextPhysical.prevPhysical = remainder
			m.insertFreeRange(remainder)
		}
	}

	r.free = false
	m.liveRanges.Put(r.offset, r)
	m.allocCount++

	return r.offset
}

func (m *TLSFBlockMetadata) Free(offset int) (int, error) {
	r, ok := m.liveRanges.Get(offset)
	if !ok {
		return 0, errors.Wrapf(memutils.OutOfRangeError, "no live allocation at offset %d", offset)
	}

	size := r.size
	m.liveRanges.Delete(offset)
	m.allocCount--
	r.free = true

	prev := r.prevPhysical
	if prev != nil && prev.free {
		m.removeFreeRange(prev)
		m.mergeRange(r, prev)
	}

	next := r.nextPhysical
	if next == m.nullRange {
		m.mergeRange(m.nullRange, r)
	} else if next.free {
		m.removeFreeRange(next)
		m.mergeRange(next, r)
		m.insertFreeRange(next)
	} else {
		m.insertFreeRange(r)
	}

	return size, nil
}

func (m *TLSFBlockMetadata) AllocationSize(offset int) (int, bool) {
	r, ok := m.liveRanges.Get(offset)
	if !ok {
		return 0, false
	}
	return r.size, true
}

func (m *TLSFBlockMetadata) removeFreeRange(r *tlsfRange) {
	if r == m.nullRange {
		panic("cannot remove the null range from the free lists")
	}
	if !r.free {
		panic(fmt.Sprintf("range at offset %d is not free", r.offset))
	}

	if r.nextFree != nil {
		r.nextFree.prevFree = r.prevFree
	}
	if r.prevFree != nil {
		r.prevFree.nextFree = r.nextFree
	} else {
		memoryClass := m.sizeToMemoryClass(r.size)
		secondIndex := m.sizeToSecondIndex(r.size, memoryClass)
		index := m.getListIndex(memoryClass, secondIndex)

		if m.freeList[index] != r {
			panic(fmt.Sprintf("range at offset %d was not at the head of free list %d", r.offset, index))
		}
		m.freeList[index] = r.nextFree
		if r.nextFree == nil {
			m.innerIsFreeBitmap[memoryClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memoryClass] == 0 {
				m.isFreeBitmap &= ^(uint64(1) << memoryClass)
			}
		}
	}

	r.prevFree = nil
	r.nextFree = nil
	m.freeRangeCount--
	m.freeRangeSize -= r.size
}

func (m *TLSFBlockMetadata) insertFreeRange(r *tlsfRange) {
	if r == m.nullRange {
		panic("cannot insert the null range into the free lists")
	}

	memoryClass := m.sizeToMemoryClass(r.size)
	secondIndex := m.sizeToSecondIndex(r.size, memoryClass)
	index := m.getListIndex(memoryClass, secondIndex)

	if index >= len(m.freeList) {
		panic(fmt.Sprintf("free list index %d is out of range for a range of size %d", index, r.size))
	}

	r.free = true
	r.prevFree = nil
	r.nextFree = m.freeList[index]
	m.freeList[index] = r
	if r.nextFree != nil {
		r.nextFree.prevFree = r
	} else {
		m.innerIsFreeBitmap[memoryClass] |= uint32(1) << secondIndex
		m.isFreeBitmap |= uint64(1) << memoryClass
	}

	m.freeRangeCount++
	m.freeRangeSize += r.size
}

// mergeRange folds prev, which must directly precede r, into r
func (m *TLSFBlockMetadata) mergeRange(r *tlsfRange, prev *tlsfRange) {
	if r.prevPhysical != prev {
		panic("cannot merge ranges that are not physically adjacent")
	}

	r.offset = prev.offset
	r.size += prev.size
	r.prevPhysical = prev.prevPhysical
	if r.prevPhysical != nil {
		r.prevPhysical.nextPhysical = r
	} else {
		m.firstRange = r
	}

	m.releaseRange(prev)
}

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	var listedCount, listedSize int
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		r := m.freeList[listIndex]
		if r == nil {
			continue
		}

		if r.prevFree != nil {
			return errors.Errorf("range at offset %d is the head of a free list but has a previous range", r.offset)
		}

		for ; r != nil; r = r.nextFree {
			if !r.free {
				return errors.Errorf("range at offset %d is in the free list but is not free", r.offset)
			}
			if m.getListIndexFromSize(r.size) != listIndex {
				return errors.Errorf("range at offset %d with size %d is in free list %d", r.offset, r.size, listIndex)
			}
			if r.nextFree != nil && r.nextFree.prevFree != r {
				return errors.Errorf("range at offset %d lists the range at offset %d as its next range, but the reverse reference is broken", r.offset, r.nextFree.offset)
			}

			listedCount++
			listedSize += r.size
		}
	}

	if m.nullRange.nextPhysical != nil {
		return errors.New("null range must be the last physical range")
	}

	expectedOffset := 0
	var allocCount, freeCount, freeSize int
	var previous *tlsfRange
	for r := m.firstRange; r != nil; r = r.nextPhysical {
		if r.offset != expectedOffset {
			return errors.Errorf("physical range starts at offset %d but the previous range ended at %d", r.offset, expectedOffset)
		}
		if r.prevPhysical != previous {
			return errors.Errorf("range at offset %d has a broken previous physical reference", r.offset)
		}
		if r != m.nullRange && r.size < 1 {
			return errors.Errorf("range at offset %d has invalid size %d", r.offset, r.size)
		}

		if r == m.nullRange {
			if !r.free {
				return errors.New("null range is not marked free")
			}
		} else if r.free {
			if previous != nil && previous.free {
				return errors.Errorf("free ranges at offsets %d and %d were not merged", previous.offset, r.offset)
			}
			freeCount++
			freeSize += r.size
		} else {
			live, ok := m.liveRanges.Get(r.offset)
			if !ok || live != r {
				return errors.Errorf("allocation at offset %d is missing from the live range map", r.offset)
			}
			allocCount++
		}

		expectedOffset = r.offset + r.size
		previous = r
	}

	if previous != m.nullRange {
		return errors.New("the physical range list does not end with the null range")
	}
	if expectedOffset != m.Size() {
		return errors.Errorf("the full size of the metadata is %d, but the ranges only added up to %d", m.Size(), expectedOffset)
	}
	if freeCount != listedCount || freeCount != m.freeRangeCount {
		return errors.Errorf("free range count mismatch: physical %d, listed %d, recorded %d", freeCount, listedCount, m.freeRangeCount)
	}
	if freeSize != listedSize || freeSize != m.freeRangeSize {
		return errors.Errorf("free range size mismatch: physical %d, listed %d, recorded %d", freeSize, listedSize, m.freeRangeSize)
	}
	if allocCount != m.allocCount || allocCount != m.liveRanges.Count() {
		return errors.Errorf("the allocation count of the metadata is %d, but %d allocated ranges were found", m.allocCount, allocCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	for r := m.firstRange; r != nil; r = r.nextPhysical {
		if r == m.nullRange && r.size == 0 {
			continue
		}

		err := handleRegion(r.offset, r.size, r.free)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for r := m.firstRange; r != nil; r = r.nextPhysical {
		if r.free {
			if r.size > 0 {
				stats.AddUnusedRange(r.size)
			}
		} else {
			stats.AddAllocation(r.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) Clear() {
	r := m.firstRange
	for r != nil {
		next := r.nextPhysical
		if r != m.nullRange {
			m.releaseRange(r)
		}
		r = next
	}

	m.allocCount = 0
	m.freeRangeCount = 0
	m.freeRangeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
	m.liveRanges.Clear()

	*m.nullRange = tlsfRange{size: m.Size(), free: true}
	m.firstRange = m.nullRange
	m.freeList = make([]*tlsfRange, len(m.freeList))
}

func (m *TLSFBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.WriteBlockJson(json, m.SumFreeSize(), m.allocCount, m.FreeRegionsCount())
}

func (m *TLSFBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	for r := m.firstRange; r != nil; r = r.nextPhysical {
		if !r.free && !memutils.ValidateMagicValue(blockData, r.offset+r.size-memutils.DebugMargin) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", r.offset)
		}
	}

	return nil
}
