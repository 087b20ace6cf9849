package hostmem

import (
	"context"
	"log/slog"
	"math/bits"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
	"github.com/vkngwrapper/hostmem/memutils"
)

// minimumSlotSpan is the smallest slot: a header and one element of data. A free slot keeps its
// span in that data element.
const minimumSlotSpan = 2

type intrusiveFreeList struct {
	head  uint32
	count int
}

// intrusiveBlock is one arena of an IntrusiveAllocator pool. The arena is an array of elements the
// size of the allocator's alignment. Elements 0 and capacity-1 are sentinels, everything between
// them is divided into slots. Each slot starts with an element header:
//
//   - A USED slot keeps its span, header included, in next. The caller's pointer is the element
//     after the header.
//   - A FREE slot keeps its free list links in previous and next, and its span in the following
//     element.
//
// Free slots are kept in lists by size class, where the class of a span is bits.Len(span).
type intrusiveBlock struct {
	id       int
	affinity Affinity
	logger   *slog.Logger
	region   *sysmem.Region

	elementSize int
	capacity    int

	freeLists    []intrusiveFreeList
	usedCount    int
	usedElements int
	freeElements int
}

// intrusiveCapacity is the number of elements, sentinels included, that a block of blockSize bytes
// holds
func intrusiveCapacity(blockSize int, elementSize int) int {
	return min(blockSize/elementSize, maxBlockElements)
}

// intrusiveSpan is the number of elements a request of size bytes occupies, header included
func intrusiveSpan(size int, elementSize int) int {
	return 1 + memutils.DivideRoundingUp(size, elementSize)
}

func newIntrusiveBlock(logger *slog.Logger, id int, affinity Affinity, region *sysmem.Region, elementSize int, capacity int) *intrusiveBlock {
	if capacity < minimumSlotSpan+2 || capacity > maxBlockElements {
		panic("attempting to initialize an intrusive block with an invalid capacity")
	}
	if region.Size() < capacity*elementSize {
		panic("attempting to initialize an intrusive block with a region smaller than the block")
	}

	block := &intrusiveBlock{
		id:          id,
		affinity:    affinity,
		logger:      logger,
		region:      region,
		elementSize: elementSize,
		capacity:    capacity,
		freeLists:   make([]intrusiveFreeList, bits.Len(uint(capacity))+1),
	}
	block.reset()

	return block
}

func (b *intrusiveBlock) element(index uint32) *element {
	return (*element)(b.region.At(int(index) * b.elementSize))
}

func (b *intrusiveBlock) spanWord(index uint32) *uint32 {
	return (*uint32)(b.region.At(int(index+1) * b.elementSize))
}

func (b *intrusiveBlock) freeSpan(index uint32) int {
	return int(*b.spanWord(index))
}

// reset returns the block to a single free slot covering every element between the sentinels
func (b *intrusiveBlock) reset() {
	*b.element(0) = newElement(0, 0, elementSentinel)
	*b.element(uint32(b.capacity - 1)) = newElement(0, 0, elementSentinel)

	for class := range b.freeLists {
		b.freeLists[class] = intrusiveFreeList{}
	}

	b.usedCount = 0
	b.usedElements = 0
	b.freeElements = b.capacity - 2
	b.push(1, b.capacity-2)
}

func (b *intrusiveBlock) push(index uint32, span int) {
	list := &b.freeLists[bits.Len(uint(span))]

	*b.element(index) = newElement(0, list.head, elementFree)
	*b.spanWord(index) = uint32(span)
	if list.head != 0 {
		head := b.element(list.head)
		*head = head.WithPrevious(index)
	}

	list.head = index
	list.count++
}

func (b *intrusiveBlock) unlink(index uint32, span int) {
	list := &b.freeLists[bits.Len(uint(span))]
	header := *b.element(index)

	previous := header.Previous()
	next := header.Next()
	if previous != 0 {
		previousHeader := b.element(previous)
		*previousHeader = previousHeader.WithNext(next)
	} else {
		list.head = next
	}
	if next != 0 {
		nextHeader := b.element(next)
		*nextHeader = nextHeader.WithPrevious(previous)
	}

	list.count--
}

func (b *intrusiveBlock) Base() uintptr { return b.region.Base() }

// Size is the number of bytes available to slots
func (b *intrusiveBlock) Size() int { return (b.capacity - 2) * b.elementSize }

// Within reports whether address lies inside this block's arena
func (b *intrusiveBlock) Within(address uintptr) bool {
	return address >= b.Base() && address < b.Base()+uintptr(b.capacity*b.elementSize)
}

func (b *intrusiveBlock) IsEmpty() bool { return b.usedCount == 0 }

// CanFit reports whether the block holds enough free elements to serve span, ignoring fragmentation
func (b *intrusiveBlock) CanFit(span int) bool { return b.freeElements >= span }

// Allocate returns a slot of span elements, or nil if no free slot is large enough
func (b *intrusiveBlock) Allocate(span int) unsafe.Pointer {
	if span < minimumSlotSpan || span > b.capacity-2 {
		return nil
	}

	class := bits.Len(uint(span))

	// Slots in the request's own class may be smaller than the request
	for index := b.freeLists[class].head; index != 0; index = b.element(index).Next() {
		if b.freeSpan(index) >= span {
			return b.take(index, span)
		}
	}

	// Any slot in a larger class is large enough
	for larger := class + 1; larger < len(b.freeLists); larger++ {
		if b.freeLists[larger].count > 0 {
			return b.take(b.freeLists[larger].head, span)
		}
	}

	return nil
}

func (b *intrusiveBlock) take(index uint32, span int) unsafe.Pointer {
	slotSpan := b.freeSpan(index)
	b.unlink(index, slotSpan)

	if slotSpan-span >= minimumSlotSpan {
		b.release(index+uint32(span), slotSpan-span)
	} else {
		span = slotSpan
	}

	*b.element(index) = newElement(0, uint32(span), elementUsed)
	b.usedCount++
	b.usedElements += span
	b.freeElements -= span

	return b.region.At(int(index+1) * b.elementSize)
}

// release adds a free slot to the free lists, merging it with the slot that follows when that one
// is free too
func (b *intrusiveBlock) release(index uint32, span int) {
	next := index + uint32(span)
	if int(next) < b.capacity-1 && b.element(next).Status() == elementFree {
		nextSpan := b.freeSpan(next)
		b.unlink(next, nextSpan)
		span += nextSpan
	}

	b.push(index, span)
}

// Coalesce rebuilds the free lists, merging every run of adjacent free slots into a single slot
func (b *intrusiveBlock) Coalesce() {
	for class := range b.freeLists {
		b.freeLists[class] = intrusiveFreeList{}
	}

	index := uint32(1)
	for int(index) < b.capacity-1 {
		header := *b.element(index)
		if header.Status() == elementUsed {
			index += header.Next()
			continue
		}

		start := index
		span := 0
		for int(index) < b.capacity-1 && b.element(index).Status() == elementFree {
			slotSpan := b.freeSpan(index)
			span += slotSpan
			index += uint32(slotSpan)
		}
		b.push(start, span)
	}
}

// Deallocate returns the slot whose data begins at ptr. A non-zero size must be the size the slot
// was allocated with.
func (b *intrusiveBlock) Deallocate(ptr unsafe.Pointer, size int) error {
	offset := b.region.Offset(ptr)
	if offset%b.elementSize != 0 {
		return errors.Mark(errors.Newf("%p is not aligned to an element of block %d", ptr, b.id), ErrInvalidFree)
	}

	headerIndex := offset/b.elementSize - 1
	if headerIndex < 1 || headerIndex > b.capacity-1-minimumSlotSpan {
		return errors.Mark(errors.Newf("%p does not address a slot of block %d", ptr, b.id), ErrInvalidFree)
	}

	header := *b.element(uint32(headerIndex))
	span := int(header.Next())
	if header.Status() != elementUsed || span < minimumSlotSpan || headerIndex+span > b.capacity-1 {
		return errors.Mark(errors.Newf("%p is not the start of a live allocation in block %d", ptr, b.id), ErrInvalidFree)
	}

	if size != 0 {
		// A slot may have absorbed one trailing element that was too small to split off
		requested := intrusiveSpan(size, b.elementSize)
		if requested != span && requested+1 != span {
			return errors.Mark(errors.Newf("allocation at %p spans %d elements, but was deallocated with size %d", ptr, span, size), ErrInvalidFree)
		}
	}

	b.usedCount--
	b.usedElements -= span
	b.freeElements += span

	if b.usedCount == 0 {
		b.reset()
		return nil
	}

	b.release(uint32(headerIndex), span)
	return nil
}

// visitSlots walks every slot in physical order
func (b *intrusiveBlock) visitSlots(visit func(index uint32, span int, status elementStatus) error) error {
	index := uint32(1)
	for int(index) < b.capacity-1 {
		header := *b.element(index)

		var span int
		switch header.Status() {
		case elementUsed:
			span = int(header.Next())
		case elementFree:
			span = b.freeSpan(index)
		default:
			return errors.Newf("slot %d of block %d has status %s", index, b.id, header.Status())
		}

		if span < minimumSlotSpan || int(index)+span > b.capacity-1 {
			return errors.Newf("slot %d of block %d has invalid span %d", index, b.id, span)
		}

		err := visit(index, span, header.Status())
		if err != nil {
			return err
		}

		index += uint32(span)
	}

	return nil
}

func (b *intrusiveBlock) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += b.Size()
	stats.AllocationCount += b.usedCount
	stats.AllocationBytes += b.usedElements * b.elementSize
}

func (b *intrusiveBlock) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += b.Size()

	_ = b.visitSlots(func(index uint32, span int, status elementStatus) error {
		if status == elementUsed {
			stats.AddAllocation(span * b.elementSize)
		} else {
			stats.AddUnusedRange(span * b.elementSize)
		}
		return nil
	})
}

func (b *intrusiveBlock) FreeSlotCount() int {
	count := 0
	for _, list := range b.freeLists {
		count += list.count
	}
	return count
}

func (b *intrusiveBlock) Validate() error {
	if b.region == nil {
		return errors.New("no valid memory for this intrusive block")
	}

	first := *b.element(0)
	last := *b.element(uint32(b.capacity - 1))
	if first.Status() != elementSentinel || last.Status() != elementSentinel {
		return errors.Newf("block %d has damaged sentinels %s and %s", b.id, first, last)
	}

	freeSlots := bitset.New(uint(b.capacity))
	usedCount, usedElements, freeElements := 0, 0, 0

	err := b.visitSlots(func(index uint32, span int, status elementStatus) error {
		if status == elementUsed {
			usedCount++
			usedElements += span
		} else {
			freeSlots.Set(uint(index))
			freeElements += span
		}
		return nil
	})
	if err != nil {
		return err
	}

	if usedCount != b.usedCount {
		return errors.Newf("block %d has %d used slots but counts %d", b.id, usedCount, b.usedCount)
	}
	if usedElements != b.usedElements || freeElements != b.freeElements {
		return errors.Newf("block %d has %d used and %d free elements but counts %d and %d",
			b.id, usedElements, freeElements, b.usedElements, b.freeElements)
	}
	if usedElements+freeElements != b.capacity-2 {
		return errors.Newf("block %d slots cover %d elements of %d", b.id, usedElements+freeElements, b.capacity-2)
	}

	listed := bitset.New(uint(b.capacity))
	for class, list := range b.freeLists {
		count := 0
		previous := uint32(0)

		for index := list.head; index != 0; index = b.element(index).Next() {
			if !freeSlots.Test(uint(index)) {
				return errors.Newf("free list %d of block %d links %d, which is not a free slot", class, b.id, index)
			}
			if listed.Test(uint(index)) {
				return errors.Newf("free slot %d of block %d is listed more than once", index, b.id)
			}
			listed.Set(uint(index))

			header := *b.element(index)
			if header.Previous() != previous {
				return errors.Newf("free slot %d of block %d links back to %d instead of %d", index, b.id, header.Previous(), previous)
			}
			if bits.Len(uint(b.freeSpan(index))) != class {
				return errors.Newf("free slot %d of block %d with span %d is in class %d", index, b.id, b.freeSpan(index), class)
			}

			previous = index
			count++
		}

		if count != list.count {
			return errors.Newf("free list %d of block %d holds %d slots but counts %d", class, b.id, count, list.count)
		}
	}

	if !listed.Equal(freeSlots) {
		return errors.Newf("block %d has %d free slots but lists %d", b.id, freeSlots.Count(), listed.Count())
	}

	return nil
}

// Destroy returns the arena to source. Blocks with live allocations log them and are still released.
func (b *intrusiveBlock) Destroy(source *memorySource) error {
	var err error

	if !b.IsEmpty() {
		visitErr := b.visitSlots(func(index uint32, span int, status elementStatus) error {
			if status != elementUsed {
				return nil
			}

			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.String("affinity", b.affinity.String()),
				slog.Int("block.id", b.id),
				slog.Int("offset", int(index+1)*b.elementSize),
				slog.Int("size", (span-1)*b.elementSize),
			)
			return nil
		})
		if visitErr != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", visitErr))
		}

		err = ErrUnreleasedMemory
	}

	if b.region == nil {
		panic("attempting to destroy an intrusive block, but it did not have a backing arena")
	}

	releaseErr := source.Release(b.affinity, b.region)
	if releaseErr != nil {
		err = errors.CombineErrors(err, releaseErr)
	}

	b.region = nil
	return err
}
