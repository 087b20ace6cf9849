package hostmem

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
	"golang.org/x/exp/slices"
)

// intrusiveBlockList is the per-affinity pool of an IntrusiveAllocator
type intrusiveBlockList struct {
	logger   *slog.Logger
	source   *memorySource
	affinity Affinity
	name     string

	blockSize   int
	elementSize int

	blocks      []*intrusiveBlock
	byAddress   addressIndex[*intrusiveBlock]
	latest      *intrusiveBlock
	nextBlockId int
}

var _ blockPool = &intrusiveBlockList{}

func newIntrusiveBlockList(logger *slog.Logger, source *memorySource, affinity Affinity, blockSize int, elementSize int) *intrusiveBlockList {
	return &intrusiveBlockList{
		logger:      logger.With(slog.String("affinity", affinity.String())),
		source:      source,
		affinity:    affinity,
		name:        fmt.Sprintf("IntrusiveBlocks_%s", affinity),
		blockSize:   blockSize,
		elementSize: elementSize,
	}
}

func (l *intrusiveBlockList) Affinity() Affinity    { return l.affinity }
func (l *intrusiveBlockList) BlockSize() int        { return l.blockSize }
func (l *intrusiveBlockList) SetBlockSize(size int) { l.blockSize = size }
func (l *intrusiveBlockList) BlockCount() int       { return len(l.blocks) }

// MaxAllocationSize is the largest request a fresh block can hold: every element between the
// sentinels, less the slot header
func (l *intrusiveBlockList) MaxAllocationSize() int {
	return (intrusiveCapacity(l.blockSize, l.elementSize) - 3) * l.elementSize
}

// RoundedSize is the reservation of a slot split to fit size bytes. When the remainder of the
// slot it was cut from is a single element, the slot keeps that element and reserves one more.
func (l *intrusiveBlockList) RoundedSize(size int) int {
	return intrusiveSpan(size, l.elementSize) * l.elementSize
}

func (l *intrusiveBlockList) Allocate(size int) unsafe.Pointer {
	span := intrusiveSpan(size, l.elementSize)

	if l.latest != nil {
		ptr := l.allocFromBlock(l.latest, span)
		if ptr != nil {
			return ptr
		}
	}

	// Newest to oldest
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		block := l.blocks[blockIndex]
		if block == l.latest {
			continue
		}

		ptr := l.allocFromBlock(block, span)
		if ptr != nil {
			l.latest = block
			return ptr
		}
	}

	block, err := l.createBlock()
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to create intrusive block",
			slog.Int("size", size),
			slog.Any("error", err))
		return nil
	}

	l.latest = block
	return l.allocFromBlock(block, span)
}

func (l *intrusiveBlockList) allocFromBlock(block *intrusiveBlock, span int) unsafe.Pointer {
	if !block.CanFit(span) {
		return nil
	}

	ptr := block.Allocate(span)
	if ptr != nil {
		return ptr
	}

	// There is room but it is split across neighbouring free slots
	block.Coalesce()
	return block.Allocate(span)
}

func (l *intrusiveBlockList) createBlock() (*intrusiveBlock, error) {
	capacity := intrusiveCapacity(l.blockSize, l.elementSize)

	region, err := l.source.Acquire(l.affinity, capacity*l.elementSize)
	if err != nil {
		return nil, err
	}

	block := newIntrusiveBlock(l.logger, l.nextBlockId, l.affinity, region, l.elementSize, capacity)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	l.byAddress.Insert(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new intrusive block",
		slog.Int("block.id", block.id),
		slog.Int("capacity", capacity),
		slog.Int("elementSize", l.elementSize))

	return block, nil
}

func (l *intrusiveBlockList) Within(ptr unsafe.Pointer) bool {
	_, found := l.byAddress.Find(uintptr(ptr))
	return found
}

func (l *intrusiveBlockList) Deallocate(ptr unsafe.Pointer, size int) (bool, error) {
	block, found := l.byAddress.Find(uintptr(ptr))
	if !found {
		return false, nil
	}

	return true, block.Deallocate(ptr, size)
}

func (l *intrusiveBlockList) removeBlock(block *intrusiveBlock) {
	index := slices.Index(l.blocks, block)
	if index >= 0 {
		l.blocks = slices.Delete(l.blocks, index, index+1)
	}

	l.byAddress.Remove(block)

	if l.latest == block {
		l.latest = nil
	}
}

func (l *intrusiveBlockList) DeleteEmptyBlocks() (int, int, error) {
	var emptyBlocks []*intrusiveBlock
	for _, block := range l.blocks {
		if block.IsEmpty() {
			emptyBlocks = append(emptyBlocks, block)
		}
	}

	var err error
	count, bytes := 0, 0
	for _, block := range emptyBlocks {
		size := block.Size()
		l.removeBlock(block)

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty intrusive block", slog.Int("block.id", block.id))
		destroyErr := block.Destroy(l.source)
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
		}

		count++
		bytes += size
	}

	return count, bytes, err
}

func (l *intrusiveBlockList) AddStatistics(stats *memutils.Statistics) {
	for _, block := range l.blocks {
		block.AddStatistics(stats)
	}
}

func (l *intrusiveBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, block := range l.blocks {
		block.AddDetailedStatistics(stats)
	}
}

func (l *intrusiveBlockList) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Name").String(l.name)
	json.Name("BlockSize").Int(l.blockSize)
	json.Name("ElementSize").Int(l.elementSize)

	blocksObj := json.Name("Blocks").Object()
	defer blocksObj.End()

	for _, block := range l.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("Address").String(formatAddress(block.Base()))
		blockObj.Name("Capacity").Int(block.capacity)
		blockObj.Name("Allocations").Int(block.usedCount)
		blockObj.Name("UsedElements").Int(block.usedElements)
		blockObj.Name("FreeElements").Int(block.freeElements)
		blockObj.Name("FreeSlots").Int(block.FreeSlotCount())

		slotsArray := blockObj.Name("Slots").Array()
		_ = block.visitSlots(func(index uint32, span int, status elementStatus) error {
			obj := slotsArray.Object()
			obj.Name("Element").Int(int(index))
			obj.Name("Span").Int(span)
			obj.Name("Type").String(status.String())
			obj.End()
			return nil
		})
		slotsArray.End()

		blockObj.End()
	}
}

func (l *intrusiveBlockList) Validate() error {
	if len(l.blocks) != l.byAddress.Len() {
		return errors.Newf("pool %s lists %d blocks but indexes %d by address", l.name, len(l.blocks), l.byAddress.Len())
	}

	for index := 0; index < l.byAddress.Len(); index++ {
		block := l.byAddress.At(index)
		if index > 0 {
			previous := l.byAddress.At(index - 1)
			if previous.Base()+uintptr(previous.capacity*previous.elementSize) > block.Base() {
				return errors.Newf("blocks %d and %d are out of order or overlap", previous.id, block.id)
			}
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "block %d", block.id)
		}
	}

	return nil
}

func (l *intrusiveBlockList) Destroy() error {
	var err error
	for _, block := range l.blocks {
		destroyErr := block.Destroy(l.source)
		if destroyErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(destroyErr, "block %d", block.id))
		}
	}

	l.blocks = nil
	l.byAddress.Clear()
	l.latest = nil
	return err
}
