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

// memoryBlockList is the per-affinity pool of an OriginalBlockAllocator
type memoryBlockList struct {
	logger   *slog.Logger
	source   *memorySource
	affinity Affinity
	name     string

	blockSize int
	alignment int

	// blocks is in creation order, byAddress is sorted by base address for pointer lookups
	blocks      []*memoryBlock
	byAddress   addressIndex[*memoryBlock]
	latest      *memoryBlock
	nextBlockId int
}

var _ blockPool = &memoryBlockList{}

func newMemoryBlockList(logger *slog.Logger, source *memorySource, affinity Affinity, blockSize int, alignment int) *memoryBlockList {
	return &memoryBlockList{
		logger:    logger.With(slog.String("affinity", affinity.String())),
		source:    source,
		affinity:  affinity,
		name:      fmt.Sprintf("MemoryBlocks_%s", affinity),
		blockSize: blockSize,
		alignment: alignment,
	}
}

func (l *memoryBlockList) Affinity() Affinity    { return l.affinity }
func (l *memoryBlockList) BlockSize() int        { return l.blockSize }
func (l *memoryBlockList) SetBlockSize(size int) { l.blockSize = size }
func (l *memoryBlockList) BlockCount() int       { return len(l.blocks) }

// MaxAllocationSize is 0 because a request larger than the block size is given a block of its own
func (l *memoryBlockList) MaxAllocationSize() int { return 0 }

func (l *memoryBlockList) RoundedSize(size int) int {
	if size > maxAllocationSize {
		return size
	}
	return memutils.AlignUp(size+memutils.DebugMargin, l.alignment)
}

func (l *memoryBlockList) Allocate(size int) unsafe.Pointer {
	rounded := l.RoundedSize(size)

	if l.latest != nil {
		ptr := l.allocFromBlock(l.latest, rounded)
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

		ptr := l.allocFromBlock(block, rounded)
		if ptr != nil {
			l.latest = block
			return ptr
		}
	}

	block, err := l.createBlock(max(l.blockSize, rounded))
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to create memory block",
			slog.Int("size", size),
			slog.Any("error", err))
		return nil
	}

	l.latest = block
	return l.allocFromBlock(block, rounded)
}

func (l *memoryBlockList) allocFromBlock(block *memoryBlock, rounded int) unsafe.Pointer {
	if block.metadata.SumFreeSize() < rounded {
		return nil
	}

	return block.Allocate(rounded, l.alignment)
}

func (l *memoryBlockList) createBlock(blockSize int) (*memoryBlock, error) {
	blockSize = memutils.AlignUp(blockSize, l.alignment)

	region, err := l.source.Acquire(l.affinity, blockSize)
	if err != nil {
		return nil, err
	}

	block := newMemoryBlock(l.logger, l.nextBlockId, l.affinity, region, blockSize)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	l.byAddress.Insert(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("size", blockSize))

	return block, nil
}

func (l *memoryBlockList) Within(ptr unsafe.Pointer) bool {
	_, found := l.byAddress.Find(uintptr(ptr))
	return found
}

func (l *memoryBlockList) Deallocate(ptr unsafe.Pointer, size int) (bool, error) {
	block, found := l.byAddress.Find(uintptr(ptr))
	if !found {
		return false, nil
	}

	if size != 0 {
		size = l.RoundedSize(size)
	}

	return true, block.Deallocate(ptr, size)
}

func (l *memoryBlockList) removeBlock(block *memoryBlock) {
	index := slices.Index(l.blocks, block)
	if index >= 0 {
		l.blocks = slices.Delete(l.blocks, index, index+1)
	}

	l.byAddress.Remove(block)

	if l.latest == block {
		l.latest = nil
	}
}

func (l *memoryBlockList) DeleteEmptyBlocks() (int, int, error) {
	var emptyBlocks []*memoryBlock
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

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", block.id))
		destroyErr := block.Destroy(l.source)
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
		}

		count++
		bytes += size
	}

	return count, bytes, err
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("Name").String(l.name)
	json.Name("BlockSize").Int(l.blockSize)
	json.Name("Alignment").Int(l.alignment)

	blocksObj := json.Name("Blocks").Object()
	defer blocksObj.End()

	for _, block := range l.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("Address").String(formatAddress(block.Base()))
		block.metadata.BlockJsonData(blockObj)
		l.printDetailedMapAllocations(block, blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(block *memoryBlock, json jwriter.ObjectState) {
	arrayState := json.Name("Ranges").Array()
	defer arrayState.End()

	_ = block.metadata.VisitAllRegions(func(offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}

		return nil
	})
}

func (l *memoryBlockList) Validate() error {
	if len(l.blocks) != l.byAddress.Len() {
		return errors.Newf("pool %s lists %d blocks but indexes %d by address", l.name, len(l.blocks), l.byAddress.Len())
	}

	for index := 0; index < l.byAddress.Len(); index++ {
		block := l.byAddress.At(index)
		if index > 0 {
			previous := l.byAddress.At(index - 1)
			if previous.Base()+uintptr(previous.Size()) > block.Base() {
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

func (l *memoryBlockList) Destroy() error {
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
