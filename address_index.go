package hostmem

import "golang.org/x/exp/slices"

type addressRange interface {
	comparable
	Base() uintptr
	Within(address uintptr) bool
}

// addressIndex keeps a pool's blocks sorted by base address so the block that owns a pointer can
// be found by binary search
type addressIndex[B addressRange] struct {
	blocks []B
}

func (i *addressIndex[B]) Len() int { return len(i.blocks) }

func (i *addressIndex[B]) At(index int) B { return i.blocks[index] }

func (i *addressIndex[B]) Insert(block B) {
	index, _ := slices.BinarySearchFunc(i.blocks, block.Base(), func(existing B, base uintptr) int {
		return compareAddress(existing.Base(), base)
	})
	i.blocks = slices.Insert(i.blocks, index, block)
}

// Find returns the block whose range contains address
func (i *addressIndex[B]) Find(address uintptr) (B, bool) {
	index, found := slices.BinarySearchFunc(i.blocks, address, func(block B, target uintptr) int {
		if block.Within(target) {
			return 0
		}
		return compareAddress(block.Base(), target)
	})
	if !found {
		var zero B
		return zero, false
	}

	return i.blocks[index], true
}

func (i *addressIndex[B]) Remove(block B) {
	index := slices.Index(i.blocks, block)
	if index >= 0 {
		i.blocks = slices.Delete(i.blocks, index, index+1)
	}
}

func (i *addressIndex[B]) Clear() {
	i.blocks = nil
}

func compareAddress(left, right uintptr) int {
	if left < right {
		return -1
	} else if left > right {
		return 1
	}
	return 0
}
