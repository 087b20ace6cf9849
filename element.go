package hostmem

import "fmt"

type elementStatus uint32

const (
	elementFree elementStatus = iota
	elementUsed
	elementSentinel
)

var elementStatusNames = map[elementStatus]string{
	elementFree:     "FREE",
	elementUsed:     "USED",
	elementSentinel: "SENTINEL",
}

func (s elementStatus) String() string {
	name, ok := elementStatusNames[s]
	if !ok {
		return fmt.Sprintf("STATUS_%d", uint32(s))
	}
	return name
}

const (
	elementIndexBits   = 15
	elementIndexMask   = 1<<elementIndexBits - 1
	elementNextShift   = elementIndexBits
	elementStatusShift = 2 * elementIndexBits
	elementStatusMask  = 0x3

	// maxBlockElements is the most elements a single intrusive block may hold, sentinels included
	maxBlockElements = 1<<elementIndexBits - 2
)

// element is the 32-bit header word at the start of every slot of an intrusive block, packed as
// {previous:15, next:15, status:2}. previous and next are block-relative element indices, with 0
// meaning none since index 0 is always a sentinel.
type element uint32

func newElement(previous, next uint32, status elementStatus) element {
	return element(previous&elementIndexMask |
		(next&elementIndexMask)<<elementNextShift |
		(uint32(status)&elementStatusMask)<<elementStatusShift)
}

func (e element) Previous() uint32 {
	return uint32(e) & elementIndexMask
}

func (e element) Next() uint32 {
	return (uint32(e) >> elementNextShift) & elementIndexMask
}

func (e element) Status() elementStatus {
	return elementStatus((uint32(e) >> elementStatusShift) & elementStatusMask)
}

func (e element) WithPrevious(previous uint32) element {
	return newElement(previous, e.Next(), e.Status())
}

func (e element) WithNext(next uint32) element {
	return newElement(e.Previous(), next, e.Status())
}

func (e element) String() string {
	return fmt.Sprintf("{previous: %d, next: %d, status: %s}", e.Previous(), e.Next(), e.Status())
}
