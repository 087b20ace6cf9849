package hostmem

import "unsafe"

// BlockMemoryCallback is called when an allocator obtains or releases the memory backing a block
type BlockMemoryCallback func(
	allocator Allocator,
	affinity Affinity,
	memory unsafe.Pointer,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate BlockMemoryCallback
	Free     BlockMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator Allocator
}

func (c *memoryCallbacks) Allocate(
	affinity Affinity,
	memory unsafe.Pointer,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, affinity, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	affinity Affinity,
	memory unsafe.Pointer,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, affinity, memory, size, c.Callbacks.UserData)
	}
}
