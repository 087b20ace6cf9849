//go:build !unix

package sysmem

import (
	"os"
	"unsafe"
)

// PageSize returns the operating system's memory page size
func PageSize() int {
	return os.Getpagesize()
}

// reserve falls back to an over-allocated Go heap slice, trimmed to start on a page boundary
func reserve(size int) ([]byte, bool, error) {
	pageSize := PageSize()
	buf := make([]byte, size+pageSize)

	address := uintptr(unsafe.Pointer(&buf[0]))
	offset := (uintptr(pageSize) - (address & uintptr(pageSize-1))) & uintptr(pageSize-1)

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)], false, nil
}

func release(data []byte, mapped bool) error {
	return nil
}
