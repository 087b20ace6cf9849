//go:build unix

package sysmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// PageSize returns the operating system's memory page size
func PageSize() int {
	return unix.Getpagesize()
}

func reserve(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, errors.Wrap(err, "anonymous mmap failed")
	}

	return data, true, nil
}

func release(data []byte, mapped bool) error {
	if !mapped {
		return nil
	}

	return errors.Wrap(unix.Munmap(data), "munmap failed")
}
