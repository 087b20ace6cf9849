package sysmem_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
)

func TestReserveRoundsToPages(t *testing.T) {
	region, err := sysmem.Reserve(100)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, region.Release())
	}()

	pageSize := sysmem.PageSize()
	require.Equal(t, pageSize, region.Size())
	require.Zero(t, region.Base()%uintptr(pageSize))
	require.Len(t, region.Bytes(), pageSize)

	for _, b := range region.Bytes() {
		require.Zero(t, b)
	}
}

func TestRegionAddressing(t *testing.T) {
	region, err := sysmem.Reserve(1 << 16)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, region.Release())
	}()

	ptr := region.At(128)
	require.True(t, region.Contains(ptr))
	require.Equal(t, 128, region.Offset(ptr))

	*(*uint64)(ptr) = 0xDEADBEEF
	require.Equal(t, byte(0xEF), region.Bytes()[128])

	require.True(t, region.Contains(region.Pointer()))
	require.False(t, region.Contains(unsafe.Add(region.Pointer(), region.Size())))

	var local int
	require.False(t, region.Contains(unsafe.Pointer(&local)))
}

func TestReserveInvalidSize(t *testing.T) {
	_, err := sysmem.Reserve(0)
	require.ErrorIs(t, err, sysmem.ErrInvalidSize)

	_, err = sysmem.Reserve(-5)
	require.ErrorIs(t, err, sysmem.ErrInvalidSize)
}

func TestReleaseTwice(t *testing.T) {
	region, err := sysmem.Reserve(10)
	require.NoError(t, err)
	require.NoError(t, region.Release())
	require.Error(t, region.Release())
}
