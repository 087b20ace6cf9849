package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/internal/utils"
	"golang.org/x/sync/errgroup"
)

func TestOptionalRWMutexSerializesWriters(t *testing.T) {
	mutex := utils.NewOptionalRWMutex(true)
	require.True(t, mutex.Synchronized())

	counter := 0
	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	mutex.RLock()
	defer mutex.RUnlock()
	require.Equal(t, 8000, counter)
}

func TestOptionalRWMutexDisabled(t *testing.T) {
	mutex := utils.NewOptionalRWMutex(false)
	require.False(t, mutex.Synchronized())

	// Re-entrant locking would deadlock a real mutex
	mutex.Lock()
	mutex.Lock()
	mutex.Unlock()
	mutex.Unlock()
}
