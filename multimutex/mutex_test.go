package multimutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMutexExclusive asserts that two goroutines locking the same key never
// hold the lock at the same time, while different keys do not contend.
func TestMutexExclusive(t *testing.T) {
	t.Parallel()

	mtx := NewMutex[[32]byte]()

	var (
		keyA   = [32]byte{1}
		keyB   = [32]byte{2}
		inside     atomic.Int32
		violations atomic.Int32
		wg         sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mtx.Lock(keyA)
			defer mtx.Unlock(keyA)

			if inside.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}

	// A different key must be lockable while keyA is contended.
	mtx.Lock(keyB)
	mtx.Unlock(keyB)

	wg.Wait()
	require.Zero(t, violations.Load())
	require.Zero(t, mtx.Len())
}

// TestMutexDoubleUnlock asserts that unlocking an unknown key panics.
func TestMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	mtx := NewMutex[string]()
	mtx.Lock("tx")
	mtx.Unlock("tx")

	require.Panics(t, func() {
		mtx.Unlock("tx")
	})
}
