package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("media/a.mp4")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.Len())
}

func TestKeyed_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyed_DoubleUnlockIsSafe(t *testing.T) {
	k := NewKeyed()
	unlock := k.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())
}

func TestKeyed_TryLock(t *testing.T) {
	k := NewKeyed()

	unlock, ok := k.TryLock("a")
	assert.True(t, ok)

	_, ok = k.TryLock("a")
	assert.False(t, ok)
	assert.Equal(t, 1, k.Len())

	unlock()
	assert.Equal(t, 0, k.Len())

	unlock, ok = k.TryLock("a")
	assert.True(t, ok)
	unlock()
}
