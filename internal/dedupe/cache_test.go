package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	c := New(time.Minute, 10).WithClock(func() time.Time { return now })

	assert.False(t, c.Seen("m1"))
	assert.True(t, c.Seen("m1"))
	assert.False(t, c.Seen("m2"))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Seen("m1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Hour, 2)
	c.Seen("a")
	c.Seen("b")
	c.Seen("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("c"))
}

func TestCache_ConcurrentDeliveries(t *testing.T) {
	c := New(time.Hour, 100)
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}
