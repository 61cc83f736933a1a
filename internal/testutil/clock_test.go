package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestManualClock_StartsAtStart(t *testing.T) {
	local := start.In(time.FixedZone("EST", -5*3600))
	clock := NewManualClock(local)
	assert.Equal(t, start, clock.Now())
	assert.Equal(t, time.UTC, clock.Now().Location())
	assert.Zero(t, clock.Elapsed())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(start)

	assert.Equal(t, start.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, start.Add(1500*time.Millisecond), clock.Advance(500*time.Millisecond))

	// Never runs backwards
	assert.Equal(t, start.Add(1500*time.Millisecond), clock.Advance(-time.Hour))
	assert.Equal(t, 1500*time.Millisecond, clock.Elapsed())
}

func TestManualClock_Reset(t *testing.T) {
	clock := NewManualClock(start)
	clock.Advance(time.Minute)
	clock.Reset()
	assert.Equal(t, start, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(start)
	const goroutines = 50
	const steps = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < steps; j++ {
				clock.Advance(time.Millisecond)
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*steps*time.Millisecond, clock.Elapsed())
}
