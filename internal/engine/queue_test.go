package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(Event{Type: EventOverride, IntersectionID: id}))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, EventOverride, got.Type)
		assert.Equal(t, want, got.IntersectionID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_Wait_SignalsOnEnqueue(t *testing.T) {
	q := newEventQueue()

	done := make(chan Event)
	go func() {
		<-q.Wait()
		e, _ := q.TryDequeue()
		done <- e
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(Event{Type: EventTick, DT: 1})

	select {
	case e := <-done:
		assert.Equal(t, EventTick, e.Type)
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("wait channel should be closed")
	}

	assert.False(t, q.Enqueue(Event{Type: EventTick}), "enqueue after close should return false")
}

func TestEventQueue_LenAndDrain(t *testing.T) {
	q := newEventQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(Event{Type: EventSample})
	q.Enqueue(Event{Type: EventPlan})
	assert.Equal(t, 2, q.Len())

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, EventPlan, drained[1].Type)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(Event{Type: EventTick, DT: float64(i)})
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		received++
	}
	assert.Equal(t, producers*eventsPerProducer, received)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "emergency_clear", EventEmergencyClear.String())
	assert.Equal(t, "tick", EventTick.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
