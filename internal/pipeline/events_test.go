package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRecentRing(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventInfo, Message: fmt.Sprintf("ev%d", i)})
	}
	recent := b.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "ev2", recent[0].Message, "oldest events fall off the ring")
	assert.Equal(t, "ev4", recent[2].Message)
}

func TestBusSubscribe(t *testing.T) {
	b := NewBus(16)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: EventAdded, JobID: 1})
	ev := <-ch
	assert.Equal(t, EventAdded, ev.Type)
	assert.Equal(t, int64(1), ev.JobID)
	assert.False(t, ev.Time.IsZero())
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBus(1024)
	ch, cancel := b.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer without draining it.
	for i := 0; i < 200; i++ {
		b.Publish(Event{Type: EventInfo, Message: fmt.Sprintf("ev%d", i)})
	}

	// The newest event must still be delivered; the oldest are gone.
	var last Event
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, "ev199", last.Message)
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus(16)
	ch, cancel := b.Subscribe()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: EventInfo})
	cancel()
}
