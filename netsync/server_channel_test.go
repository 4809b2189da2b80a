package netsync

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/WFrankish/Context-The-Game/netsync/counter"
)

func TestServerChannelUpdate(t *testing.T) {
	changes := []int64{}
	channel := newServerChannel[*counter.Count]("counter", counter.NewHandlerWithCallback(func(value int64) {
		changes = append(changes, value)
	}))
	assert.Equal(t, channel.State().Value, int64(0))
	assert.Equal(t, channel.Version(), int64(0))

	for i := 0; i < 3; i += 1 {
		channel.Update(counter.Increment())
	}
	assert.Equal(t, channel.State().Value, int64(3))
	assert.Equal(t, channel.Version(), int64(3))
	assert.Equal(t, changes, []int64{1, 2, 3})

	channel.View(func(state *counter.Count, version int64) {
		assert.Equal(t, state.Value, version)
	})

	// no subscribers, the buffer is dropped
	assert.Equal(t, len(channel.drain()), 0)
	assert.Equal(t, len(channel.updates), 0)
}

func TestServerChannelSnapshot(t *testing.T) {
	channel := newServerChannel[*counter.Count]("counter", counter.NewHandler())
	channel.Update(counter.Add(2))

	sub, snapshot, err := channel.subscribe(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.Id, "counter")
	assert.Equal(t, snapshot.State.GetNumberValue(), float64(2))
	assert.Equal(t, snapshot.Version, int64(1))
	assert.Equal(t, sub.bufferOffset, 1)
	assert.Equal(t, channel.SubscriberCount(), 1)

	channel.unsubscribe(sub)
	assert.Equal(t, channel.SubscriberCount(), 0)
}

func TestServerChannelClientUpdates(t *testing.T) {
	changes := 0
	channel := newServerChannel[*counter.Count]("counter", counter.NewHandlerWithCallback(func(value int64) {
		changes += 1
	}))
	sub, _, _ := channel.subscribe(nil)

	channel.applyClientUpdates(sub, numbers(1, 2, 3))
	assert.Equal(t, channel.State().Value, int64(6))
	assert.Equal(t, channel.Version(), int64(3))
	assert.Equal(t, sub.numLocalUpdates, int64(3))
	// one change per batch
	assert.Equal(t, changes, 1)

	channel.applyClientUpdates(sub, nil)
	assert.Equal(t, changes, 1)

	entries := channel.drain()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[sub].NumLocalUpdates, int64(3))
	assert.Equal(t, len(entries[sub].Updates), 3)

	// buffer cleared
	assert.Equal(t, len(channel.drain()), 0)

	// removed subscriptions are ignored
	channel.unsubscribe(sub)
	channel.applyClientUpdates(sub, numbers(1))
	assert.Equal(t, channel.State().Value, int64(6))
	assert.Equal(t, sub.numLocalUpdates, int64(3))
}

func TestServerChannelDrainOffsets(t *testing.T) {
	channel := newServerChannel[*counter.Count]("counter", counter.NewHandler())

	first, _, _ := channel.subscribe(nil)
	channel.Update(counter.Add(1))
	// subscribed mid cycle, already has the first update
	second, snapshot, _ := channel.subscribe(nil)
	assert.Equal(t, snapshot.State.GetNumberValue(), float64(1))
	channel.applyClientUpdates(second, numbers(10))
	// subscribed after every buffered update
	third, _, _ := channel.subscribe(nil)

	entries := channel.drain()
	assert.Equal(t, len(entries), 2)

	assert.Equal(t, entries[first].NumLocalUpdates, int64(0))
	assert.Equal(t, len(entries[first].Updates), 2)
	assert.Equal(t, entries[first].Updates[0].GetNumberValue(), float64(1))
	assert.Equal(t, entries[first].Updates[1].GetNumberValue(), float64(10))

	assert.Equal(t, entries[second].NumLocalUpdates, int64(1))
	assert.Equal(t, len(entries[second].Updates), 1)
	assert.Equal(t, entries[second].Updates[0].GetNumberValue(), float64(10))

	_, ok := entries[third]
	assert.Equal(t, ok, false)

	// offsets only apply to the cycle of the subscribe
	channel.Update(counter.Add(100))
	entries = channel.drain()
	assert.Equal(t, len(entries), 3)
	for _, sub := range []*subscription{first, second, third} {
		assert.Equal(t, len(entries[sub].Updates), 1)
	}
	assert.Equal(t, channel.State().Value, int64(111))
	assert.Equal(t, channel.Version(), int64(3))
}
