package netsync

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/WFrankish/Context-The-Game/netsync/chat"
	"github.com/WFrankish/Context-The-Game/netsync/counter"
)

func numbers(values ...float64) []*structpb.Value {
	updates := []*structpb.Value{}
	for _, value := range values {
		updates = append(updates, structpb.NewNumberValue(value))
	}
	return updates
}

func readyCounterChannel(t *testing.T, value int64, version int64) *ClientChannel[*counter.Count] {
	channel := newClientChannel[*counter.Count]("counter", counter.NewHandler())
	discard, err := channel.receiveSnapshot(&ServerSnapshot{
		Id:      "counter",
		State:   structpb.NewNumberValue(float64(value)),
		Version: version,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, discard, false)
	return channel
}

// simulates one flush of the manager
func flush[S any](channel *ClientChannel[S]) []*structpb.Value {
	updates, numLocalUpdates := channel.unsentUpdates()
	channel.markSent(numLocalUpdates)
	return updates
}

func TestClientChannelNotInitialized(t *testing.T) {
	channel := newClientChannel[*counter.Count]("counter", counter.NewHandler())

	_, err := channel.State()
	assert.Equal(t, err, ErrNotInitialized)
	_, err = channel.CommittedState()
	assert.Equal(t, err, ErrNotInitialized)
	assert.Equal(t, channel.Update(counter.Increment()), ErrNotInitialized)

	updates, _ := channel.unsentUpdates()
	assert.Equal(t, len(updates), 0)

	err = channel.receiveUpdates(0, &ServerChannelUpdates{Updates: numbers(1)})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)
}

func TestClientChannelSnapshot(t *testing.T) {
	changes := []int64{}
	handler := counter.NewHandlerWithCallback(func(value int64) {
		changes = append(changes, value)
	})
	channel := newClientChannel[*counter.Count]("counter", handler)

	_, err := channel.receiveSnapshot(&ServerSnapshot{
		Id:      "counter",
		State:   structpb.NewNumberValue(5),
		Version: 7,
	})
	assert.Equal(t, err, nil)

	select {
	case <-channel.initialized:
	default:
		t.Fatal("channel not initialized")
	}
	assert.Equal(t, channel.RequireState().Value, int64(5))
	assert.Equal(t, channel.Stats().Version, int64(7))
	assert.Equal(t, changes, []int64{5})

	// the predicted state is a copy
	committed, _ := channel.CommittedState()
	assert.Equal(t, committed == channel.RequireState(), false)

	// a second snapshot is fatal
	_, err = channel.receiveSnapshot(&ServerSnapshot{
		Id:      "counter",
		State:   structpb.NewNumberValue(5),
		Version: 7,
	})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)

	// so is a late subscription error
	_, err = channel.receiveSubscriptionError(&ServerSubscriptionError{Id: "counter", Message: "no such channel"})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)
}

func TestClientChannelBadSnapshot(t *testing.T) {
	channel := newClientChannel[*counter.Count]("counter", counter.NewHandler())

	discard, err := channel.receiveSnapshot(&ServerSnapshot{
		Id:    "counter",
		State: structpb.NewStringValue("five"),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, discard, true)
	assert.Equal(t, channel.Err() != nil, true)
	assert.Equal(t, channel.Update(counter.Increment()), ErrChannelClosed)
}

func TestClientChannelSubscriptionError(t *testing.T) {
	channel := newClientChannel[*counter.Count]("ghost", counter.NewHandler())

	discard, err := channel.receiveSubscriptionError(&ServerSubscriptionError{
		Id:      "ghost",
		Message: noSuchChannelMessage,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, discard, true)

	var subscriptionErr *SubscriptionError
	assert.Equal(t, errors.As(channel.Err(), &subscriptionErr), true)
	assert.Equal(t, subscriptionErr.Id, "ghost")
	assert.Equal(t, errors.Is(channel.Err(), ErrNoSuchChannel), true)
	assert.Equal(t, errors.Is(channel.Err(), ErrDuplicateSubscription), false)
}

func TestClientChannelLocalUpdates(t *testing.T) {
	channel := readyCounterChannel(t, 0, 0)

	channel.RequireUpdate(counter.Increment())
	channel.RequireUpdate(counter.Increment())

	// visible immediately, nothing sent
	assert.Equal(t, channel.RequireState().Value, int64(2))
	committed, _ := channel.CommittedState()
	assert.Equal(t, committed.Value, int64(0))
	assert.Equal(t, channel.Stats(), ClientChannelStats{
		Version:           0,
		NumLocalUpdates:   2,
		NumSentUpdates:    0,
		NumPendingUpdates: 2,
	})

	updates := flush(channel)
	assert.Equal(t, len(updates), 2)
	assert.Equal(t, channel.Stats().NumSentUpdates, int64(2))
	// sent updates stay buffered until acknowledged
	assert.Equal(t, channel.Stats().NumPendingUpdates, 2)
	assert.Equal(t, len(flush(channel)), 0)

	err := channel.receiveUpdates(1000, &ServerChannelUpdates{
		NumLocalUpdates: 2,
		Updates:         updates,
	})
	assert.Equal(t, err, nil)
	committed, _ = channel.CommittedState()
	assert.Equal(t, committed.Value, int64(2))
	assert.Equal(t, channel.RequireState().Value, int64(2))
	assert.Equal(t, channel.Stats(), ClientChannelStats{
		Version:           2,
		NumLocalUpdates:   2,
		NumSentUpdates:    2,
		NumPendingUpdates: 0,
	})
	assert.Equal(t, channel.CreationTime(), time.UnixMilli(1000))
}

func TestClientChannelReconcile(t *testing.T) {
	channel := readyCounterChannel(t, 5, 7)

	channel.RequireUpdate(counter.Add(1))
	channel.RequireUpdate(counter.Add(2))
	sent := flush(channel)
	// not yet sent
	channel.RequireUpdate(counter.Add(4))
	assert.Equal(t, channel.RequireState().Value, int64(12))

	// the server interleaved an update of its own with the first local update
	err := channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 1,
		Updates:         []*structpb.Value{counter.Add(10), sent[0]},
	})
	assert.Equal(t, err, nil)

	committed, _ := channel.CommittedState()
	assert.Equal(t, committed.Value, int64(16))
	// committed + the two unacknowledged local updates
	assert.Equal(t, channel.RequireState().Value, int64(22))
	stats := channel.Stats()
	assert.Equal(t, stats.Version, int64(9))
	assert.Equal(t, stats.NumPendingUpdates, 2)

	// an entry with only server updates keeps the local buffer
	err = channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 1,
		Updates:         []*structpb.Value{counter.Add(100)},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.RequireState().Value, int64(122))
	assert.Equal(t, channel.Stats().NumPendingUpdates, 2)

	// the pending updates are sent and acknowledged
	sent = flush(channel)
	assert.Equal(t, len(sent), 1)
	err = channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 3,
		Updates:         []*structpb.Value{channel.updates[0], sent[0]},
	})
	assert.Equal(t, err, nil)
	committed, _ = channel.CommittedState()
	assert.Equal(t, committed.Value, int64(122))
	assert.Equal(t, channel.RequireState().Value, int64(122))
	assert.Equal(t, channel.Stats().NumPendingUpdates, 0)
	assert.Equal(t, channel.Stats().Version, int64(12))
}

func TestClientChannelAckExceedsSent(t *testing.T) {
	channel := readyCounterChannel(t, 0, 0)

	channel.RequireUpdate(counter.Increment())
	flush(channel)
	channel.RequireUpdate(counter.Increment())

	// only one update was sent
	err := channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 2,
		Updates:         numbers(1, 1),
	})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)
	// nothing was applied
	committed, _ := channel.CommittedState()
	assert.Equal(t, committed.Value, int64(0))
}

func TestClientChannelAckWentBackwards(t *testing.T) {
	channel := readyCounterChannel(t, 0, 0)

	channel.RequireUpdate(counter.Increment())
	channel.RequireUpdate(counter.Increment())
	flush(channel)
	err := channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 2,
		Updates:         numbers(1, 1),
	})
	assert.Equal(t, err, nil)

	channel.RequireUpdate(counter.Increment())
	flush(channel)
	// two updates are implied unacknowledged but only one is buffered
	err = channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 1,
		Updates:         numbers(1),
	})
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)
}

func TestClientChannelVersionMonotonic(t *testing.T) {
	channel := readyCounterChannel(t, 0, 3)

	last := channel.Stats().Version
	for i := 0; i < 10; i += 1 {
		err := channel.receiveUpdates(int64(i), &ServerChannelUpdates{
			Updates: numbers(make([]float64, i%3)...),
		})
		assert.Equal(t, err, nil)
		version := channel.Stats().Version
		assert.Equal(t, version, last+int64(i%3))
		last = version
	}
}

func TestClientChannelClose(t *testing.T) {
	channel := readyCounterChannel(t, 0, 0)
	channel.close(ErrConnectionClosed)

	assert.Equal(t, channel.Err(), ErrConnectionClosed)
	assert.Equal(t, channel.Update(counter.Increment()), ErrChannelClosed)
	// the last state stays readable
	assert.Equal(t, channel.RequireState().Value, int64(0))
	// late messages are ignored
	assert.Equal(t, channel.receiveUpdates(0, &ServerChannelUpdates{Updates: numbers(1)}), nil)
}

func TestReplay(t *testing.T) {
	handler := chat.NewHandler(nil)
	committed := &chat.Log{Messages: []string{"a", "b"}}
	updates := []*structpb.Value{
		chat.Message("c"),
		chat.Message("d"),
	}

	expected := handler.CopyState(committed)
	for _, update := range updates {
		handler.ApplyUpdate(expected, update)
	}

	predicted := replay[*chat.Log](handler, committed, updates)
	assert.Equal(t, predicted.Messages, []string{"a", "b", "c", "d"})
	assert.Equal(t, predicted, expected)
	// replay is deterministic
	assert.Equal(t, replay[*chat.Log](handler, committed, updates), predicted)
	// and leaves the committed state alone
	assert.Equal(t, committed.Messages, []string{"a", "b"})
}

func TestClientChannelOrderedReplay(t *testing.T) {
	channel := newClientChannel[*chat.Log]("chat", chat.NewHandler(nil))
	_, err := channel.receiveSnapshot(&ServerSnapshot{
		Id:    "chat",
		State: structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("a")}}),
	})
	assert.Equal(t, err, nil)

	channel.RequireUpdate(chat.Message("mine 1"))
	channel.RequireUpdate(chat.Message("mine 2"))
	flush(channel)

	// server updates come before the local ones that are still unacknowledged
	err = channel.receiveUpdates(0, &ServerChannelUpdates{
		NumLocalUpdates: 0,
		Updates:         []*structpb.Value{chat.Message("theirs")},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, channel.RequireState().Messages, []string{"a", "theirs", "mine 1", "mine 2"})
	committed, _ := channel.CommittedState()
	assert.Equal(t, committed.Messages, []string{"a", "theirs"})
}

func TestClientChannelAbandonAdopt(t *testing.T) {
	first := []int64{}
	channel := newClientChannel[*counter.Count]("counter", counter.NewHandlerWithCallback(func(value int64) {
		first = append(first, value)
	}))
	channel.abandon()

	// absorbed without notifying
	discard, err := channel.receiveSnapshot(&ServerSnapshot{
		Id:      "counter",
		State:   structpb.NewNumberValue(5),
		Version: 1,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, discard, false)
	assert.Equal(t, channel.receiveUpdates(0, &ServerChannelUpdates{Updates: numbers(1)}), nil)
	assert.Equal(t, len(first), 0)

	second := []int64{}
	adopted := channel.adopt(counter.NewHandlerWithCallback(func(value int64) {
		second = append(second, value)
	}))
	assert.Equal(t, adopted, true)
	// only once
	assert.Equal(t, channel.adopt(counter.NewHandler()), false)

	channel.changed()
	channel.RequireUpdate(counter.Increment())
	assert.Equal(t, second, []int64{6, 7})
	assert.Equal(t, len(first), 0)
	assert.Equal(t, channel.Stats().Version, int64(2))
}

func TestClientChannelAbandonFailed(t *testing.T) {
	channel := newClientChannel[*counter.Count]("ghost", counter.NewHandler())
	channel.abandon()

	discard, err := channel.receiveSubscriptionError(&ServerSubscriptionError{
		Id:      "ghost",
		Message: noSuchChannelMessage,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, discard, true)
	assert.Equal(t, channel.adopt(counter.NewHandler()), false)
}

func TestClientChannelNotAbandoned(t *testing.T) {
	channel := readyCounterChannel(t, 0, 0)
	assert.Equal(t, channel.adopt(counter.NewHandler()), false)
}
