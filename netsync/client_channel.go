package netsync

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// the manager's view of a channel, independent of the state type
type managerChannel interface {
	Id() string
	// returns true if the channel should be removed from the table
	receiveSnapshot(message *ServerSnapshot) (bool, error)
	receiveUpdates(serverTime int64, entry *ServerChannelUpdates) error
	receiveSubscriptionError(message *ServerSubscriptionError) (bool, error)
	// the unsent suffix of the buffer for the next flush
	unsentUpdates() ([]*structpb.Value, int64)
	markSent(numLocalUpdates int64)
	close(err error)
}

type clientChannelState int

const (
	clientChannelPending clientChannelState = iota
	clientChannelReady
	clientChannelFailed
)

type ClientChannelStats struct {
	Version int64
	// updates created locally in total
	NumLocalUpdates int64
	// updates created locally which have been sent
	NumSentUpdates int64
	// local updates not yet acknowledged by the server
	NumPendingUpdates int
}

// ClientChannel is a client's local projection of a server channel.
// The predicted state is the committed state with all unacknowledged local updates applied.
//
// Handler callbacks run with the channel locked and must not call back into the channel.
type ClientChannel[S any] struct {
	id      string
	handler ClientHandler[S]

	// closed once the channel leaves the pending state
	initialized chan struct{}

	stateLock sync.Mutex
	state     clientChannelState
	err       error
	// the subscribe that created the channel gave up waiting.
	// the channel keeps tracking the server without notifying until it is adopted
	abandoned bool
	// known to be consistent with the server
	committedState S
	predictedState S
	// local updates to the committed state, in creation order, not yet acknowledged
	updates         []*structpb.Value
	numSentUpdates  int64
	numLocalUpdates int64
	// version of the committed state
	version int64
	// creation time of the committed state, in server time
	creationTime time.Time
}

func newClientChannel[S any](id string, handler ClientHandler[S]) *ClientChannel[S] {
	return &ClientChannel[S]{
		id:          id,
		handler:     handler,
		initialized: make(chan struct{}),
		state:       clientChannelPending,
	}
}

func (self *ClientChannel[S]) Id() string {
	return self.id
}

// Update applies a local update to the predicted state immediately and buffers it for the next flush.
// The update must not be modified afterwards.
func (self *ClientChannel[S]) Update(update *structpb.Value) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case clientChannelPending:
		return ErrNotInitialized
	case clientChannelFailed:
		return ErrChannelClosed
	}
	self.updates = append(self.updates, update)
	self.handler.ApplyUpdate(self.predictedState, update)
	self.numLocalUpdates += 1
	self.handler.OnChange(self.predictedState)
	return nil
}

func (self *ClientChannel[S]) RequireUpdate(update *structpb.Value) {
	if err := self.Update(update); err != nil {
		panic(err)
	}
}

// State is the predicted state. It must not be mutated.
func (self *ClientChannel[S]) State() (S, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == clientChannelPending {
		var empty S
		return empty, ErrNotInitialized
	}
	return self.predictedState, nil
}

func (self *ClientChannel[S]) RequireState() S {
	state, err := self.State()
	if err != nil {
		panic(err)
	}
	return state
}

// CommittedState is the last state known to match the server.
func (self *ClientChannel[S]) CommittedState() (S, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == clientChannelPending {
		var empty S
		return empty, ErrNotInitialized
	}
	return self.committedState, nil
}

// View calls `fn` with the predicted and committed states under the channel lock.
// It does nothing before the channel is initialized.
func (self *ClientChannel[S]) View(fn func(state S, committedState S, version int64)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == clientChannelPending {
		return
	}
	fn(self.predictedState, self.committedState, self.version)
}

func (self *ClientChannel[S]) Stats() ClientChannelStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return ClientChannelStats{
		Version:           self.version,
		NumLocalUpdates:   self.numLocalUpdates,
		NumSentUpdates:    self.numSentUpdates,
		NumPendingUpdates: len(self.updates),
	}
}

func (self *ClientChannel[S]) CreationTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.creationTime
}

// Err is the reason the channel was closed, or nil while it is usable.
func (self *ClientChannel[S]) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

// must be called inside the state lock
func (self *ClientChannel[S]) fail(err error) {
	if self.state == clientChannelPending {
		close(self.initialized)
	}
	self.state = clientChannelFailed
	self.err = err
}

func (self *ClientChannel[S]) receiveSnapshot(message *ServerSnapshot) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case clientChannelReady:
		return false, protocolViolation("received snapshot for channel %s, which is already initialized", self.id)
	case clientChannelFailed:
		return true, nil
	}

	committedState, err := self.handler.LoadSnapshot(message.State)
	if err != nil {
		self.fail(fmt.Errorf("load snapshot for channel %s: %w", self.id, err))
		return true, nil
	}
	self.committedState = committedState
	self.predictedState = self.handler.CopyState(committedState)
	self.version = message.Version
	self.state = clientChannelReady
	close(self.initialized)
	self.notifyChange()
	return false, nil
}

func (self *ClientChannel[S]) receiveSubscriptionError(message *ServerSubscriptionError) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case clientChannelReady:
		return false, protocolViolation(
			"received subscription error for channel %s after it was already successfully initialized",
			self.id,
		)
	case clientChannelFailed:
		return true, nil
	}
	self.fail(&SubscriptionError{
		Id:      message.Id,
		Message: message.Message,
	})
	return true, nil
}

// receiveUpdates reconciles with a batch of authoritative updates.
// The predicted state is rebuilt from a copy of the committed state and the remaining local updates.
func (self *ClientChannel[S]) receiveUpdates(serverTime int64, entry *ServerChannelUpdates) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case clientChannelPending:
		return protocolViolation("received updates for channel %s before it was initialized", self.id)
	case clientChannelFailed:
		return nil
	}

	// numLocalUpdates tells us how many of the local updates are in the committed state.
	// those are discarded from the buffer
	if self.numSentUpdates < entry.NumLocalUpdates {
		return protocolViolation(
			"invalid numLocalUpdates for channel %s: %d acknowledged but %d sent",
			self.id,
			entry.NumLocalUpdates,
			self.numSentUpdates,
		)
	}
	numUnprocessed := self.numLocalUpdates - entry.NumLocalUpdates
	if numUnprocessed < 0 || int64(len(self.updates)) < numUnprocessed {
		return protocolViolation(
			"invalid numLocalUpdates for channel %s: %d acknowledged with %d of %d pending",
			self.id,
			entry.NumLocalUpdates,
			len(self.updates),
			self.numLocalUpdates,
		)
	}

	for _, update := range entry.Updates {
		self.handler.ApplyUpdate(self.committedState, update)
	}
	self.version += int64(len(entry.Updates))
	self.creationTime = time.UnixMilli(serverTime)

	trimCount := len(self.updates) - int(numUnprocessed)
	if 0 < trimCount {
		self.updates = append([]*structpb.Value(nil), self.updates[trimCount:]...)
	}

	self.predictedState = replay(self.handler, self.committedState, self.updates)
	self.notifyChange()
	return nil
}

// must be called inside the state lock
func (self *ClientChannel[S]) notifyChange() {
	if !self.abandoned {
		self.handler.OnChange(self.predictedState)
	}
}

// abandon keeps the channel in the manager's table after its subscribe gave up,
// so the server's snapshot and updates for it are absorbed rather than rejected
func (self *ClientChannel[S]) abandon() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.abandoned = true
}

// adopt hands an abandoned channel to a new subscribe with `handler`.
// returns false if the channel is not abandoned or has failed
func (self *ClientChannel[S]) adopt(handler ClientHandler[S]) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.abandoned || self.state == clientChannelFailed {
		return false
	}
	self.abandoned = false
	self.handler = handler
	if self.state == clientChannelReady {
		self.predictedState = replay(self.handler, self.committedState, self.updates)
	}
	return true
}

// notifies the current handler of the predicted state, once ready
func (self *ClientChannel[S]) changed() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == clientChannelReady {
		self.notifyChange()
	}
}

func (self *ClientChannel[S]) unsentUpdates() ([]*structpb.Value, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != clientChannelReady {
		return nil, self.numSentUpdates
	}
	toSend := int(self.numLocalUpdates - self.numSentUpdates)
	if toSend == 0 {
		return nil, self.numSentUpdates
	}
	updates := append([]*structpb.Value(nil), self.updates[len(self.updates)-toSend:]...)
	return updates, self.numLocalUpdates
}

func (self *ClientChannel[S]) markSent(numLocalUpdates int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.numSentUpdates < numLocalUpdates {
		self.numSentUpdates = numLocalUpdates
	}
}

func (self *ClientChannel[S]) close(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == clientChannelFailed {
		return
	}
	self.fail(err)
}

// replay computes a fresh predicted state: a copy of `committed` with `updates` applied in order.
// `committed` is not modified.
func replay[S any](handler ClientHandler[S], committed S, updates []*structpb.Value) S {
	predicted := handler.CopyState(committed)
	for _, update := range updates {
		handler.ApplyUpdate(predicted, update)
	}
	return predicted
}
