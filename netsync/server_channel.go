package netsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"google.golang.org/protobuf/types/known/structpb"
)

// the registry's view of a channel, independent of the state type
type registryChannel interface {
	Id() string
	subscribe(connection *serverConnection) (*subscription, *ServerSnapshot, error)
	unsubscribe(sub *subscription)
	applyClientUpdates(sub *subscription, updates []*structpb.Value)
	drain() map[*subscription]*ServerChannelUpdates
}

// one client connection subscribed to one channel
type subscription struct {
	channel    registryChannel
	connection *serverConnection

	// these are guarded by the channel state lock

	// number of updates received from the client and applied
	numLocalUpdates int64
	// the prefix of the current broadcast buffer that was already in the snapshot
	bufferOffset int
}

// ServerChannel holds the authoritative state of one channel.
type ServerChannel[S any] struct {
	id           string
	handler      ServerHandler[S]
	creationTime time.Time

	stateLock sync.Mutex
	state     S
	// includes buffered updates
	version       int64
	subscriptions map[*subscription]bool
	// applied updates the subscribers haven't received
	updates []*structpb.Value
}

func newServerChannel[S any](id string, handler ServerHandler[S]) *ServerChannel[S] {
	return &ServerChannel[S]{
		id:            id,
		handler:       handler,
		creationTime:  time.Now(),
		state:         handler.DefaultState(),
		subscriptions: map[*subscription]bool{},
	}
}

func (self *ServerChannel[S]) Id() string {
	return self.id
}

func (self *ServerChannel[S]) CreationTime() time.Time {
	return self.creationTime
}

func (self *ServerChannel[S]) Version() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

// State returns the live authoritative state. It must not be mutated.
// Use `View` to read it consistently while updates are applied concurrently.
func (self *ServerChannel[S]) State() S {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// View calls `fn` with the authoritative state under the channel lock.
func (self *ServerChannel[S]) View(fn func(state S, version int64)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	fn(self.state, self.version)
}

func (self *ServerChannel[S]) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscriptions)
}

// Update applies a server originated update immediately and queues it for broadcast.
func (self *ServerChannel[S]) Update(update *structpb.Value) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.apply(update)
	self.handler.OnChange(self.state)
}

// must be called inside the state lock
// an update whose handler panics is not buffered
func (self *ServerChannel[S]) apply(update *structpb.Value) {
	self.handler.ApplyUpdate(self.state, update)
	self.updates = append(self.updates, update)
	self.version += 1
}

func (self *ServerChannel[S]) subscribe(connection *serverConnection) (*subscription, *ServerSnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, err := self.handler.EncodeSnapshot(self.state)
	if err != nil {
		return nil, nil, err
	}
	sub := &subscription{
		channel:      self,
		connection:   connection,
		bufferOffset: len(self.updates),
	}
	self.subscriptions[sub] = true
	snapshot := &ServerSnapshot{
		Id:      self.id,
		State:   state,
		Version: self.version,
	}
	return sub, snapshot, nil
}

func (self *ServerChannel[S]) unsubscribe(sub *subscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.subscriptions, sub)
}

func (self *ServerChannel[S]) applyClientUpdates(sub *subscription, updates []*structpb.Value) {
	if len(updates) == 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.subscriptions[sub] {
		// the subscription was removed while the message was in flight
		return
	}
	for _, update := range updates {
		self.apply(update)
	}
	sub.numLocalUpdates += int64(len(updates))
	glog.V(2).Infof("[s]%s applied %d client updates (v%d)\n", self.id, len(updates), self.version)
	self.handler.OnChange(self.state)
}

// drain takes the broadcast buffer and clears it.
// Each subscriber gets the part of the buffer not already in its snapshot,
// with its acknowledged count read at the same instant.
func (self *ServerChannel[S]) drain() map[*subscription]*ServerChannelUpdates {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.updates) == 0 {
		return nil
	}
	updates := self.updates
	self.updates = nil

	entries := map[*subscription]*ServerChannelUpdates{}
	for sub := range self.subscriptions {
		offset := sub.bufferOffset
		sub.bufferOffset = 0
		if len(updates) <= offset {
			continue
		}
		entries[sub] = &ServerChannelUpdates{
			NumLocalUpdates: sub.numLocalUpdates,
			Updates:         updates[offset:],
		}
	}
	return entries
}
