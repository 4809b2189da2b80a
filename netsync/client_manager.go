package netsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/types/known/structpb"
)

type ManagerSettings struct {
	FlushInterval     time.Duration
	TransportSettings *TransportSettings
}

func DefaultManagerSettings() *ManagerSettings {
	return &ManagerSettings{
		FlushInterval:     1 * time.Second,
		TransportSettings: DefaultTransportSettings(),
	}
}

// Manager owns the client side channels of one connection to a registry.
// Local updates are buffered and flushed periodically. Authoritative updates from the
// server are reconciled into each channel as they arrive.
//
// When the connection is lost all channels are closed, and subscribes still
// waiting for their snapshot fail with `ErrConnectionClosed`.
// There is no reconnect. A new manager must be dialed.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *ManagerSettings
	transport *Transport
	metrics   *Metrics

	// one flush at a time, so an unsent suffix is never sent twice
	flushLock sync.Mutex

	stateLock sync.Mutex
	channels  map[string]managerChannel
	err       error
}

func DialManagerWithDefaults(ctx context.Context, url string) (*Manager, error) {
	return DialManager(ctx, url, DefaultManagerSettings())
}

// DialManager connects to the registry at `url` (ws:// or wss://) and starts the flush loop.
func DialManager(ctx context.Context, url string, settings *ManagerSettings) (*Manager, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	metrics := NewMetricsWithDefaults(cancelCtx)
	transport, err := DialTransport(cancelCtx, url, settings.TransportSettings, metrics)
	if err != nil {
		cancel()
		return nil, err
	}
	return newManager(cancelCtx, cancel, settings, transport, metrics), nil
}

func newManager(
	ctx context.Context,
	cancel context.CancelFunc,
	settings *ManagerSettings,
	transport *Transport,
	metrics *Metrics,
) *Manager {
	manager := &Manager{
		ctx:       ctx,
		cancel:    cancel,
		settings:  settings,
		transport: transport,
		metrics:   metrics,
		channels:  map[string]managerChannel{},
	}
	glog.V(1).Infof("%s: connected\n", transport.Tag())
	go manager.run()
	go manager.runFlush()
	return manager
}

// Subscribe subscribes to the channel `id` and waits for its first snapshot.
// There is no built in timeout. `ctx` bounds the wait.
//
// The server keeps a subscription whose wait was cancelled. Its channel stays in the table,
// absorbing the snapshot and updates, and the next subscribe to `id` adopts it.
func Subscribe[S any](ctx context.Context, manager *Manager, id string, handler ClientHandler[S]) (*ClientChannel[S], error) {
	channel, adopted, err := addOrAdoptChannel(manager, id, handler)
	if err != nil {
		return nil, err
	}
	if !adopted {
		if err := manager.send(&ClientSubscribe{Id: id}, nil); err != nil {
			manager.removeChannel(channel)
			channel.close(err)
			return nil, err
		}
	}

	select {
	case <-channel.initialized:
		if err := channel.Err(); err != nil {
			return nil, err
		}
		if adopted {
			channel.changed()
		}
		glog.V(1).Infof("%s: subscribed %s\n", manager.transport.Tag(), id)
		return channel, nil
	case <-ctx.Done():
		channel.abandon()
		return nil, ctx.Err()
	}
}

func addOrAdoptChannel[S any](manager *Manager, id string, handler ClientHandler[S]) (*ClientChannel[S], bool, error) {
	manager.stateLock.Lock()
	defer manager.stateLock.Unlock()

	if manager.err != nil {
		return nil, false, manager.err
	}
	if current, ok := manager.channels[id]; ok {
		if channel, ok := current.(*ClientChannel[S]); ok && channel.adopt(handler) {
			return channel, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrDuplicateSubscription, id)
	}
	channel := newClientChannel(id, handler)
	manager.channels[id] = channel
	return channel, false, nil
}

// removes the channel only if it is still the table entry for its id
func (self *Manager) removeChannel(channel managerChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.channels[channel.Id()]; ok && current == channel {
		delete(self.channels, channel.Id())
	}
}

func (self *Manager) channel(id string) (managerChannel, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	channel, ok := self.channels[id]
	return channel, ok
}

func (self *Manager) Metrics() *Metrics {
	return self.metrics
}

func (self *Manager) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Err is the error that closed the manager, `ErrConnectionClosed` after a clean close,
// or nil while running.
func (self *Manager) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

// Close disconnects and waits until envelopes already sent by `Flush` are written.
func (self *Manager) Close() {
	self.shutdown(ErrConnectionClosed)
	<-self.transport.Closed()
}

// encodes and sends one envelope. `beforeSend` runs after the size check and before
// the envelope is queued, so bookkeeping is in place before the server can reply
func (self *Manager) send(message ClientMessage, beforeSend func()) error {
	b, err := EncodeClientMessage(message, self.settings.TransportSettings.MaxMessageSize)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			glog.Infof("%s: encode error = %s\n", self.transport.Tag(), err)
			self.shutdown(err)
		}
		return err
	}
	if beforeSend != nil {
		beforeSend()
	}
	messageType, _ := ClientMessageType(message)
	logSend(self.transport.Tag(), messageType, len(b))
	return self.transport.Send(b)
}

func (self *Manager) runFlush() {
	ticker := time.NewTicker(self.settings.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			if err := self.Flush(); err != nil {
				glog.V(1).Infof("%s: flush error = %s\n", self.transport.Tag(), err)
			}
		}
	}
}

// Flush sends the unsent local updates of every channel in one envelope.
// Sent updates stay buffered until the server acknowledges them.
func (self *Manager) Flush() error {
	self.flushLock.Lock()
	defer self.flushLock.Unlock()

	self.stateLock.Lock()
	channels := maps.Values(self.channels)
	self.stateLock.Unlock()

	message := &ClientUpdates{
		Updates: map[string][]*structpb.Value{},
	}
	sentCounts := map[managerChannel]int64{}
	for _, channel := range channels {
		updates, numLocalUpdates := channel.unsentUpdates()
		if len(updates) == 0 {
			continue
		}
		message.Updates[channel.Id()] = updates
		sentCounts[channel] = numLocalUpdates
	}
	if len(message.Updates) == 0 {
		return nil
	}
	return self.send(message, func() {
		for channel, numLocalUpdates := range sentCounts {
			channel.markSent(numLocalUpdates)
		}
	})
}

func (self *Manager) run() {
	for {
		select {
		case <-self.ctx.Done():
			self.shutdown(ErrConnectionClosed)
			return
		case message, ok := <-self.transport.Receive():
			if !ok {
				err := self.transport.Err()
				if err == nil {
					err = ErrConnectionClosed
				}
				self.shutdown(err)
				return
			}
			var err error
			if panicErr := HandleError(func() {
				err = self.receive(message)
			}); panicErr != nil {
				err = panicErr
			}
			if err != nil {
				glog.Infof("%s: %s\n", self.transport.Tag(), err)
				self.shutdown(err)
				return
			}
		}
	}
}

// returns an error for fatal conditions
func (self *Manager) receive(b []byte) error {
	message, err := DecodeServerMessage(b)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	messageType, _ := ServerMessageType(message)
	logReceive(self.transport.Tag(), messageType, len(b))

	switch v := message.(type) {
	case *ServerSnapshot:
		channel, ok := self.channel(v.Id)
		if !ok {
			return nil
		}
		discard, err := channel.receiveSnapshot(v)
		if err != nil {
			return err
		}
		if discard {
			self.removeChannel(channel)
		}
	case *ServerUpdates:
		for id, entry := range v.Updates {
			channel, ok := self.channel(id)
			if !ok || entry == nil {
				continue
			}
			if err := channel.receiveUpdates(v.Time, entry); err != nil {
				return err
			}
		}
	case *ServerSubscriptionError:
		channel, ok := self.channel(v.Id)
		if !ok {
			return nil
		}
		discard, err := channel.receiveSubscriptionError(v)
		if err != nil {
			return err
		}
		if discard {
			self.removeChannel(channel)
		}
	}
	return nil
}

// shutdown closes the transport and every channel. The first error is kept.
func (self *Manager) shutdown(err error) {
	self.stateLock.Lock()
	if self.err != nil {
		self.stateLock.Unlock()
		return
	}
	self.err = err
	channels := self.channels
	self.channels = map[string]managerChannel{}
	self.stateLock.Unlock()

	self.cancel()
	self.transport.Close()
	for _, channel := range channels {
		channel.close(ErrConnectionClosed)
	}
	glog.V(1).Infof("%s: connection closed. (%s)\n", self.transport.Tag(), err)
}
