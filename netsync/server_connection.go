package netsync

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// the server side of one client transport
type serverConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry  *Registry
	transport *Transport

	// orders the snapshot of a new subscription before any broadcast for it
	sendLock sync.Mutex

	stateLock     sync.Mutex
	subscriptions map[string]*subscription
}

func newServerConnection(ctx context.Context, registry *Registry, transport *Transport) *serverConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &serverConnection{
		ctx:           cancelCtx,
		cancel:        cancel,
		registry:      registry,
		transport:     transport,
		subscriptions: map[string]*subscription{},
	}
}

func (self *serverConnection) run() {
	defer self.shutdown()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.transport.Receive():
			if !ok {
				return
			}
			var handled bool
			if err := HandleError(func() {
				handled = self.receive(message)
			}); err != nil {
				self.transport.CloseWithError(err)
			}
			if !handled {
				return
			}
		}
	}
}

// returns false when the connection should be closed
func (self *serverConnection) receive(b []byte) bool {
	message, err := DecodeClientMessage(b)
	if err != nil {
		glog.Infof("%s: Bad message from client. Disconnecting. (%s)\n", self.transport.Tag(), err)
		self.transport.CloseWithError(err)
		return false
	}
	messageType, _ := ClientMessageType(message)
	logReceive(self.transport.Tag(), messageType, len(b))

	switch v := message.(type) {
	case *ClientSubscribe:
		return self.receiveSubscribe(v)
	case *ClientUpdates:
		self.receiveUpdates(v)
		return true
	default:
		return true
	}
}

func (self *serverConnection) receiveUpdates(message *ClientUpdates) {
	for id, updates := range message.Updates {
		self.stateLock.Lock()
		sub, ok := self.subscriptions[id]
		self.stateLock.Unlock()
		if !ok {
			glog.V(1).Infof("%s: updates for unsubscribed channel %s\n", self.transport.Tag(), id)
			continue
		}
		sub.channel.applyClientUpdates(sub, updates)
	}
}

func (self *serverConnection) receiveSubscribe(message *ClientSubscribe) bool {
	id := message.Id

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	_, subscribed := self.subscriptions[id]
	self.stateLock.Unlock()
	if subscribed {
		return self.send(&ServerSubscriptionError{
			Id:      id,
			Message: alreadySubscribedMessage,
		})
	}

	channel, ok := self.registry.channel(id)
	if !ok {
		return self.send(&ServerSubscriptionError{
			Id:      id,
			Message: noSuchChannelMessage,
		})
	}

	sub, snapshot, err := channel.subscribe(self)
	if err != nil {
		glog.Infof("%s: snapshot %s error = %s\n", self.transport.Tag(), id, err)
		return self.send(&ServerSubscriptionError{
			Id:      id,
			Message: err.Error(),
		})
	}
	self.stateLock.Lock()
	self.subscriptions[id] = sub
	self.stateLock.Unlock()
	glog.V(1).Infof("%s: subscribed %s (v%d)\n", self.transport.Tag(), id, snapshot.Version)

	return self.send(snapshot)
}

// sendUpdates sends the entries of this connection's subscriptions from one broadcast cycle.
// The send lock orders it after the snapshot of any subscription in `entries`.
func (self *serverConnection) sendUpdates(serverTime int64, entries map[*subscription]*ServerChannelUpdates) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	message := &ServerUpdates{
		Time:    serverTime,
		Updates: map[string]*ServerChannelUpdates{},
	}
	for sub, entry := range entries {
		message.Updates[sub.channel.Id()] = entry
	}
	if len(message.Updates) == 0 {
		return
	}
	self.send(message)
}

// must be called with the send lock
// returns false when the connection is closed
func (self *serverConnection) send(message ServerMessage) bool {
	b, err := EncodeServerMessage(message, self.registry.settings.TransportSettings.MaxMessageSize)
	if err != nil {
		// oversized envelopes are fatal for the connection
		glog.Infof("%s: encode error = %s\n", self.transport.Tag(), err)
		self.transport.CloseWithError(err)
		return false
	}
	messageType, _ := ServerMessageType(message)
	logSend(self.transport.Tag(), messageType, len(b))
	// a full send buffer closes the connection rather than waiting
	if err := self.transport.TrySend(b); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			glog.Infof("%s: send error = %s\n", self.transport.Tag(), err)
		}
		return false
	}
	return true
}

func (self *serverConnection) shutdown() {
	self.cancel()
	self.transport.Close()

	self.stateLock.Lock()
	subscriptions := self.subscriptions
	self.subscriptions = map[string]*subscription{}
	self.stateLock.Unlock()

	for _, sub := range subscriptions {
		sub.channel.unsubscribe(sub)
	}
	self.registry.removeConnection(self)
	glog.V(1).Infof("%s: connection closed. (%v)\n", self.transport.Tag(), self.transport.Err())
}
