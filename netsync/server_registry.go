package netsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type RegistrySettings struct {
	// materially shorter than the client flush interval to bound staleness
	BroadcastInterval time.Duration
	TransportSettings *TransportSettings
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		BroadcastInterval: 50 * time.Millisecond,
		TransportSettings: DefaultTransportSettings(),
	}
}

// Registry owns the authoritative channels and the client connections subscribed to them.
// It serves websocket connections as an `http.Handler`.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RegistrySettings
	metrics  *Metrics
	upgrader *websocket.Upgrader

	stateLock   sync.Mutex
	channels    map[string]registryChannel
	connections map[*serverConnection]bool
}

func NewRegistryWithDefaults(ctx context.Context) *Registry {
	return NewRegistry(ctx, DefaultRegistrySettings())
}

func NewRegistry(ctx context.Context, settings *RegistrySettings) *Registry {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := &Registry{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		metrics:  NewMetricsWithDefaults(cancelCtx),
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.TransportSettings.WsHandshakeTimeout,
		},
		channels:    map[string]registryChannel{},
		connections: map[*serverConnection]bool{},
	}
	go registry.run()
	return registry
}

// CreateChannel registers a new authoritative channel. The state is usable immediately.
func CreateChannel[S any](registry *Registry, id string, handler ServerHandler[S]) (*ServerChannel[S], error) {
	registry.stateLock.Lock()
	defer registry.stateLock.Unlock()

	if _, ok := registry.channels[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, id)
	}
	channel := newServerChannel(id, handler)
	registry.channels[id] = channel
	glog.V(1).Infof("[s]create channel %s\n", id)
	return channel, nil
}

func RequireCreateChannel[S any](registry *Registry, id string, handler ServerHandler[S]) *ServerChannel[S] {
	channel, err := CreateChannel(registry, id, handler)
	if err != nil {
		panic(err)
	}
	return channel
}

func (self *Registry) channel(id string) (registryChannel, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	channel, ok := self.channels[id]
	return channel, ok
}

func (self *Registry) Metrics() *Metrics {
	return self.metrics
}

func (self *Registry) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}

// ServeHTTP upgrades the request to a websocket and serves it until the connection closes.
func (self *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an error
		glog.Infof("[s]upgrade %s error = %s\n", r.RemoteAddr, err)
		return
	}

	transport := NewTransport(self.ctx, "s", ws, self.settings.TransportSettings, self.metrics)
	connection := newServerConnection(self.ctx, self, transport)

	self.stateLock.Lock()
	select {
	case <-self.ctx.Done():
		self.stateLock.Unlock()
		transport.Close()
		return
	default:
	}
	self.connections[connection] = true
	self.stateLock.Unlock()

	glog.V(1).Infof("%s: connection from %s\n", transport.Tag(), r.RemoteAddr)
	connection.run()
}

func (self *Registry) removeConnection(connection *serverConnection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.connections, connection)
}

func (self *Registry) run() {
	ticker := time.NewTicker(self.settings.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.Broadcast()
		}
	}
}

// Broadcast runs one broadcast cycle: every channel's buffered updates go out
// to its subscribers, one envelope per connection, and the buffers are cleared.
// The buffers are cleared even when a connection fails to take its envelope.
func (self *Registry) Broadcast() {
	self.stateLock.Lock()
	channels := maps.Values(self.channels)
	self.stateLock.Unlock()

	// grouped by the subscription's own connection, so a connection accepted
	// during the cycle still gets the entries drained for it
	connectionEntries := map[*serverConnection]map[*subscription]*ServerChannelUpdates{}
	for _, channel := range channels {
		for sub, entry := range channel.drain() {
			entries, ok := connectionEntries[sub.connection]
			if !ok {
				entries = map[*subscription]*ServerChannelUpdates{}
				connectionEntries[sub.connection] = entries
			}
			entries[sub] = entry
		}
	}
	if len(connectionEntries) == 0 {
		return
	}

	serverTime := time.Now().UnixMilli()
	for connection, entries := range connectionEntries {
		connection.sendUpdates(serverTime, entries)
	}
}

// Close disconnects all clients and stops the broadcast loop.
func (self *Registry) Close() {
	self.cancel()
}
