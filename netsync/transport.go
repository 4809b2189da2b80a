package netsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// one envelope per websocket text message.
// an empty text message is a keepalive ping and is never delivered

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// how long `Send` waits for room in the send buffer before the transport is closed
	SendTimeout    time.Duration
	SendBufferSize int
	// ceiling for a single encoded envelope, in both directions
	MaxMessageSize int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendTimeout:        5 * time.Second,
		SendBufferSize:     32,
		MaxMessageSize:     DefaultMaxMessageSize,
	}
}

// Transport is one persistent duplex websocket connection.
// Messages are delivered in send order. When either direction fails the
// transport closes and `Receive` is closed after the last delivered message.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportId Id
	tag         string

	ws       *websocket.Conn
	settings *TransportSettings
	metrics  *Metrics

	send    chan []byte
	receive chan []byte
	// closed when the writer has flushed and closed the websocket
	closed chan struct{}

	stateLock sync.Mutex
	err       error
}

func NewTransport(
	ctx context.Context,
	side string,
	ws *websocket.Conn,
	settings *TransportSettings,
	metrics *Metrics,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transportId := NewId()
	transport := &Transport{
		ctx:         cancelCtx,
		cancel:      cancel,
		transportId: transportId,
		tag:         connectionTag(side, transportId),
		ws:          ws,
		settings:    settings,
		metrics:     metrics,
		send:        make(chan []byte, settings.SendBufferSize),
		receive:     make(chan []byte, settings.SendBufferSize),
		closed:      make(chan struct{}),
	}
	if 0 < settings.MaxMessageSize {
		ws.SetReadLimit(int64(settings.MaxMessageSize))
	}
	go transport.runWriter()
	go transport.runReader()
	return transport
}

// DialTransport opens a client websocket to `url`.
func DialTransport(
	ctx context.Context,
	url string,
	settings *TransportSettings,
	metrics *Metrics,
) (*Transport, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	connect := func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, url, nil)
		return ws, err
	}
	ws, err := TraceWithReturnError(fmt.Sprintf("[t]connect %s", url), connect)
	if err != nil {
		return nil, err
	}
	return NewTransport(ctx, "c", ws, settings, metrics), nil
}

func (self *Transport) Id() Id {
	return self.transportId
}

func (self *Transport) Tag() string {
	return self.tag
}

func (self *Transport) RemoteAddr() string {
	return self.ws.RemoteAddr().String()
}

// Send queues one encoded envelope.
// The transport is closed if the send buffer stays full for `SendTimeout`.
func (self *Transport) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	case self.send <- message:
		return nil
	case <-time.After(self.settings.SendTimeout):
		err := fmt.Errorf("send timeout after %s", self.settings.SendTimeout)
		glog.Infof("[ts]%s drop = %s\n", self.tag, err)
		self.CloseWithError(err)
		return err
	}
}

// TrySend queues one encoded envelope without waiting.
// A full send buffer means the peer is not keeping up, and the transport is closed.
func (self *Transport) TrySend(message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case self.send <- message:
		return nil
	default:
		err := fmt.Errorf("%w: %d queued", ErrSendBufferFull, len(self.send))
		glog.Infof("[ts]%s drop = %s\n", self.tag, err)
		self.CloseWithError(err)
		return err
	}
}

// Receive delivers incoming envelopes in order. It is closed when the transport closes.
func (self *Transport) Receive() <-chan []byte {
	return self.receive
}

func (self *Transport) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Closed is closed once envelopes queued before the close were written
// (or failed to write) and the websocket is closed.
func (self *Transport) Closed() <-chan struct{} {
	return self.closed
}

// Err is the first error that closed the transport, or nil for a local close.
func (self *Transport) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *Transport) Close() {
	self.CloseWithError(nil)
}

func (self *Transport) CloseWithError(err error) {
	self.stateLock.Lock()
	if self.err == nil && err != nil {
		select {
		case <-self.ctx.Done():
		default:
			self.err = err
		}
	}
	self.stateLock.Unlock()
	self.cancel()
}

func (self *Transport) runWriter() {
	defer func() {
		self.cancel()
		// unblocks the reader
		self.ws.Close()
		close(self.closed)
	}()

	write := func(message []byte, deadline time.Time) bool {
		self.ws.SetWriteDeadline(deadline)
		if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			// note that for websocket a dealine timeout cannot be recovered
			glog.Infof("[ts]%s error = %s\n", self.tag, err)
			self.CloseWithError(err)
			return false
		}
		self.metrics.Count(MetricBytesSent, float64(len(message)))
		self.metrics.Count(MetricMessagesSent, 1)
		return true
	}

	for {
		select {
		case <-self.ctx.Done():
			// envelopes queued before the close still go out, then the close frame.
			// the whole drain shares one write deadline
			deadline := time.Now().Add(self.settings.WriteTimeout)
		drain:
			for {
				select {
				case message := <-self.send:
					if !write(message, deadline) {
						return
					}
				default:
					break drain
				}
			}
			self.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)
			return
		case message := <-self.send:
			if !write(message, time.Now().Add(self.settings.WriteTimeout)) {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				self.CloseWithError(err)
				return
			}
		}
	}
}

func (self *Transport) runReader() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				glog.Infof("[tr]%s error = %s\n", self.tag, err)
				self.CloseWithError(err)
			} else {
				glog.V(1).Infof("[tr]%s closed\n", self.tag)
				self.CloseWithError(ErrConnectionClosed)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(message) {
				// ping
				continue
			}
			self.metrics.Count(MetricBytesReceived, float64(len(message)))
			self.metrics.Count(MetricMessagesReceived, 1)
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
			}
		default:
			glog.V(2).Infof("[tr]%s other=%d\n", self.tag, messageType)
		}
	}
}

func isExpectedClose(err error) bool {
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
