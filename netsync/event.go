package netsync

import (
	"context"
	"os"
	"os/signal"
)

// Event is a context that can be set by a call or by os signals.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEvent() *Event {
	return NewEventWithContext(context.Background())
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

// SetOnSignals sets the event when any of `signals` is received.
func (self *Event) SetOnSignals(signals ...os.Signal) {
	notify := make(chan os.Signal, 1)
	signal.Notify(notify, signals...)
	go func() {
		defer signal.Stop(notify)
		select {
		case <-notify:
			self.cancel()
		case <-self.ctx.Done():
		}
	}()
}
