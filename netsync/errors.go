package netsync

import (
	"errors"
	"fmt"
)

// errors.go collects the error values surfaced by the netsync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// caller errors, isolated to the offending call
var (
	ErrDuplicateSubscription = errors.New("channel is already subscribed")
	ErrDuplicateChannel      = errors.New("channel already exists")
	ErrNoSuchChannel         = errors.New("no such channel")
	ErrNotInitialized        = errors.New("channel is not initialized")
	ErrChannelClosed         = errors.New("channel is closed")
)

// connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// fatal for the connection that raised them
var (
	ErrMessageTooLarge   = errors.New("message too large")
	ErrProtocolViolation = errors.New("protocol violation")
)

// the message sent by the server for a subscribe to a missing channel
const noSuchChannelMessage = "no such channel"
const alreadySubscribedMessage = "already subscribed"

// SubscriptionError is the failure of one pending subscribe, as reported by the server.
type SubscriptionError struct {
	Id      string
	Message string
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %s", self.Id, self.Message)
}

// Is lets `errors.Is(err, ErrNoSuchChannel)` match the server's missing channel report.
func (self *SubscriptionError) Is(target error) bool {
	switch target {
	case ErrNoSuchChannel:
		return self.Message == noSuchChannelMessage
	case ErrDuplicateSubscription:
		return self.Message == alreadySubscribedMessage
	default:
		return false
	}
}

func protocolViolation(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, a...))
}
