package netsync

import (
	"google.golang.org/protobuf/types/known/structpb"
)

type MessageType string

// client -> server
const (
	MessageTypeClientSubscribe MessageType = "ClientSubscribe"
	MessageTypeClientUpdates   MessageType = "ClientUpdates"
)

// server -> client
const (
	MessageTypeServerSnapshot          MessageType = "ServerSnapshot"
	MessageTypeServerUpdates           MessageType = "ServerUpdates"
	MessageTypeServerSubscriptionError MessageType = "ServerSubscriptionError"
)

type ClientMessage interface {
	clientMessage()
}

type ServerMessage interface {
	serverMessage()
}

// Subscribe to a channel.
type ClientSubscribe struct {
	Id string `json:"id"`
}

// Local updates for all subscriptions, in creation order per channel.
type ClientUpdates struct {
	Updates map[string][]*structpb.Value `json:"updates"`
}

// Snapshot for a channel.
type ServerSnapshot struct {
	Id      string          `json:"id"`
	State   *structpb.Value `json:"state"`
	Version int64           `json:"version"`
}

// Authoritative updates for all subscriptions of one connection.
type ServerUpdates struct {
	// server time in unix millis
	Time    int64                            `json:"time"`
	Updates map[string]*ServerChannelUpdates `json:"updates"`
}

type ServerChannelUpdates struct {
	// the number of the receiving client's own updates reflected in the authoritative state
	NumLocalUpdates int64             `json:"numLocalUpdates"`
	Updates         []*structpb.Value `json:"updates"`
}

// Error with a certain channel.
type ServerSubscriptionError struct {
	Id      string `json:"id"`
	Message string `json:"message"`
}

func (self *ClientSubscribe) clientMessage() {}
func (self *ClientUpdates) clientMessage()   {}

func (self *ServerSnapshot) serverMessage()          {}
func (self *ServerUpdates) serverMessage()           {}
func (self *ServerSubscriptionError) serverMessage() {}
