package netsync

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Handlers supply the meaning of a channel's state and updates.
// The state type `S` is mutated in place and should be a reference type (pointer, map, ...).
// Payloads on the wire are self-describing values: booleans, numbers, strings,
// lists and string-keyed structs of the same.

// ClientHandler is the client side view of a channel type.
type ClientHandler[S any] interface {
	// an independent deep copy
	CopyState(state S) S
	LoadSnapshot(data *structpb.Value) (S, error)
	// must be deterministic and must not retain `update`
	ApplyUpdate(state S, update *structpb.Value)
	// invoked when a new version of the state is available.
	// several updates arriving together may produce a single call
	OnChange(state S)
}

// ServerHandler is the authoritative view of a channel type.
type ServerHandler[S any] interface {
	// a fresh instance on each call
	DefaultState() S
	EncodeSnapshot(state S) (*structpb.Value, error)
	ApplyUpdate(state S, update *structpb.Value)
	OnChange(state S)
}

// Handler is a channel type usable on both sides.
type Handler[S any] interface {
	ClientHandler[S]
	ServerHandler[S]
}
