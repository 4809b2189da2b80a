package netsync

import (
	"encoding/json"
	"fmt"
)

// the default ceiling for one encoded envelope.
// there is no fragmentation, a larger envelope is an error for the sender
const DefaultMaxMessageSize = 100000

type frameHeader struct {
	Type MessageType `json:"type"`
}

func ClientMessageType(message ClientMessage) (MessageType, error) {
	switch v := message.(type) {
	case *ClientSubscribe:
		return MessageTypeClientSubscribe, nil
	case *ClientUpdates:
		return MessageTypeClientUpdates, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", v)
	}
}

func ServerMessageType(message ServerMessage) (MessageType, error) {
	switch v := message.(type) {
	case *ServerSnapshot:
		return MessageTypeServerSnapshot, nil
	case *ServerUpdates:
		return MessageTypeServerUpdates, nil
	case *ServerSubscriptionError:
		return MessageTypeServerSubscriptionError, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", v)
	}
}

func EncodeClientMessage(message ClientMessage, maxMessageSize int) ([]byte, error) {
	var frame any
	switch v := message.(type) {
	case *ClientSubscribe:
		frame = struct {
			Type MessageType `json:"type"`
			*ClientSubscribe
		}{MessageTypeClientSubscribe, v}
	case *ClientUpdates:
		frame = struct {
			Type MessageType `json:"type"`
			*ClientUpdates
		}{MessageTypeClientUpdates, v}
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return encodeFrame(frame, maxMessageSize)
}

func EncodeServerMessage(message ServerMessage, maxMessageSize int) ([]byte, error) {
	var frame any
	switch v := message.(type) {
	case *ServerSnapshot:
		frame = struct {
			Type MessageType `json:"type"`
			*ServerSnapshot
		}{MessageTypeServerSnapshot, v}
	case *ServerUpdates:
		frame = struct {
			Type MessageType `json:"type"`
			*ServerUpdates
		}{MessageTypeServerUpdates, v}
	case *ServerSubscriptionError:
		frame = struct {
			Type MessageType `json:"type"`
			*ServerSubscriptionError
		}{MessageTypeServerSubscriptionError, v}
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return encodeFrame(frame, maxMessageSize)
}

func encodeFrame(frame any, maxMessageSize int) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if 0 < maxMessageSize && maxMessageSize < len(b) {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(b), maxMessageSize)
	}
	return b, nil
}

func DecodeClientMessage(b []byte) (ClientMessage, error) {
	header, err := decodeFrameHeader(b)
	if err != nil {
		return nil, err
	}
	var message ClientMessage
	switch header.Type {
	case MessageTypeClientSubscribe:
		message = &ClientSubscribe{}
	case MessageTypeClientUpdates:
		message = &ClientUpdates{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, header.Type)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return message, nil
}

func DecodeServerMessage(b []byte) (ServerMessage, error) {
	header, err := decodeFrameHeader(b)
	if err != nil {
		return nil, err
	}
	var message ServerMessage
	switch header.Type {
	case MessageTypeServerSnapshot:
		message = &ServerSnapshot{}
	case MessageTypeServerUpdates:
		message = &ServerUpdates{}
	case MessageTypeServerSubscriptionError:
		message = &ServerSubscriptionError{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, header.Type)
	}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return message, nil
}

func decodeFrameHeader(b []byte) (*frameHeader, error) {
	header := &frameHeader{}
	if err := json.Unmarshal(b, header); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return header, nil
}
