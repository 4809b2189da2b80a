// Package chat is the channel type for the shared chat log.
// The state is the most recent lines, each update appends one line.
package chat

import (
	"fmt"
	"slices"

	"github.com/golang/glog"
	"google.golang.org/protobuf/types/known/structpb"
)

// the game's chat channel id
const ChannelId = "chat"

// lines beyond this are dropped from the front of the log
const MaxMessages = 100

type Log struct {
	Messages []string
}

type ChangeFunction func(messages []string)

type Handler struct {
	onChange ChangeFunction
}

// NewHandler calls `onChange` with the messages whenever a new version of the log is available.
func NewHandler(onChange ChangeFunction) *Handler {
	return &Handler{
		onChange: onChange,
	}
}

// NewServerHandler logs the message count on change.
func NewServerHandler() *Handler {
	return NewHandler(func(messages []string) {
		glog.V(1).Infof("[chat]%d messages.\n", len(messages))
	})
}

func Message(line string) *structpb.Value {
	return structpb.NewStringValue(line)
}

func (self *Handler) DefaultState() *Log {
	return &Log{
		Messages: []string{},
	}
}

func (self *Handler) CopyState(state *Log) *Log {
	return &Log{
		Messages: slices.Clone(state.Messages),
	}
}

func (self *Handler) LoadSnapshot(data *structpb.Value) (*Log, error) {
	list := data.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("chat snapshot must be a list: %v", data)
	}
	messages := make([]string, 0, len(list.GetValues()))
	for i, value := range list.GetValues() {
		message, ok := value.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("chat snapshot item %d must be a string: %v", i, value)
		}
		messages = append(messages, message.StringValue)
	}
	return &Log{
		Messages: messages,
	}, nil
}

func (self *Handler) EncodeSnapshot(state *Log) (*structpb.Value, error) {
	values := make([]*structpb.Value, 0, len(state.Messages))
	for _, message := range state.Messages {
		values = append(values, structpb.NewStringValue(message))
	}
	return structpb.NewListValue(&structpb.ListValue{
		Values: values,
	}), nil
}

// non string updates are ignored
func (self *Handler) ApplyUpdate(state *Log, update *structpb.Value) {
	message, ok := update.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return
	}
	state.Messages = append(state.Messages, message.StringValue)
	if MaxMessages < len(state.Messages) {
		state.Messages = slices.Clone(state.Messages[len(state.Messages)-MaxMessages:])
	}
}

func (self *Handler) OnChange(state *Log) {
	if self.onChange != nil {
		self.onChange(state.Messages)
	}
}
