// Package counter is a channel type holding one integer.
// Each update is a numeric delta added to the count.
package counter

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

type Count struct {
	Value int64
}

type ChangeFunction func(value int64)

// Handler implements both the client and server handler for counter channels.
type Handler struct {
	onChange ChangeFunction
}

func NewHandler() *Handler {
	return &Handler{}
}

func NewHandlerWithCallback(onChange ChangeFunction) *Handler {
	return &Handler{
		onChange: onChange,
	}
}

// an update that adds `delta`
func Add(delta int64) *structpb.Value {
	return structpb.NewNumberValue(float64(delta))
}

func Increment() *structpb.Value {
	return Add(1)
}

func (self *Handler) DefaultState() *Count {
	return &Count{}
}

func (self *Handler) CopyState(state *Count) *Count {
	next := *state
	return &next
}

func (self *Handler) LoadSnapshot(data *structpb.Value) (*Count, error) {
	number, ok := data.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, fmt.Errorf("counter snapshot must be a number: %v", data)
	}
	return &Count{
		Value: int64(number.NumberValue),
	}, nil
}

func (self *Handler) EncodeSnapshot(state *Count) (*structpb.Value, error) {
	return structpb.NewNumberValue(float64(state.Value)), nil
}

// non numeric updates add nothing
func (self *Handler) ApplyUpdate(state *Count, update *structpb.Value) {
	state.Value += int64(update.GetNumberValue())
}

func (self *Handler) OnChange(state *Count) {
	if self.onChange != nil {
		self.onChange(state.Value)
	}
}
