package counter

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestCounter(t *testing.T) {
	values := []int64{}
	handler := NewHandlerWithCallback(func(value int64) {
		values = append(values, value)
	})

	state := handler.DefaultState()
	assert.Equal(t, state.Value, int64(0))

	handler.ApplyUpdate(state, Increment())
	handler.ApplyUpdate(state, Add(-3))
	// ignored
	handler.ApplyUpdate(state, structpb.NewStringValue("1"))
	assert.Equal(t, state.Value, int64(-2))

	next := handler.CopyState(state)
	handler.ApplyUpdate(next, Add(10))
	assert.Equal(t, state.Value, int64(-2))
	assert.Equal(t, next.Value, int64(8))

	handler.OnChange(next)
	assert.Equal(t, values, []int64{8})
}

func TestCounterSnapshot(t *testing.T) {
	handler := NewHandler()

	data, err := handler.EncodeSnapshot(&Count{Value: 42})
	assert.Equal(t, err, nil)
	state, err := handler.LoadSnapshot(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, state.Value, int64(42))

	_, err = handler.LoadSnapshot(structpb.NewBoolValue(true))
	assert.NotEqual(t, err, nil)

	// no callback
	handler.OnChange(state)
}
