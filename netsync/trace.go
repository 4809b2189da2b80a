package netsync

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and returns a panic raised inside it as an error.
// The panic and its stack are logged at Error.
func HandleError(do func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if recoveredErr, ok := r.(error); ok {
			err = recoveredErr
		} else {
			err = fmt.Errorf("%v", r)
		}
		glog.Errorf("Unexpected error: %s\n%s", err, debug.Stack())
	}()
	do()
	return nil
}

// TraceWithReturnError times `do` at V(2).
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	result, err := do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		glog.Infof("[trace]%s (%.2fms) err = %s\n", tag, millis, err)
	} else {
		glog.Infof("[trace]%s (%.2fms)\n", tag, millis)
	}
	return result, err
}
