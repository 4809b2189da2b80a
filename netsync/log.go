package netsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `netsync` package:
// Info:
//     abnormal events. This level should be silent on normal operation,
//     with the exception of one time (infrequent) lifecycle data
//     this includes:
//     - disconnects and write timeouts
//     - malformed envelopes and protocol violations
// Error:
//     unrecoverable crash details
//     this includes:
//     - panics raised by handlers, even if recovered for partial operation
// V(1):
//     connection and subscription lifecycle
// V(2):
//     per message traces, `<tag> <- <type> (<n> bytes)` for sends
//     and `<tag> -> <type> (<n> bytes)` for receives

func logSend(tag string, messageType MessageType, byteCount int) {
	if glog.V(2) {
		glog.Infof("%s <- %s (%d bytes)\n", tag, messageType, byteCount)
	}
}

func logReceive(tag string, messageType MessageType, byteCount int) {
	if glog.V(2) {
		glog.Infof("%s -> %s (%d bytes)\n", tag, messageType, byteCount)
	}
}

func connectionTag(side string, connectionId Id) string {
	return fmt.Sprintf("[%s]%s", side, connectionId)
}
