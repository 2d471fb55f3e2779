package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` and `hub` packages:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of infrequent initialization data
//     that is useful for monitoring. This includes:
//     - persistence rejections and connectivity loss
//     - abnormal exits
// Error:
//     unrecoverable crash details, including panics recovered from callbacks
// V(1):
//     key state transitions with ids that can be used to filter
// V(2):
//     frequent events - e.g. relay, replay, tick, ack

// callbacks are caller-supplied and must not take the caller down with them
func safeCall(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s recovered callback panic = %s\n", tag, fmt.Sprint(r))
		}
	}()
	callback()
}
