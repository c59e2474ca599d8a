package timingutils

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var showTimingLogs atomic.Bool

// SetShowTimingLogs turns the timing logs on or off. They are off by default.
func SetShowTimingLogs(show bool) {
	showTimingLogs.Store(show)
}

// GetDeferrableTimingLogger creates a logger function that starts a timer when called and ends the timer when the calling function ends and logs (at debug level) the time diff.
func GetDeferrableTimingLogger(message string) func() {
	if !showTimingLogs.Load() {
		return func() {}
	}

	start := time.Now()
	return func() {
		log.Debugf("%v: %v", message, time.Since(start))
	}
}
