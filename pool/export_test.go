package pool

import "time"

// setPopTimeouts shortens the acquisition waits so tests don't sleep for
// real-world durations. Restore undoes it.
func setPopTimeouts(fast, overflow time.Duration) (restore func()) {
	prevFast, prevOverflow := fastPopTimeout, overflowPopTimeout
	fastPopTimeout, overflowPopTimeout = fast, overflow
	return func() {
		fastPopTimeout, overflowPopTimeout = prevFast, prevOverflow
	}
}
