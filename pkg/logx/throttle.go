package logx

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates a noisy log call site so it fires at most once per interval.
// The zero value never throttles.
type Throttle struct {
	s *rate.Sometimes
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		return &Throttle{}
	}
	return &Throttle{s: &rate.Sometimes{First: 1, Interval: every}}
}

// Do runs f unless it already ran within the interval.
// It reports whether f ran.
func (t *Throttle) Do(f func()) bool {
	if t == nil || t.s == nil {
		f()
		return true
	}
	ran := false
	t.s.Do(func() {
		ran = true
		f()
	})
	return ran
}
