// Package ratelimit limits events to a steady rate while allowing bursts
// from accumulated credits.
package ratelimit

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// DefaultBurst is the credit cap used when burst <= 0.
const DefaultBurst = 250

// Limiter starts with a full bucket of burst credits. Credits refill at hz
// per second up to burst. Safe for concurrent use.
type Limiter struct {
	lim   *rate.Limiter
	clock clock.Clock
}

func New(hz float64, burst int) *Limiter {
	return NewWithClock(hz, burst, clock.New())
}

func NewWithClock(hz float64, burst int, c clock.Clock) *Limiter {
	if burst <= 0 {
		burst = DefaultBurst
	}
	if hz < 0 {
		hz = 0
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(hz), burst), clock: c}
}

// Limit spends one credit if one is available. It reports whether the event
// may proceed and how many whole credits remain afterwards.
func (l *Limiter) Limit() (remaining float64, ok bool) {
	now := l.clock.Now()
	if !l.lim.AllowN(now, 1) {
		return 0, false
	}
	return math.Max(0, l.lim.TokensAt(now)), true
}

// Allow is Limit without the remaining count.
func (l *Limiter) Allow() bool {
	_, ok := l.Limit()
	return ok
}

// SetRate changes the refill rate and credit cap.
func (l *Limiter) SetRate(hz float64, burst int) {
	now := l.clock.Now()
	if burst <= 0 {
		burst = DefaultBurst
	}
	l.lim.SetLimitAt(now, rate.Limit(math.Max(0, hz)))
	l.lim.SetBurstAt(now, burst)
}

// Credits returns the credits available right now.
func (l *Limiter) Credits() float64 { return l.lim.TokensAt(l.clock.Now()) }

// Every converts a period into a rate, for callers that think in intervals.
func Every(d time.Duration) float64 { return float64(rate.Every(d)) }
