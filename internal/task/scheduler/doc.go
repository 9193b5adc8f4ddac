// Package scheduler runs one-shot and repeating events on the worker pool.
//
// A single timer goroutine keeps a heap of deadlines and hands due events to
// the pool; it never runs user code itself. A recovery sweep re-arms repeating
// events that fell out of the heap (a lost reschedule, a run that held its
// lock too long).
//
// Handles returned by the scheduler own the callback. The scheduler only keeps
// weak references, so dropping the handle unregisters the event the next time
// it comes due. Cancel does the same immediately.
package scheduler
