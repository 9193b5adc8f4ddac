package scheduler

import (
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/EternityForest/scullery/pkg/logx"
)

// Event is a one-shot event. Keep it referenced until it fires; a dropped
// Event is discarded with a warning instead of running.
type Event struct {
	fn    func()
	state *onceState
}

type onceState struct {
	s       *Scheduler
	id      string
	name    string
	at      time.Time
	handle  weak.Pointer[Event]
	stopped atomic.Bool
	item    atomic.Pointer[timerItem]
}

// ScheduleOnce runs fn at (or shortly after) at.
func (s *Scheduler) ScheduleOnce(fn func(), at time.Time) (*Event, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	st := &onceState{s: s, id: uuid.NewString(), name: funcName(fn), at: at}
	ev := &Event{fn: fn, state: st}
	st.handle = weak.Make(ev)
	st.item.Store(s.insert(at, func() { s.dispatch(st.name, st.run) }))
	return ev, nil
}

// After is ScheduleOnce relative to now.
func (s *Scheduler) After(d time.Duration, fn func()) (*Event, error) {
	return s.ScheduleOnce(fn, s.clock.Now().Add(d))
}

func (e *Event) ID() string      { return e.state.id }
func (e *Event) At() time.Time   { return e.state.at }
func (e *Event) Cancelled() bool { return e.state.stopped.Load() }

// Cancel prevents the event from running. It takes effect immediately; the
// timer entry is removed in the background.
func (e *Event) Cancel() {
	st := e.state
	if !st.stopped.CompareAndSwap(false, true) {
		return
	}
	st.s.submit(func() { st.s.cancelItem(st.item.Load()) })
}

func (st *onceState) run() {
	if st.stopped.Load() {
		return
	}
	s := st.s
	ev := st.handle.Value()
	if ev == nil {
		s.collected.Add(1)
		s.log.Warn("one-shot event was dropped before it fired", logx.String("event", st.name), logx.String("id", st.id))
		st.stopped.Store(true)
		return
	}
	fn := ev.fn
	if ee := call(st.id, st.name, func() error { fn(); return nil }); ee != nil {
		s.report(ee, true)
	}
}

// funcName gives log lines something better than an ID.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "unknown"
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
