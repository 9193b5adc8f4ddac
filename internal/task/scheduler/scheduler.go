package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/EternityForest/scullery/internal/runtime/supervisor"
	"github.com/EternityForest/scullery/pkg/logx"
)

// Executor runs event callbacks. The worker pool satisfies it.
type Executor interface {
	Submit(fn func()) error
}

type Scheduler struct {
	cfg   atomic.Pointer[Config]
	log   logx.Logger
	clock clock.Clock
	exec  Executor

	mu   sync.Mutex
	h    timerHeap
	seq  uint64
	wake chan struct{}

	regMu     sync.Mutex
	repeating map[string]*repeatingState
	regSnap   atomic.Pointer[[]*repeatingState]

	hooksMu    sync.Mutex
	onError    atomic.Pointer[[]func(*EventError)]
	onFirstErr atomic.Pointer[[]func(*EventError)]

	runMu sync.Mutex
	sup   *supervisor.Supervisor

	fired      atomic.Uint64
	failed     atomic.Uint64
	collected  atomic.Uint64
	recovered  atomic.Uint64
	contention atomic.Uint64
	skipped    atomic.Uint64
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, exec Executor, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		log:       log.With(logx.String("comp", "scheduler")),
		clock:     clock.New(),
		exec:      exec,
		wake:      make(chan struct{}, 1),
		repeating: map[string]*repeatingState{},
	}
	s.cfg.Store(&cfg)
	s.regSnap.Store(&[]*repeatingState{})
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) config() Config { return *s.cfg.Load() }

// Apply swaps tunables at runtime. Existing interval events keep the slack
// they were registered with.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
	s.poke()
}

// Start launches the timer goroutine and the recovery sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("scheduler.timer", s.timerLoop, supervisor.WithRestartOnCleanExit())
	s.sup.GoRestart("scheduler.recovery", s.recoveryLoop, supervisor.WithRestartOnCleanExit())
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Scheduler) running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup != nil
}

// Loops exposes the supervised loop stats for status output.
func (s *Scheduler) Loops() supervisor.Snapshot {
	s.runMu.Lock()
	sup := s.sup
	s.runMu.Unlock()
	return sup.Snapshot()
}

// insert queues fire at at and wakes the timer goroutine when the new
// deadline is the earliest or imminent.
func (s *Scheduler) insert(at time.Time, fire func()) *timerItem {
	s.mu.Lock()
	s.seq++
	it := &timerItem{at: at, seq: s.seq, fire: fire}
	heap.Push(&s.h, it)
	earliest := s.h[0] == it
	s.mu.Unlock()

	if earliest || at.Before(s.clock.Now().Add(s.config().WakeWindow)) {
		s.poke()
	}
	return it
}

func (s *Scheduler) cancelItem(it *timerItem) {
	s.mu.Lock()
	s.h.remove(it)
	s.mu.Unlock()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) timerLoop(ctx context.Context) error {
	for {
		now := s.clock.Now()
		s.mu.Lock()
		due := s.h.popDue(now)
		wait := s.config().PollInterval
		if s.h.Len() > 0 {
			if d := s.h[0].at.Sub(now); d < wait {
				wait = d
			}
		}
		s.mu.Unlock()

		for _, it := range due {
			it.fire()
		}
		if len(due) > 0 {
			continue
		}

		t := s.clock.Timer(max(wait, 0))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Scheduler) recoveryLoop(ctx context.Context) error {
	t := s.clock.Ticker(s.config().RecoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.sweep()
		}
	}
}

// sweep re-arms repeating events that are unscheduled or overdue.
func (s *Scheduler) sweep() {
	cfg := s.config()
	now := s.clock.Now()
	for _, r := range *s.regSnap.Load() {
		if r.stopped.Load() {
			continue
		}
		last := r.lastRun()
		overdue := now.Sub(last) > 2*r.cad.period()
		if r.scheduled.Load() && !overdue {
			continue
		}
		if now.Sub(last) <= cfg.RecoveryGrace {
			continue
		}
		s.recovered.Add(1)
		s.log.Debug("re-arming repeating event from recovery sweep, a reschedule was lost or a run is taking long",
			logx.String("event", r.name),
			logx.Duration("since_last_run", now.Sub(last)),
		)
		s.submit(r.rearm)
	}
}

// submit hands fn to the executor, running it inline if the executor is
// unavailable.
func (s *Scheduler) submit(fn func()) {
	if s.exec != nil {
		if err := s.exec.Submit(fn); err == nil {
			return
		}
	}
	fn()
}

// dispatch hands an event run to the executor. Without one, the run happens
// on the timer goroutine and delays later deadlines by its duration.
func (s *Scheduler) dispatch(name string, fn func()) {
	s.fired.Add(1)
	if s.exec == nil {
		fn()
		return
	}
	if err := s.exec.Submit(fn); err != nil {
		s.log.Warn("executor refused scheduled event", logx.String("event", name), logx.Err(err))
	}
}

func (s *Scheduler) register(r *repeatingState) {
	s.regMu.Lock()
	s.repeating[r.id] = r
	s.publishLocked()
	s.regMu.Unlock()
}

func (s *Scheduler) unregister(r *repeatingState) {
	s.regMu.Lock()
	if _, ok := s.repeating[r.id]; ok {
		delete(s.repeating, r.id)
		s.publishLocked()
	}
	s.regMu.Unlock()
	r.disarm()
}

// publishLocked requires regMu.
func (s *Scheduler) publishLocked() {
	next := make([]*repeatingState, 0, len(s.repeating))
	for _, r := range s.repeating {
		next = append(next, r)
	}
	s.regSnap.Store(&next)
}

// OnError registers fn for every event failure.
func (s *Scheduler) OnError(fn func(*EventError)) { s.addHook(&s.onError, fn) }

// OnFirstError registers fn for the first failure of each repeating event
// and for failing one-shot events.
func (s *Scheduler) OnFirstError(fn func(*EventError)) { s.addHook(&s.onFirstErr, fn) }

func (s *Scheduler) addHook(p *atomic.Pointer[[]func(*EventError)], fn func(*EventError)) {
	if fn == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	var cur []func(*EventError)
	if v := p.Load(); v != nil {
		cur = *v
	}
	next := append(append(make([]func(*EventError), 0, len(cur)+1), cur...), fn)
	p.Store(&next)
}

func (s *Scheduler) callHooks(p *atomic.Pointer[[]func(*EventError)], ee *EventError) {
	v := p.Load()
	if v == nil {
		return
	}
	for _, h := range *v {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("event error hook panicked", logx.Any("panic", r))
				}
			}()
			h(ee)
		}()
	}
}

// call runs fn, converting a panic into an EventError.
func call(id, name string, fn func() error) (ee *EventError) {
	defer func() {
		if r := recover(); r != nil {
			ee = &EventError{EventID: id, Name: name, Err: fmt.Errorf("panic: %v", r), Panic: r, Stack: string(debug.Stack())}
		}
	}()
	if err := fn(); err != nil {
		return &EventError{EventID: id, Name: name, Err: err}
	}
	return nil
}

// report logs ee and calls hooks. first selects the first-error path.
func (s *Scheduler) report(ee *EventError, first bool) {
	s.failed.Add(1)
	ee.First = first
	if first {
		s.log.Error("scheduled event failed", logx.String("event", ee.Name), logx.Err(ee), logx.Stack(ee.Stack))
		s.callHooks(&s.onFirstErr, ee)
	} else {
		s.log.Debug("scheduled event failed again", logx.String("event", ee.Name), logx.Err(ee))
	}
	s.callHooks(&s.onError, ee)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	pending := s.h.Len()
	s.mu.Unlock()
	return Snapshot{
		Pending:    pending,
		Repeating:  len(*s.regSnap.Load()),
		Running:    s.running(),
		Fired:      s.fired.Load(),
		Failed:     s.failed.Load(),
		Collected:  s.collected.Load(),
		Recovered:  s.recovered.Load(),
		Contention: s.contention.Load(),
		Skipped:    s.skipped.Load(),
	}
}
