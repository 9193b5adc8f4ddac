// Package workers implements the elastic background worker pool.
//
// Tasks are fire-and-forget. The queue is a LIFO stack: the most recently
// submitted task runs first. The pool grows up to MaxWorkers under load and
// retires idle workers, one at a time, back down to MinWorkers.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/EternityForest/scullery/pkg/logx"
)

const (
	// Past this many workers, Submit gives a busy worker a moment to go idle
	// before trying to wake one again.
	busyRosterSize = 4
	busyWakeDelay  = 1100 * time.Microsecond
	saturatedPolls = 25
	saturatedDelay = 500 * time.Microsecond
	backpressureHz = 25000
)

type task struct {
	run      func() error
	queuedAt time.Time
}

type Pool struct {
	cfg   atomic.Pointer[Config]
	log   logx.Logger
	clock clock.Clock

	qmu     sync.Mutex
	queue   []task
	pending atomic.Int64

	// spawnLock guards roster and lastRetire. It is a semaphore rather than a
	// mutex so Submit can give up after SpawnTimeout.
	spawnLock  *semaphore.Weighted
	roster     map[*worker]struct{}
	lastRetire time.Time
	workers    atomic.Pointer[[]*worker]
	nextID     uint64

	handlersMu sync.Mutex
	handlers   atomic.Pointer[[]func(*TaskError)]
	errLog     atomic.Pointer[logx.Throttle]

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup

	submitted     atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	spawned       atomic.Uint64
	retired       atomic.Uint64
	spawnTimeouts atomic.Uint64
}

type Option func(*Pool)

// WithClock replaces the time source used for idle accounting.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:       log.With(logx.String("comp", "workers")),
		clock:     clock.New(),
		spawnLock: semaphore.NewWeighted(1),
		roster:    map[*worker]struct{}{},
		ctx:       ctx,
		cancel:    cancel,
	}
	p.cfg.Store(&cfg)
	p.errLog.Store(logx.NewThrottle(cfg.ErrorLogEvery))
	p.workers.Store(&[]*worker{})
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) config() Config { return *p.cfg.Load() }

// Start pre-spawns MinWorkers. Submitting before Start is allowed; workers
// are then spawned on demand.
func (p *Pool) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	return p.ensureMin(ctx)
}

func (p *Pool) ensureMin(ctx context.Context) error {
	cfg := p.config()
	if err := p.spawnLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.spawnLock.Release(1)
	for len(p.roster) < cfg.MinWorkers && !p.stopped.Load() {
		p.startWorkerLocked()
	}
	return nil
}

// Configure changes the pool bounds at runtime. Zero values keep defaults.
// Shrinking happens through normal idle retirement.
func (p *Pool) Configure(minWorkers, maxWorkers int, shutdownTimeout time.Duration) {
	cfg := p.config()
	cfg.MinWorkers = minWorkers
	cfg.MaxWorkers = maxWorkers
	cfg.ShutdownTimeout = shutdownTimeout
	p.Apply(cfg)
}

// Apply replaces the whole config.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	if prev := p.config(); prev.ErrorLogEvery != cfg.ErrorLogEvery {
		p.errLog.Store(logx.NewThrottle(cfg.ErrorLogEvery))
	}
	p.cfg.Store(&cfg)
	if p.stopped.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SpawnTimeout)
	defer cancel()
	if err := p.ensureMin(ctx); err != nil {
		p.log.Warn("could not grow pool to new minimum", logx.Int("min", cfg.MinWorkers), logx.Err(err))
	}
}

// OnTaskError registers a handler invoked for every failing task.
func (p *Pool) OnTaskError(fn func(*TaskError)) {
	if fn == nil {
		return
	}
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	cur := *p.loadHandlers()
	next := make([]func(*TaskError), 0, len(cur)+1)
	next = append(append(next, cur...), fn)
	p.handlers.Store(&next)
}

func (p *Pool) loadHandlers() *[]func(*TaskError) {
	if h := p.handlers.Load(); h != nil {
		return h
	}
	return &[]func(*TaskError){}
}

// Submit queues fn and returns immediately. It may pause briefly to let the
// pool catch up under load, but never blocks indefinitely.
func (p *Pool) Submit(fn func()) error {
	if fn == nil {
		return ErrNilTask
	}
	return p.submit(func() error { fn(); return nil })
}

// Do is Submit for tasks that report failure by returning an error.
func (p *Pool) Do(fn func() error) error {
	if fn == nil {
		return ErrNilTask
	}
	return p.submit(fn)
}

func (p *Pool) submit(run func() error) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	p.submitted.Add(1)
	p.push(task{run: run, queuedAt: p.clock.Now()})

	if p.wakeIdle() {
		return nil
	}
	if len(*p.workers.Load()) > busyRosterSize {
		time.Sleep(busyWakeDelay)
		if p.wakeIdle() {
			return nil
		}
	}

	cfg := p.config()
	if over := p.Pending() - cfg.MaxWorkers; over > 0 {
		time.Sleep(time.Duration(over) * time.Second / backpressureHz)
	}

	if len(*p.workers.Load()) < cfg.MaxWorkers {
		p.spawn(cfg)
		return nil
	}

	// Saturated: the task stays queued either way, this only helps it along.
	for i := 0; i < saturatedPolls; i++ {
		if p.Pending() == 0 || p.wakeIdle() {
			return nil
		}
		time.Sleep(saturatedDelay)
	}
	return nil
}

func (p *Pool) push(t task) {
	p.qmu.Lock()
	p.queue = append(p.queue, t)
	p.pending.Add(1)
	p.qmu.Unlock()
}

func (p *Pool) pop() (task, bool) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	n := len(p.queue)
	if n == 0 {
		return task{}, false
	}
	t := p.queue[n-1]
	p.queue[n-1] = task{}
	p.queue = p.queue[:n-1]
	p.pending.Add(-1)
	return t, true
}

// wakeIdle signals one idle worker. It reports whether one was found.
func (p *Pool) wakeIdle() bool {
	for _, w := range *p.workers.Load() {
		if w.idle.CompareAndSwap(true, false) {
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return true
		}
	}
	return false
}

func (p *Pool) spawn(cfg Config) {
	ctx, cancel := context.WithTimeout(p.ctx, cfg.SpawnTimeout)
	defer cancel()
	if err := p.spawnLock.Acquire(ctx, 1); err != nil {
		if p.stopped.Load() {
			return
		}
		p.spawnTimeouts.Add(1)
		p.log.Error("could not spawn worker, pool continues degraded",
			logx.Err(ErrSpawnTimeout),
			logx.Duration("timeout", cfg.SpawnTimeout),
			logx.Int("workers", len(*p.workers.Load())),
			logx.Int("pending", p.Pending()),
		)
		return
	}
	defer p.spawnLock.Release(1)
	if len(p.roster) >= cfg.MaxWorkers || p.stopped.Load() {
		return
	}
	p.startWorkerLocked()
}

// startWorkerLocked requires spawnLock.
func (p *Pool) startWorkerLocked() {
	p.nextID++
	w := &worker{id: p.nextID, wake: make(chan struct{}, 1)}
	w.touch(p.clock.Now())
	p.roster[w] = struct{}{}
	p.publishLocked()
	p.spawned.Add(1)
	p.wg.Add(1)
	go p.runWorker(w)
}

// publishLocked requires spawnLock.
func (p *Pool) publishLocked() {
	ws := make([]*worker, 0, len(p.roster))
	for w := range p.roster {
		ws = append(ws, w)
	}
	p.workers.Store(&ws)
}

// Size is the current number of workers.
func (p *Pool) Size() int { return len(*p.workers.Load()) }

// Pending is the number of queued tasks not yet picked up.
func (p *Pool) Pending() int { return int(p.pending.Load()) }

func (p *Pool) Snapshot() Snapshot {
	cfg := p.config()
	ws := *p.workers.Load()
	idle := 0
	for _, w := range ws {
		if w.idle.Load() {
			idle++
		}
	}
	return Snapshot{
		Workers:       len(ws),
		Idle:          idle,
		Pending:       p.Pending(),
		Min:           cfg.MinWorkers,
		Max:           cfg.MaxWorkers,
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Spawned:       p.spawned.Load(),
		Retired:       p.retired.Load(),
		SpawnTimeouts: p.spawnTimeouts.Load(),
	}
}

// MeasureLatency reports how long a probe task waits between Submit and
// the moment a worker starts it.
func (p *Pool) MeasureLatency(ctx context.Context) (time.Duration, error) {
	start := p.clock.Now()
	done := make(chan time.Duration, 1)
	if err := p.Submit(func() { done <- p.clock.Since(start) }); err != nil {
		return 0, err
	}
	select {
	case d := <-done:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop refuses new tasks, lets workers drain the queue and waits for them,
// bounded by ShutdownTimeout and ctx.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	cfg := p.config()
	// Let an in-flight spawn finish so wg.Add never races wg.Wait.
	if err := p.spawnLock.Acquire(ctx, 1); err == nil {
		p.spawnLock.Release(1)
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	t := p.clock.Timer(cfg.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		p.log.Warn("shutdown timed out", logx.Int("pending", p.Pending()), logx.Int("workers", p.Size()))
		return ErrShutdownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
