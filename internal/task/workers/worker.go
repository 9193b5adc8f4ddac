package workers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/EternityForest/scullery/pkg/logx"
)

type worker struct {
	id   uint64
	wake chan struct{} // capacity 1

	idle       atomic.Bool
	lastActive atomic.Int64 // unix nanos
}

func (w *worker) touch(now time.Time) { w.lastActive.Store(now.UnixNano()) }

func (w *worker) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.lastActive.Load()))
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		for {
			t, ok := p.pop()
			if !ok {
				break
			}
			w.idle.Store(false)
			p.exec(t)
			w.touch(p.clock.Now())
		}

		if p.ctx.Err() != nil {
			p.remove(w)
			return
		}

		w.idle.Store(true)
		// A Submit may have pushed between the last pop and going idle.
		if p.Pending() > 0 {
			continue
		}

		cfg := p.config()
		wait := time.Duration(rand.Int64N(int64(cfg.MaxIdleWait)))
		timer := p.clock.Timer(wait)
		select {
		case <-w.wake:
			timer.Stop()
			continue
		case <-p.ctx.Done():
			timer.Stop()
			continue
		case <-timer.C:
		}

		if p.tryRetire(w, cfg) {
			return
		}
	}
}

// tryRetire removes w if the pool is above MinWorkers, w has been idle for
// IdleTimeout and no other worker retired within RetireInterval.
func (p *Pool) tryRetire(w *worker, cfg Config) bool {
	if p.Pending() > 0 {
		return false
	}
	now := p.clock.Now()
	if w.idleFor(now) < cfg.IdleTimeout {
		return false
	}
	if !p.spawnLock.TryAcquire(1) {
		return false
	}
	defer p.spawnLock.Release(1)
	if len(p.roster) <= cfg.MinWorkers || now.Sub(p.lastRetire) < cfg.RetireInterval {
		return false
	}
	// Losing this race means a Submit just picked w; stay.
	if !w.idle.CompareAndSwap(true, false) {
		return false
	}
	delete(p.roster, w)
	p.publishLocked()
	p.lastRetire = now
	p.retired.Add(1)
	p.log.Debug("worker retired", logx.Int64("worker", int64(w.id)), logx.Int("workers", len(p.roster)))
	return true
}

func (p *Pool) remove(w *worker) {
	_ = p.spawnLock.Acquire(context.Background(), 1)
	delete(p.roster, w)
	p.publishLocked()
	p.spawnLock.Release(1)
}

func (p *Pool) exec(t task) {
	err := runTask(t.run)
	if err == nil {
		p.completed.Add(1)
		return
	}
	p.failed.Add(1)
	p.report(err)
}

func runTask(run func() error) (te *TaskError) {
	defer func() {
		if r := recover(); r != nil {
			te = &TaskError{Err: fmt.Errorf("panic: %v", r), Panic: r, Stack: string(debug.Stack())}
		}
	}()
	if err := run(); err != nil {
		return &TaskError{Err: err}
	}
	return nil
}

func (p *Pool) report(te *TaskError) {
	p.errLog.Load().Do(func() {
		p.log.Error("background task failed", logx.Err(te))
	})
	p.log.Debug("background task failed", logx.Err(te), logx.Any("panic", te.Panic), logx.Stack(te.Stack))

	for _, h := range *p.loadHandlers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Warn("task error handler panicked", logx.Any("panic", r))
				}
			}()
			h(te)
		}()
	}
}
