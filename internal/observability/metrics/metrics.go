// Package metrics exports runtime snapshots as Prometheus metrics.
//
// Values are read from the sources at scrape time, so there is no polling
// loop and nothing to stop.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/EternityForest/scullery/internal/eventbus"
	"github.com/EternityForest/scullery/internal/storage"
	"github.com/EternityForest/scullery/internal/task/scheduler"
	"github.com/EternityForest/scullery/internal/task/workers"
)

const namespace = "scullery"

type PoolSource interface{ Snapshot() workers.Snapshot }
type BusSource interface{ Snapshot() eventbus.Snapshot }
type SchedulerSource interface{ Snapshot() scheduler.Snapshot }
type JournalSource interface{ Stats() storage.RecorderStats }

// Sources lists what the collector reads. Nil entries are skipped.
type Sources struct {
	Pool      PoolSource
	Bus       BusSource
	Scheduler SchedulerSource
	Journal   JournalSource
}

type metric struct {
	desc *prom.Desc
	kind prom.ValueType
	read func(*snapshots) float64
}

type snapshots struct {
	pool    *workers.Snapshot
	bus     *eventbus.Snapshot
	sched   *scheduler.Snapshot
	journal *storage.RecorderStats
}

// Collector implements prom.Collector over Sources.
type Collector struct {
	src     Sources
	metrics []metric
	latency prom.Histogram
}

var _ prom.Collector = (*Collector)(nil)

func newDesc(subsystem, name, help string) *prom.Desc {
	return prom.NewDesc(prom.BuildFQName(namespace, subsystem, name), help, nil, nil)
}

func gauge(sub, name, help string, read func(*snapshots) float64) metric {
	return metric{desc: newDesc(sub, name, help), kind: prom.GaugeValue, read: read}
}

func counter(sub, name, help string, read func(*snapshots) float64) metric {
	return metric{desc: newDesc(sub, name, help), kind: prom.CounterValue, read: read}
}

// New builds a collector. It is not registered; see Register.
func New(src Sources) *Collector {
	c := &Collector{
		src: src,
		latency: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "latency_seconds",
			Help:      "Time from submit to start of a probe task.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}
	if src.Pool != nil {
		c.metrics = append(c.metrics,
			gauge("pool", "workers", "Current worker count.", func(s *snapshots) float64 { return float64(s.pool.Workers) }),
			gauge("pool", "idle_workers", "Workers waiting for a task.", func(s *snapshots) float64 { return float64(s.pool.Idle) }),
			gauge("pool", "pending", "Tasks waiting in the queue.", func(s *snapshots) float64 { return float64(s.pool.Pending) }),
			counter("pool", "submitted_total", "Tasks submitted.", func(s *snapshots) float64 { return float64(s.pool.Submitted) }),
			counter("pool", "completed_total", "Tasks finished.", func(s *snapshots) float64 { return float64(s.pool.Completed) }),
			counter("pool", "failed_total", "Tasks that panicked or returned an error.", func(s *snapshots) float64 { return float64(s.pool.Failed) }),
			counter("pool", "spawned_total", "Workers started.", func(s *snapshots) float64 { return float64(s.pool.Spawned) }),
			counter("pool", "retired_total", "Idle workers retired.", func(s *snapshots) float64 { return float64(s.pool.Retired) }),
		)
	}
	if src.Bus != nil {
		c.metrics = append(c.metrics,
			gauge("bus", "subscriptions", "Live subscriptions.", func(s *snapshots) float64 { return float64(s.bus.Subscriptions) }),
			gauge("bus", "cached_topics", "Topics in the pattern cache.", func(s *snapshots) float64 { return float64(s.bus.CachedTopics) }),
			counter("bus", "published_total", "Messages published.", func(s *snapshots) float64 { return float64(s.bus.Published) }),
			counter("bus", "delivered_total", "Deliveries that returned normally.", func(s *snapshots) float64 { return float64(s.bus.Delivered) }),
			counter("bus", "failed_total", "Deliveries whose subscriber panicked.", func(s *snapshots) float64 { return float64(s.bus.Failed) }),
			counter("bus", "collected_total", "Subscriptions removed after their handle was collected.", func(s *snapshots) float64 { return float64(s.bus.Collected) }),
			counter("bus", "dropped_total", "Channel deliveries dropped on a full buffer.", func(s *snapshots) float64 { return float64(s.bus.Dropped) }),
		)
	}
	if src.Scheduler != nil {
		c.metrics = append(c.metrics,
			gauge("scheduler", "pending", "Armed timer entries.", func(s *snapshots) float64 { return float64(s.sched.Pending) }),
			gauge("scheduler", "repeating", "Registered repeating events.", func(s *snapshots) float64 { return float64(s.sched.Repeating) }),
			counter("scheduler", "fired_total", "Events dispatched.", func(s *snapshots) float64 { return float64(s.sched.Fired) }),
			counter("scheduler", "failed_total", "Event runs that failed.", func(s *snapshots) float64 { return float64(s.sched.Failed) }),
			counter("scheduler", "recovered_total", "Events re-armed by the recovery sweep.", func(s *snapshots) float64 { return float64(s.sched.Recovered) }),
			counter("scheduler", "skipped_total", "Runs skipped because they fired too early.", func(s *snapshots) float64 { return float64(s.sched.Skipped) }),
		)
	}
	if src.Journal != nil {
		c.metrics = append(c.metrics,
			counter("journal", "written_total", "Messages journaled.", func(s *snapshots) float64 { return float64(s.journal.Written) }),
			counter("journal", "dropped_total", "Messages dropped by the journal rate limit.", func(s *snapshots) float64 { return float64(s.journal.Dropped) }),
			counter("journal", "failed_total", "Journal writes that failed.", func(s *snapshots) float64 { return float64(s.journal.Failed) }),
		)
	}
	return c
}

// ObserveLatency records one pool latency probe.
func (c *Collector) ObserveLatency(d time.Duration) { c.latency.Observe(d.Seconds()) }

func (c *Collector) Describe(ch chan<- *prom.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
	c.latency.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prom.Metric) {
	var s snapshots
	if c.src.Pool != nil {
		v := c.src.Pool.Snapshot()
		s.pool = &v
	}
	if c.src.Bus != nil {
		v := c.src.Bus.Snapshot()
		s.bus = &v
	}
	if c.src.Scheduler != nil {
		v := c.src.Scheduler.Snapshot()
		s.sched = &v
	}
	if c.src.Journal != nil {
		v := c.src.Journal.Stats()
		s.journal = &v
	}
	for _, m := range c.metrics {
		ch <- prom.MustNewConstMetric(m.desc, m.kind, m.read(&s))
	}
	c.latency.Collect(ch)
}

// Register builds a collector and registers it with reg (the default
// registerer if nil). Registering the same collector type twice returns the
// existing one.
func Register(reg prom.Registerer, src Sources) (*Collector, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	return registerCollector(reg, New(src))
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
