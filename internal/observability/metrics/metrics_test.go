package metrics

import (
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternityForest/scullery/internal/eventbus"
	"github.com/EternityForest/scullery/internal/task/scheduler"
	"github.com/EternityForest/scullery/internal/task/workers"
)

type poolStub struct{ s workers.Snapshot }

func (p poolStub) Snapshot() workers.Snapshot { return p.s }

type busStub struct{ s eventbus.Snapshot }

func (b busStub) Snapshot() eventbus.Snapshot { return b.s }

type schedStub struct{ s scheduler.Snapshot }

func (s schedStub) Snapshot() scheduler.Snapshot { return s.s }

func TestCollectorReadsSnapshots(t *testing.T) {
	reg := prom.NewRegistry()
	c, err := Register(reg, Sources{
		Pool:      poolStub{workers.Snapshot{Workers: 5, Pending: 2, Submitted: 10}},
		Bus:       busStub{eventbus.Snapshot{Subscriptions: 3, Published: 7}},
		Scheduler: schedStub{scheduler.Snapshot{Repeating: 4, Fired: 9}},
	})
	require.NoError(t, err)
	c.ObserveLatency(2 * time.Millisecond)

	expected := `
# HELP scullery_pool_workers Current worker count.
# TYPE scullery_pool_workers gauge
scullery_pool_workers 5
# HELP scullery_pool_submitted_total Tasks submitted.
# TYPE scullery_pool_submitted_total counter
scullery_pool_submitted_total 10
# HELP scullery_bus_published_total Messages published.
# TYPE scullery_bus_published_total counter
scullery_bus_published_total 7
# HELP scullery_scheduler_repeating Registered repeating events.
# TYPE scullery_scheduler_repeating gauge
scullery_scheduler_repeating 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"scullery_pool_workers", "scullery_pool_submitted_total",
		"scullery_bus_published_total", "scullery_scheduler_repeating"))

	n, err := testutil.GatherAndCount(reg, "scullery_pool_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectorSkipsMissingSources(t *testing.T) {
	reg := prom.NewRegistry()
	_, err := Register(reg, Sources{Bus: busStub{}})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "scullery_pool_workers", "scullery_journal_written_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}
