package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternityForest/scullery/internal/config"
	"github.com/EternityForest/scullery/internal/eventbus"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Workers.MinWorkers = 2
	cfg.Workers.MaxWorkers = 4
	cfg.Workers.ShutdownTimeout = "2s"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx)
	})
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.MinWorkers = 10
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestAppWiresComponents(t *testing.T) {
	a := startApp(t, testConfig())
	assert.GreaterOrEqual(t, a.Pool().Size(), 2)

	var mu sync.Mutex
	var got []any
	sub, err := a.Bus().Subscribe("/demo", func(payload any) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer runtime.KeepAlive(sub)

	ev, err := a.Scheduler().After(20*time.Millisecond, func() { a.Bus().Publish("/demo", "tick") })
	require.NoError(t, err)
	defer runtime.KeepAlive(ev)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTaskErrorsArePublished(t *testing.T) {
	a := startApp(t, testConfig())

	errs := make(chan any, 4)
	sub, err := a.Bus().Subscribe(TopicErrors, func(payload any) { errs <- payload })
	require.NoError(t, err)
	defer runtime.KeepAlive(sub)

	require.NoError(t, a.Pool().Do(func() error { return errors.New("boom") }))

	select {
	case p := <-errs:
		err, ok := p.(error)
		require.True(t, ok)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(3 * time.Second):
		t.Fatal("no error published")
	}
}

func TestStatusDocument(t *testing.T) {
	a := startApp(t, testConfig())
	st, ok := a.Status(context.Background()).(Status)
	require.True(t, ok)
	assert.Equal(t, 2, st.Pool.Min)
	assert.NotEmpty(t, st.Latency)
	assert.Contains(t, st.Loops, "scheduler")
	assert.Nil(t, st.Journal)
}

func TestDebugServerServesStatusAndMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Debug.Enabled = true
	cfg.Debug.Addr = "127.0.0.1:0"
	a := startApp(t, cfg)

	require.Eventually(t, func() bool { return a.DebugServer().Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	base := "http://" + a.DebugServer().Addr()

	resp, err := http.Get(base + "/debug/status")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	_ = resp.Body.Close()
	assert.Contains(t, doc, "pool")

	resp, err = http.Get(base + "/debug/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "scullery_pool_workers")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestJournalRecordsMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal")
	cfg.Journal.Topic = "/sensors/#"
	a := startApp(t, cfg)

	a.Bus().Publish("/sensors/t1", 21.5, eventbus.Synchronous())
	a.Bus().Publish("/ignored", 1, eventbus.Synchronous())

	recs, err := a.Journal().Recent(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/sensors/t1", recs[0].Topic)
	assert.JSONEq(t, "21.5", string(recs[0].Payload))
}

func TestConfigReloadAppliesWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scullery.yaml")
	write := func(min int) {
		doc := "logging:\n  level: error\nworkers:\n  min_workers: " + strconv.Itoa(min) + "\n  max_workers: 8\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write(2)

	a, err := NewApp(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx)
	}()
	assert.Equal(t, 2, a.Pool().Snapshot().Min)

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	write(3)

	require.Eventually(t, func() bool { return a.Pool().Snapshot().Min == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, a.Config().Workers.MinWorkers)
	assert.GreaterOrEqual(t, a.Pool().Size(), 3)
}

func TestStopBeforeStart(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background()))
}
