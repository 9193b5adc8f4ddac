package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternityForest/scullery/internal/eventbus"
	"github.com/EternityForest/scullery/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (m *memStore) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) Recent(context.Context, string, int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...), nil
}

func (m *memStore) Close() error { return nil }

// inlineExecutor refuses every job so the bus delivers inline.
type inlineExecutor struct{}

func (inlineExecutor) Submit(func()) error { return errors.New("inline") }

func TestRecorderJournalsMatchingTopics(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, logx.Nop(), inlineExecutor{})
	st := &memStore{}
	r := NewRecorder(st, RecorderConfig{Topic: "/sensors/#"}, logx.Nop())
	r.Attach(bus)
	defer r.Detach()

	bus.Publish("/sensors/temp", map[string]int{"c": 21}, eventbus.Synchronous(), eventbus.WithAnnotation("probe"))
	bus.Publish("/other", 1, eventbus.Synchronous())

	got, _ := st.Recent(context.Background(), "", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "/sensors/temp", got[0].Topic)
	assert.JSONEq(t, `{"c":21}`, string(got[0].Payload))
	assert.Equal(t, "probe", got[0].Annotation)
	assert.Equal(t, uint64(1), r.Stats().Written)
}

func TestRecorderRateLimit(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, logx.Nop(), inlineExecutor{})
	st := &memStore{}
	r := NewRecorder(st, RecorderConfig{RatePerSec: 0.001, Burst: 2}, logx.Nop())
	r.Attach(bus)
	defer r.Detach()

	for i := 0; i < 5; i++ {
		bus.Publish("/x", i, eventbus.Synchronous())
	}
	s := r.Stats()
	assert.Equal(t, uint64(2), s.Written)
	assert.Equal(t, uint64(3), s.Dropped)
}

func TestRecorderCountsFailuresAndDetaches(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, logx.Nop(), inlineExecutor{})
	st := &memStore{err: errors.New("disk full")}
	r := NewRecorder(st, RecorderConfig{}, logx.Nop())
	r.Attach(bus)

	bus.Publish("/x", 1, eventbus.Synchronous())
	assert.Equal(t, uint64(1), r.Stats().Failed)

	r.Detach()
	bus.Publish("/x", 2, eventbus.Synchronous())
	assert.Equal(t, uint64(1), r.Stats().Failed)
}

func TestEncodePayloadFallback(t *testing.T) {
	assert.Nil(t, encodePayload(nil))
	assert.Equal(t, json.RawMessage(`"x"`), encodePayload("x"))
	ch := make(chan int)
	var s string
	require.NoError(t, json.Unmarshal(encodePayload(ch), &s))
	assert.NotEmpty(t, s)
}
