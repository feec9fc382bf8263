package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	records []*Record
	failN   int
	calls   int
}

func (s *captureSink) Write(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failN {
		return errors.New("sink unavailable")
	}
	s.records = append(s.records, record)
	return nil
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherWritesAsync(t *testing.T) {
	sink := &captureSink{}
	d, err := NewDispatcher(sink, nil)
	require.NoError(t, err)
	defer d.Close()

	d.Dispatch(&Record{RequestID: "r1", Outcome: OutcomeAnswered})

	waitFor(t, func() bool { return sink.len() == 1 })
	assert.Equal(t, "r1", sink.records[0].RequestID)
}

func TestDispatcherRetriesOnce(t *testing.T) {
	sink := &captureSink{failN: 1}
	d, err := NewDispatcher(sink, nil)
	require.NoError(t, err)
	defer d.Close()

	d.Dispatch(&Record{RequestID: "r2"})

	waitFor(t, func() bool { return sink.len() == 1 })
}

func TestDispatcherFallsBackToSyncWhenPoolBusy(t *testing.T) {
	sink := &captureSink{}
	d, err := NewDispatcher(sink, &DispatcherConfig{Workers: 1, WriteTimeout: time.Second})
	require.NoError(t, err)
	defer d.Close()

	block := make(chan struct{})
	require.NoError(t, d.pool.Submit(func() { <-block }))

	// Pool is saturated; dispatch must still persist the record.
	d.Dispatch(&Record{RequestID: "r3"})
	close(block)

	waitFor(t, func() bool { return sink.len() == 1 })
	assert.Equal(t, "r3", sink.records[0].RequestID)
}

func TestLogSinkWrite(t *testing.T) {
	sink := NewLogSink()
	err := sink.Write(context.Background(), &Record{
		RequestID: "r4",
		Timestamp: time.Now(),
		Outcome:   OutcomeRefused,
	})
	assert.NoError(t, err)
}
