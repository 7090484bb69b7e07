package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakySink fails while failing is set and can block until released.
type flakySink struct {
	MemorySink
	mu      sync.Mutex
	failing bool
	gate    chan struct{}
}

func (s *flakySink) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakySink) Append(ctx context.Context, ev Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("sink unavailable")
	}
	return s.MemorySink.Append(ctx, ev)
}

func event(t *testing.T, n int) Event {
	t.Helper()
	ev, err := NewEvent(TypeSelectionTrace, "req", map[string]int{"n": n})
	require.NoError(t, err)
	return ev
}

func ids(evs []Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}

func TestRecorder_AppendsInOrder(t *testing.T) {
	sink := NewMemorySink()
	r := New(sink, Config{})
	defer r.Close(context.Background())

	var want []Event
	for i := 0; i < 20; i++ {
		ev := event(t, i)
		want = append(want, ev)
		require.NoError(t, r.Record(ev))
	}
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, ids(want), ids(sink.Events()))
	assert.False(t, r.Degraded())
}

func TestRecorder_BuffersWhileSinkFails(t *testing.T) {
	sink := &flakySink{failing: true}
	r := New(sink, Config{})
	defer r.Close(context.Background())

	var want []Event
	for i := 0; i < 3; i++ {
		ev := event(t, i)
		want = append(want, ev)
		_ = r.Record(ev)
	}
	assert.ErrorIs(t, r.Flush(context.Background()), ErrObservabilityDegraded)
	assert.True(t, r.Degraded())
	assert.Equal(t, 3, r.Buffered())
	late := event(t, 99)
	want = append(want, late)
	assert.ErrorIs(t, r.Record(late), ErrObservabilityDegraded)

	sink.setFailing(false)
	require.NoError(t, r.Flush(context.Background()))
	assert.False(t, r.Degraded())
	assert.Zero(t, r.Buffered())
	assert.Equal(t, ids(want), ids(sink.Events()))
}

func TestRecorder_BufferIsBounded(t *testing.T) {
	sink := &flakySink{failing: true}
	r := New(sink, Config{BufferSize: 2})
	defer r.Close(context.Background())

	var all []Event
	for i := 0; i < 5; i++ {
		ev := event(t, i)
		all = append(all, ev)
		_ = r.Record(ev)
	}
	assert.ErrorIs(t, r.Flush(context.Background()), ErrObservabilityDegraded)
	assert.Equal(t, 2, r.Buffered())

	sink.setFailing(false)
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, ids(all[3:]), ids(sink.Events()))
}

func TestRecorder_RecordNeverBlocks(t *testing.T) {
	sink := &flakySink{gate: make(chan struct{})}
	r := New(sink, Config{QueueSize: 1, AppendTimeout: 10 * time.Second})
	defer r.Close(context.Background())

	var want []string
	degraded := 0
	start := time.Now()
	for i := 0; i < 10; i++ {
		ev := event(t, i)
		want = append(want, ev.ID)
		if errors.Is(r.Record(ev), ErrObservabilityDegraded) {
			degraded++
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, degraded)

	// events that spilled past the full queue still land after the
	// queued ones
	close(sink.gate)
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, want, ids(sink.Events()))
	assert.Zero(t, r.Buffered())
}

func TestRecorder_FailureKeepsQueuedOrder(t *testing.T) {
	sink := &flakySink{gate: make(chan struct{}), failing: true}
	r := New(sink, Config{QueueSize: 4, AppendTimeout: 10 * time.Second})
	defer r.Close(context.Background())

	var want []string
	for i := 0; i < 8; i++ {
		ev := event(t, i)
		want = append(want, ev.ID)
		_ = r.Record(ev)
	}
	close(sink.gate)
	assert.ErrorIs(t, r.Flush(context.Background()), ErrObservabilityDegraded)
	assert.Equal(t, 8, r.Buffered())

	sink.setFailing(false)
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, want, ids(sink.Events()))
	assert.False(t, r.Degraded())
}

func TestRecorder_Closed(t *testing.T) {
	r := New(NewMemorySink(), Config{})
	require.NoError(t, r.Close(context.Background()))
	assert.ErrorIs(t, r.Record(event(t, 1)), ErrClosed)
	assert.ErrorIs(t, r.Flush(context.Background()), ErrClosed)
	assert.NoError(t, r.Close(context.Background()))
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "events.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	r := New(sink, Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(event(t, i)))
	}
	require.NoError(t, r.Close(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		assert.Equal(t, TypeSelectionTrace, ev.Type)
		lines++
	}
	assert.Equal(t, 3, lines)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestNATSSink(t *testing.T) {
	srv := startTestNATSServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs, err := sub.SubscribeSync("gatewayd.traces.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	sink, err := NewSink(config.RecorderConfig{Sink: "nats", NATSURL: srv.ClientURL(), NATSSubject: "gatewayd.traces"})
	require.NoError(t, err)
	r := New(sink, Config{})
	defer r.Close(context.Background())

	ev := event(t, 7)
	require.NoError(t, r.Record(ev))
	require.NoError(t, r.Flush(context.Background()))

	msg, err := msgs.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "gatewayd.traces.selection_trace", msg.Subject)
	assert.Equal(t, ev.ID, msg.Header.Get(nats.MsgIdHdr))
	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.JSONEq(t, `{"n":7}`, string(got.Data))
}

func TestNewSink(t *testing.T) {
	s, err := NewSink(config.RecorderConfig{Sink: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemorySink{}, s)

	_, err = NewSink(config.RecorderConfig{Sink: "kafka"})
	assert.Error(t, err)
}
