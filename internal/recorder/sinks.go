package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Append stores ev.
func (s *MemorySink) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of stored events, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// FileSink appends events as JSON lines.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens path for appending, creating it with 0600.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating recorder directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- configured path
	if err != nil {
		return nil, fmt.Errorf("opening recorder file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one line.
func (s *FileSink) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// NATSSink publishes each event to <subject>.<type>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("gatewayd-recorder"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSink{nc: nc, subject: subject, owned: true}, nil
}

// NewNATSSinkConn publishes on an existing connection. Close leaves it open.
func NewNATSSinkConn(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

// Append publishes ev and waits for the server to acknowledge the flush,
// so a lost connection surfaces as an error instead of a silent drop.
func (s *NATSSink) Append(ctx context.Context, ev Event) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats: not connected (%s)", s.nc.Status())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(s.subject + "." + ev.Type)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if ev.RequestID != "" {
		msg.Header.Set("Request-Id", ev.RequestID)
	}
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}

// Close drains the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if s.owned {
		return s.nc.Drain()
	}
	return nil
}
