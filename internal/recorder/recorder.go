package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"go.uber.org/zap"
)

// Config sizes the queue and the degraded-mode buffer.
type Config struct {
	QueueSize     int
	BufferSize    int
	AppendTimeout time.Duration
	Logger        *logging.Logger
}

// Recorder is a non-blocking front for a Sink. Events reach the sink in
// Record order: once anything is buffered, new events join the buffer
// behind it, and the queue is always written before the buffer.
type Recorder struct {
	sink    Sink
	queue   chan Event
	kick    chan struct{}
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	timeout time.Duration
	logger  *logging.Logger

	closeMu sync.RWMutex
	closed  bool

	bufMu   sync.Mutex
	buffer  []Event
	bufSize int

	degraded atomic.Bool
}

// New starts the writer goroutine.
func New(sink Sink, cfg Config) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	r := &Recorder{
		sink:    sink,
		queue:   make(chan Event, cfg.QueueSize),
		kick:    make(chan struct{}, 1),
		flushes: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: cfg.AppendTimeout,
		logger:  cfg.Logger.Named("recorder"),
		bufSize: cfg.BufferSize,
	}
	go r.run()
	return r
}

// Record enqueues ev without blocking. It returns ErrObservabilityDegraded
// when the queue is full or the sink is failing; the event is still kept
// (in the local buffer) unless that buffer overflows.
func (r *Recorder) Record(ev Event) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	if len(r.buffer) == 0 {
		select {
		case r.queue <- ev:
			eventsTotal.WithLabelValues("queued").Inc()
			if r.degraded.Load() {
				return ErrObservabilityDegraded
			}
			return nil
		default:
			eventsTotal.WithLabelValues("queue_full").Inc()
		}
	} else {
		eventsTotal.WithLabelValues("deferred").Inc()
	}
	r.holdLocked(ev)
	select {
	case r.kick <- struct{}{}:
	default:
	}
	return ErrObservabilityDegraded
}

// Degraded reports whether the last append failed.
func (r *Recorder) Degraded() bool { return r.degraded.Load() }

// Buffered returns the number of events held locally.
func (r *Recorder) Buffered() int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return len(r.buffer)
}

// Flush drains the queue and retries the buffer. It returns
// ErrObservabilityDegraded if events remain buffered.
func (r *Recorder) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.flushes <- reply:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending events, then closes the sink.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
			if len(r.queue) == 0 {
				_ = r.retryBuffer()
			}
		case <-r.kick:
			r.drainQueue()
			_ = r.retryBuffer()
		case reply := <-r.flushes:
			r.drainQueue()
			reply <- r.retryBuffer()
		case <-r.stop:
			r.drainQueue()
			if err := r.retryBuffer(); err != nil {
				r.logger.Warn(context.Background(), "recorder closed with buffered events", zap.Int("buffered", r.Buffered()))
			}
			return
		}
	}
}

func (r *Recorder) drainQueue() {
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		default:
			return
		}
	}
}

// write appends a queued event. Buffered events are newer than anything
// still queued, so on failure ev and the rest of the queue move to the
// front of the buffer.
func (r *Recorder) write(ev Event) {
	if err := r.append(ev); err != nil {
		r.requeue(ev)
		r.markDegraded(err)
		return
	}
	r.markHealthy()
}

func (r *Recorder) requeue(ev Event) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	pending := []Event{ev}
	for drained := false; !drained; {
		select {
		case q := <-r.queue:
			pending = append(pending, q)
		default:
			drained = true
		}
	}
	r.buffer = append(pending, r.buffer...)
	if over := len(r.buffer) - r.bufSize; over > 0 {
		r.buffer = r.buffer[over:]
		eventsTotal.WithLabelValues("dropped").Add(float64(over))
	}
	bufferedGauge.Set(float64(len(r.buffer)))
}

// retryBuffer appends buffered events oldest first, stopping at the first
// failure.
func (r *Recorder) retryBuffer() error {
	for {
		r.bufMu.Lock()
		if len(r.buffer) == 0 {
			r.bufMu.Unlock()
			return nil
		}
		ev := r.buffer[0]
		r.bufMu.Unlock()

		if err := r.append(ev); err != nil {
			r.markDegraded(err)
			return ErrObservabilityDegraded
		}

		r.bufMu.Lock()
		if len(r.buffer) > 0 && r.buffer[0].ID == ev.ID {
			r.buffer = r.buffer[1:]
		}
		bufferedGauge.Set(float64(len(r.buffer)))
		r.bufMu.Unlock()
		eventsTotal.WithLabelValues("recovered").Inc()
		r.clearDegraded()
	}
}

func (r *Recorder) append(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.sink.Append(ctx, ev)
}

// holdLocked buffers ev, dropping the oldest event when full. Callers
// hold bufMu.
func (r *Recorder) holdLocked(ev Event) {
	if len(r.buffer) >= r.bufSize {
		r.buffer = r.buffer[1:]
		eventsTotal.WithLabelValues("dropped").Inc()
	}
	r.buffer = append(r.buffer, ev)
	bufferedGauge.Set(float64(len(r.buffer)))
}

func (r *Recorder) markDegraded(err error) {
	if !r.degraded.Swap(true) {
		degradedGauge.Set(1)
		r.logger.Warn(context.Background(), "recorder sink failing; buffering events", zap.Error(err))
	}
	eventsTotal.WithLabelValues("failed").Inc()
}

func (r *Recorder) markHealthy() {
	r.clearDegraded()
	eventsTotal.WithLabelValues("appended").Inc()
}

func (r *Recorder) clearDegraded() {
	if r.degraded.Swap(false) {
		degradedGauge.Set(0)
		r.logger.Info(context.Background(), "recorder sink recovered")
	}
}
