package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"intent-bot-backend/internal/metrics"
)

// ErrQueueFull is returned by an Async sink that dropped an event.
var ErrQueueFull = errors.New("telemetry queue full")

// Event is a named, flat property bag.
type Event struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	Time       time.Time      `json:"time"`
}

// NewEvent flattens payload into the event's properties.
func NewEvent(name string, payload Value) Event {
	return Event{Name: name, Properties: Flatten(payload, ""), Time: time.Now().UTC()}
}

// Sink records events. Callers never let a Sink error fail user-facing work.
type Sink interface {
	Track(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (l *LogSink) Track(_ context.Context, ev Event) error {
	l.log.Info("telemetry event", zap.String("event", ev.Name), zap.Any("properties", ev.Properties))
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Track(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Track(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async decouples callers from a slow sink with a bounded queue. When the
// queue is full the event is dropped and ErrQueueFull returned at once.
type Async struct {
	inner   Sink
	queue   chan Event
	timeout time.Duration
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(inner Sink, size int, log *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan Event, size),
		timeout: 10 * time.Second,
		log:     log,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Track(ctx, ev); err != nil {
			metrics.TelemetryEvents.WithLabelValues(ev.Name, "failed").Inc()
			a.log.Warn("telemetry sink failed", zap.String("event", ev.Name), zap.Error(err))
		} else {
			metrics.TelemetryEvents.WithLabelValues(ev.Name, "sent").Inc()
		}
		cancel()
	}
}

func (a *Async) Track(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		metrics.TelemetryEvents.WithLabelValues(ev.Name, "dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
