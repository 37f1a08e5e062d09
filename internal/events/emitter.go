package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultSendTimeout is how long Emit waits on a full buffer before dropping.
const DefaultSendTimeout = 100 * time.Millisecond

// Emitter is a buffered Sink that hands events to a single consumer channel.
// When the buffer is full it waits briefly and then drops the event.
type Emitter struct {
	events       chan Event
	sendTimeout  time.Duration
	droppedCount atomic.Uint64
	logger       *zap.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int, logger *zap.Logger) *Emitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		events:      make(chan Event, bufferSize),
		sendTimeout: DefaultSendTimeout,
		logger:      logger.Named("events"),
	}
}

// SetSendTimeout overrides how long Emit waits on a full buffer.
func (e *Emitter) SetSendTimeout(d time.Duration) {
	e.sendTimeout = d
}

// Emit sends an event to the channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *Emitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.droppedCount.Add(1)
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(e.sendTimeout)
	defer timer.Stop()

	select {
	case e.events <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("event channel full, dropping event",
				zap.Uint64("dropped_total", count),
				zap.String("type", string(event.Type)))
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for the consumer.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Later Emit calls are counted as dropped.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.events)
		e.mu.Unlock()
	})
}
