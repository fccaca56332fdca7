package background

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ResizableBuffer is a simple growable event slice guarded by a mutex; used
// as the building block for the dual-buffer logger below.
type ResizableBuffer struct {
	mu    sync.Mutex
	items []Event
}

func NewResizableBuffer(initialCapacity int) *ResizableBuffer {
	return &ResizableBuffer{items: make([]Event, 0, initialCapacity)}
}

func (b *ResizableBuffer) Append(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, e)
	return len(b.items)
}

// Swap atomically replaces the buffer's contents with an empty slice of the
// same capacity and returns what was collected.
func (b *ResizableBuffer) Swap() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = make([]Event, 0, cap(out))
	return out
}

func (b *ResizableBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// EventLogger is the buffered event logger: a dual-buffer write/read split
// so producers are never blocked by an in-progress flush, with auto-flush
// once the active buffer reaches capacity.
//
// Grounded on internal/monitoring.PerformanceMonitor's atomic-counter idiom
// for lock-light bookkeeping, generalized here to a swappable buffer pair
// rather than plain counters.
type EventLogger struct {
	sink     *AnalyticsSink
	logger   *zap.Logger
	capacity int
	active   *ResizableBuffer

	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

func NewEventLogger(sink *AnalyticsSink, logger *zap.Logger, capacity int, flushInterval time.Duration) *EventLogger {
	return &EventLogger{
		sink:          sink,
		logger:        logger,
		capacity:      capacity,
		active:        NewResizableBuffer(capacity),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Log appends an event to the active buffer; writers never block on a
// flush in progress because Flush operates on a swapped-out snapshot.
func (l *EventLogger) Log(e Event) {
	n := l.active.Append(e)
	if n >= l.capacity {
		go l.flushNow(context.Background())
	}
}

// Run drives the periodic auto-flush cadence until ctx is cancelled.
func (l *EventLogger) Run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.flushNow(context.Background())
			return
		case <-l.stopCh:
			l.flushNow(context.Background())
			return
		case <-ticker.C:
			l.flushNow(ctx)
		}
	}
}

func (l *EventLogger) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// flushNow swaps out the active buffer and ships its contents; flush
// errors are logged and swallowed so a transient sink outage never backs
// up or blocks producers.
func (l *EventLogger) flushNow(ctx context.Context) {
	events := l.active.Swap()
	if len(events) == 0 {
		return
	}
	if err := l.sink.Flush(ctx, events); err != nil {
		l.logger.Error("analytics flush failed, dropping batch", zap.Int("count", len(events)), zap.Error(err))
	}
}
