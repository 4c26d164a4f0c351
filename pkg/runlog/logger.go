package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/cascade/pkg/identity"
)

// LoggerConfig bounds the async writer.
type LoggerConfig struct {
	// HighWater is the queue length at which low-severity rows start being
	// dropped. Critical rows are enqueued past the mark rather than lost.
	HighWater int `yaml:"high_water" json:"high_water"`

	// BatchSize is the maximum rows per store append.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// FlushInterval is how often the writer drains absent new enqueues.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// Retries is how many times a failed batch append is retried. Retries can
	// duplicate rows in the store; readers deduplicate.
	Retries int `yaml:"retries" json:"retries"`
}

// SetDefaults fills zero fields with production defaults.
func (c *LoggerConfig) SetDefaults() {
	if c.HighWater == 0 {
		c.HighWater = 10000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.Retries == 0 {
		c.Retries = 2
	}
}

// Logger is the MPSC run log writer. Any goroutine may call Log; one
// background writer drains batches to the store. Log never blocks beyond the
// enqueue step.
type Logger struct {
	store Store
	cfg   LoggerConfig

	mu      sync.Mutex
	queue   []Row
	writing bool
	closed  bool
	dropped map[string]int64

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// NewLogger starts the background writer and returns the logger.
func NewLogger(store Store, cfg LoggerConfig) *Logger {
	cfg.SetDefaults()
	l := &Logger{
		store:   store,
		cfg:     cfg,
		dropped: make(map[string]int64),
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Log stamps and enqueues one row. Identity fields the caller left empty are
// injected from the context scope; timestamp and content hash are filled if
// missing.
func (l *Logger) Log(ctx context.Context, row Row) {
	ScopeFrom(ctx).inject(&row)
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	if row.ContentHash == "" && row.Content != "" {
		row.ContentHash = identity.Content(row.Content)
	}

	l.mu.Lock()
	if l.closed {
		l.dropped[row.NodeType]++
		l.mu.Unlock()
		return
	}
	if len(l.queue) >= l.cfg.HighWater {
		sev := severity(row.NodeType)
		if !l.evictLocked(sev) && sev <= severityLow {
			// Queue is full of rows at least as important; this one goes.
			l.dropped[row.NodeType]++
			l.mu.Unlock()
			return
		}
	}
	l.queue = append(l.queue, row)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// evictLocked removes the oldest expendable row to make room, progress
// chatter first, then turns when the incoming row outranks them. Returns
// false when nothing may be evicted.
func (l *Logger) evictLocked(incomingSev int) bool {
	for i := range l.queue {
		if severity(l.queue[i].NodeType) == severityDroppable {
			l.dropped[l.queue[i].NodeType]++
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	if incomingSev > severityLow {
		for i := range l.queue {
			if severity(l.queue[i].NodeType) == severityLow {
				l.dropped[l.queue[i].NodeType]++
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (l *Logger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.signal:
			l.drain()
		case <-ticker.C:
			l.drain()
		case <-l.quit:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		n := len(l.queue)
		if n > l.cfg.BatchSize {
			n = l.cfg.BatchSize
		}
		batch := make([]Row, n)
		copy(batch, l.queue[:n])
		l.queue = append(l.queue[:0], l.queue[n:]...)
		l.writing = true
		l.mu.Unlock()

		l.write(batch)

		l.mu.Lock()
		l.writing = false
		l.mu.Unlock()
	}
}

// write appends with bounded retries. A retry after a partial commit can
// duplicate rows; that is the at-least-once contract.
func (l *Logger) write(batch []Row) {
	var err error
	for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = l.store.Append(ctx, batch)
		cancel()
		if err == nil {
			return
		}
	}
	slog.Error("Run log batch write failed, dropping batch", "rows", len(batch), "error", err)
	l.mu.Lock()
	for _, row := range batch {
		l.dropped[row.NodeType]++
	}
	l.mu.Unlock()
}

// Flush blocks until every enqueued row has been handed to the store or the
// context expires.
func (l *Logger) Flush(ctx context.Context) error {
	for {
		l.mu.Lock()
		idle := len(l.queue) == 0 && !l.writing
		l.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case l.signal <- struct{}{}:
		default:
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("runlog: flush: %w", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close flushes and stops the writer. The logger drops rows logged after
// Close begins.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.Flush(ctx)
	close(l.quit)
	<-l.done
	return err
}

// Dropped returns a copy of the per-node-type drop counters.
func (l *Logger) Dropped() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.dropped))
	for k, v := range l.dropped {
		out[k] = v
	}
	return out
}

// QueueLen reports the rows currently waiting for the writer.
func (l *Logger) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
