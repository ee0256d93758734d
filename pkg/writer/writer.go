// Package writer persists events off the caller's goroutine. Records are
// queued on a bounded channel and appended one at a time by a single
// goroutine, so producers never wait on disk I/O.
package writer

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/unijord/eventpipe/pkg/consent"
)

var ErrClosed = errors.New("writer is closed")

// Appender persists one record into the area of a consent value.
// consent.Store implements it.
type Appender interface {
	Current() consent.Value
	Append(area consent.Value, record []byte) error
}

// Config configures a Writer.
type Config struct {
	// QueueSize bounds the number of queued records. Records submitted
	// while the queue is full are dropped.
	QueueSize int
	// MaxRecordSize rejects larger records before they are queued.
	MaxRecordSize int
	Logger        *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		MaxRecordSize: 512 * 1024,
	}
}

// Stats are cumulative counters of a Writer.
type Stats struct {
	Written uint64
	// dropped because the queue was full or the writer closed.
	Dropped uint64
	// rejected for exceeding MaxRecordSize.
	Oversized uint64
	// lost to a persist error.
	Failed uint64
	// tasks waiting in the queue.
	Queued int
}

type task struct {
	record []byte
	fn     func()
	done   chan struct{}
}

// Writer is the sequential write queue of a pipeline.
type Writer struct {
	config Config
	store  Appender
	logger *slog.Logger

	// guards queue against sends after close.
	mu     sync.RWMutex
	closed bool
	queue  chan task
	wg     sync.WaitGroup

	written   atomic.Uint64
	dropped   atomic.Uint64
	oversized atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Writer appending into store and starts its goroutine.
func New(store Appender, config Config) *Writer {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	w := &Writer{
		config: config,
		store:  store,
		logger: config.Logger.With("component", "writer"),
		queue:  make(chan task, config.QueueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for t := range w.queue {
		w.handle(t)
	}
}

func (w *Writer) handle(t task) {
	if t.fn != nil {
		t.fn()
	}
	if t.record != nil {
		// read here, not at Write time, so a record queued behind a consent
		// change lands in the area that change selected.
		area := w.store.Current()
		if err := w.store.Append(area, t.record); err != nil {
			w.failed.Add(1)
			w.logger.Error("failed to persist event",
				"area", area.String(),
				"size", len(t.record),
				"error", err)
		} else {
			w.written.Add(1)
		}
	}
	if t.done != nil {
		close(t.done)
	}
}

// Write queues record for the area of the consent current when it is
// persisted. It never blocks: it reports false when the record was dropped.
func (w *Writer) Write(record []byte) bool {
	if w.config.MaxRecordSize > 0 && len(record) > w.config.MaxRecordSize {
		w.oversized.Add(1)
		w.logger.Warn("dropping oversized event",
			"size", len(record),
			"max", w.config.MaxRecordSize)
		return false
	}
	if record == nil {
		record = []byte{}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.queue <- task{record: record}:
		return true
	default:
		n := w.dropped.Add(1)
		// one line per power of two keeps a full queue from flooding the log.
		if n&(n-1) == 0 {
			w.logger.Warn("write queue full, dropping event", "dropped_total", n)
		}
		return false
	}
}

// Do runs fn on the write goroutine after every previously queued record
// and waits for it to return. Consent changes run this way so that no
// record is appended in the middle of a migration.
func (w *Writer) Do(fn func()) error {
	done := make(chan struct{})
	if err := w.enqueue(task{fn: fn, done: done}); err != nil {
		return err
	}
	<-done
	return nil
}

// Flush blocks until every record queued before the call is persisted.
func (w *Writer) Flush() error {
	return w.Do(nil)
}

func (w *Writer) enqueue(t task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	w.queue <- t
	return nil
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Written:   w.written.Load(),
		Dropped:   w.dropped.Load(),
		Oversized: w.oversized.Load(),
		Failed:    w.failed.Load(),
		Queued:    len(w.queue),
	}
}

// Close stops accepting records, persists the queued ones and stops the
// write goroutine.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
