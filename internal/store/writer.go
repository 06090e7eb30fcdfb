package store

import (
	"sync"

	"histd/internal/history"
)

// Sink receives durable appends. *histfile.File satisfies it.
type Sink interface {
	Append(events []history.Event) error
}

// Writer decouples append acknowledgement from disk flush: callers
// enqueue and return immediately, a single goroutine drains the queue
// in batches. Flush blocks until everything enqueued so far is on
// disk; it runs synchronously on shutdown.
type Writer struct {
	sink    Sink
	onError func(error)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []history.Event
	closed  bool
	writing bool
}

// NewWriter starts the background writer. onError receives write
// failures; the local file being unwritable risks silent history loss,
// so callers are expected to treat it as fatal.
func NewWriter(sink Sink, onError func(error)) *Writer {
	w := &Writer{sink: sink, onError: onError}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Enqueue schedules a durable append and returns immediately.
func (w *Writer) Enqueue(e history.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, e)
	w.cond.Broadcast()
}

// Pending returns the number of events not yet handed to the sink.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Flush blocks until the queue is drained and no write is in flight.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 || w.writing {
		w.cond.Wait()
	}
}

// Close flushes and stops the writer.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.Flush()
}

func (w *Writer) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.writing = true
		w.mu.Unlock()

		err := w.sink.Append(batch)

		w.mu.Lock()
		w.writing = false
		w.cond.Broadcast()
		closed := w.closed && len(w.queue) == 0
		w.mu.Unlock()

		if err != nil && w.onError != nil {
			w.onError(err)
		}
		if closed {
			return
		}
	}
}
