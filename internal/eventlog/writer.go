package eventlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jmoyers/harness/internal/proto"
)

// ErrWriterClosed is returned by Append when the writer has already
// flushed for the last time.
var ErrWriterClosed = errors.New("eventlog: writer closed")

// Batching defaults: a soft flush timer and a hard batch-size cap.
const (
	DefaultFlushInterval = 25 * time.Millisecond
	DefaultMaxBatch      = 128

	busyRetryAttempts = 5
	busyRetryBase     = 10 * time.Millisecond
)

// Writer batches envelopes destined for a Store with a soft timer and a
// hard cap; any cap hit or Close flushes immediately.
type Writer struct {
	store         *Store
	flushInterval time.Duration
	maxBatch      int

	mu      sync.Mutex
	pending []pendingAppend

	flushCh chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}

	onPublish func(proto.Envelope) // called after a successful append, for the hub
}

type pendingAppend struct {
	env  proto.Envelope
	done chan error
}

// NewWriter creates a Writer over store with default batching parameters.
// onPublish, if non-nil, is called once per successfully appended envelope
// (with RowID populated) after the batch commits, so the subscription hub
// can fan events out without re-reading the store.
func NewWriter(store *Store, onPublish func(proto.Envelope)) *Writer {
	w := &Writer{
		store:         store,
		flushInterval: DefaultFlushInterval,
		maxBatch:      DefaultMaxBatch,
		flushCh:       make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		onPublish:     onPublish,
	}
	go w.run()
	return w
}

// Append enqueues env for the next batch and blocks until it has been
// durably appended (or the batch failed). Callers await Append before
// replying to a client, so a sent command.completed always covers a
// committed event.
func (w *Writer) Append(ctx context.Context, env proto.Envelope) error {
	done := make(chan error, 1)
	w.mu.Lock()
	w.pending = append(w.pending, pendingAppend{env: env, done: done})
	hitCap := len(w.pending) >= w.maxBatch
	w.mu.Unlock()

	if hitCap {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.doneCh:
		// The final flush raced past this enqueue; the envelope was not
		// committed.
		return ErrWriterClosed
	}
}

// Close flushes any pending batch and stops the background goroutine.
func (w *Writer) Close() error {
	close(w.closeCh)
	<-w.doneCh
	return nil
}

func (w *Writer) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		case <-w.closeCh:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	envs := make([]proto.Envelope, len(batch))
	for i, p := range batch {
		envs[i] = p.env
	}

	err := w.appendWithRetry(envs)
	if err == nil && w.onPublish != nil {
		for _, e := range envs {
			w.onPublish(e)
		}
	}
	for _, p := range batch {
		p.done <- err
	}
}

func (w *Writer) appendWithRetry(envs []proto.Envelope) error {
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := w.store.AppendEvents(ctx, envs)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDuplicateEvent) || !isBusy(err) {
			return err
		}
		lastErr = err
		time.Sleep(busyRetryBase * time.Duration(1<<attempt))
	}
	return lastErr
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
