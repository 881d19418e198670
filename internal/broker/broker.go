// Package broker implements per-session output fan-out: it owns one
// ptyhost.Host, stamps every chunk of output with a monotonic cursor,
// retains a bounded backlog for late attachers, and delivers an exit
// notification to every current and future attachment exactly once.
package broker

import (
	"sync"

	"github.com/jmoyers/harness/internal/ptyhost"
)

// DefaultBacklogBytes is the default backlog byte budget per session.
const DefaultBacklogBytes = 256 * 1024

// Handlers are invoked from the broker's single delivery goroutine; they
// must not block for long or they will stall delivery to every other
// attachment of the same session.
type Handlers struct {
	OnData func(cursor uint64, p []byte)
	OnExit func(ptyhost.ExitInfo)
}

type chunk struct {
	cursor uint64
	data   []byte
}

type attachment struct {
	id       uint64
	handlers Handlers
}

// command is how attach/detach requests and cursor/backlog reads reach the
// single owning goroutine; it serializes the view of "current backlog +
// latest cursor + exit observed" for every caller. Write, Resize and Close
// go straight to the host.
type command struct {
	fn   func()
	done chan struct{}
}

// Broker owns one session's PTY host and fans its output out to any number
// of concurrent attachments.
type Broker struct {
	host         *ptyhost.Host
	backlogBytes int

	cmds chan command

	mu     sync.Mutex // guards nextID, and all state access once run() has exited
	nextID uint64

	// Fields below are owned exclusively by the run() goroutine.
	backlog     []chunk
	backlogLen  int
	latest      uint64
	attachments map[uint64]attachment
	exited      bool
	lastExit    ptyhost.ExitInfo

	done chan struct{} // closed when run() returns
}

// New creates a Broker fed by host, retaining up to backlogBytes of the
// most recent output. backlogBytes <= 0 uses DefaultBacklogBytes.
func New(host *ptyhost.Host, backlogBytes int) *Broker {
	if backlogBytes <= 0 {
		backlogBytes = DefaultBacklogBytes
	}
	b := &Broker{
		host:         host,
		backlogBytes: backlogBytes,
		cmds:         make(chan command),
		attachments:  make(map[uint64]attachment),
		done:         make(chan struct{}),
	}
	go b.run()
	return b
}

// run is the single goroutine that owns all mutable broker state. It
// multiplexes PTY events and attach/detach/read commands so every
// observer sees a consistent sequence.
func (b *Broker) run() {
	defer close(b.done)

	data := b.host.Data()
	exit := b.host.Exit()

	for {
		select {
		case p, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			b.deliverData(p)

		case info, ok := <-exit:
			if !ok {
				exit = nil
				if data == nil {
					return
				}
				continue
			}
			b.deliverExit(info)
			exit = nil
			if data == nil {
				return
			}

		case c := <-b.cmds:
			c.fn()
			close(c.done)
		}
	}
}

func (b *Broker) deliverData(p []byte) {
	b.latest++
	cur := b.latest

	buf := make([]byte, len(p))
	copy(buf, p)
	b.appendBacklog(chunk{cursor: cur, data: buf})

	if b.exited {
		return
	}
	for _, a := range b.attachments {
		if a.handlers.OnData != nil {
			a.handlers.OnData(cur, buf)
		}
	}
}

func (b *Broker) appendBacklog(c chunk) {
	if len(c.data) >= b.backlogBytes {
		// Oversized chunk replaces the backlog with its own tail.
		tail := c.data[len(c.data)-b.backlogBytes:]
		b.backlog = []chunk{{cursor: c.cursor, data: tail}}
		b.backlogLen = len(tail)
		return
	}
	b.backlog = append(b.backlog, c)
	b.backlogLen += len(c.data)
	for b.backlogLen > b.backlogBytes && len(b.backlog) > 1 {
		evicted := b.backlog[0]
		b.backlog = b.backlog[1:]
		b.backlogLen -= len(evicted.data)
	}
}

func (b *Broker) deliverExit(info ptyhost.ExitInfo) {
	b.exited = true
	b.lastExit = info
	for _, a := range b.attachments {
		if a.handlers.OnExit != nil {
			a.handlers.OnExit(info)
		}
	}
}

// exec runs fn on the owning goroutine and waits for it to finish. Once
// run() has returned (both host channels closed), fn executes on the
// caller's goroutine under b.mu instead, so late callers — Attach after
// exit, concurrent Detach — are serialized against each other. Closing
// b.done happens-before any fallback execution, so fallback callers also
// observe run()'s final state.
func (b *Broker) exec(fn func()) {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case b.cmds <- c:
		<-c.done
	case <-b.done:
		b.mu.Lock()
		fn()
		b.mu.Unlock()
	}
}

// Attach registers handlers for this session and immediately (synchronously,
// before returning) replays backlog entries with cursor > sinceCursor. If
// the session has already exited, OnExit is invoked once after the replay.
// Attach never blocks on I/O; handlers are called back on the broker's
// goroutine for the lifetime of the attachment.
func (b *Broker) Attach(sinceCursor uint64, h Handlers) uint64 {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	b.exec(func() {
		for _, c := range b.backlog {
			if c.cursor > sinceCursor && h.OnData != nil {
				h.OnData(c.cursor, c.data)
			}
		}
		if b.exited {
			if h.OnExit != nil {
				h.OnExit(b.lastExit)
			}
			return
		}
		b.attachments[id] = attachment{id: id, handlers: h}
	})

	return id
}

// Detach removes an attachment. Idempotent; unknown ids no-op.
func (b *Broker) Detach(id uint64) {
	b.exec(func() {
		delete(b.attachments, id)
	})
}

// Write forwards bytes to the PTY host.
func (b *Broker) Write(p []byte) (int, error) {
	return b.host.Write(p)
}

// Resize forwards a resize request to the PTY host.
func (b *Broker) Resize(cols, rows uint16) error {
	return b.host.Resize(cols, rows)
}

// Close closes the underlying PTY host. The broker's goroutine exits once
// it has observed the resulting exit notification.
func (b *Broker) Close() error {
	return b.host.Close()
}

// LatestCursor returns the largest cursor emitted so far (0 if none).
func (b *Broker) LatestCursor() uint64 {
	var v uint64
	b.exec(func() { v = b.latest })
	return v
}

// BacklogBytes returns the total size of the retained backlog.
func (b *Broker) BacklogBytes() int {
	var v int
	b.exec(func() { v = b.backlogLen })
	return v
}

// ProcessID returns the underlying host's pid, or 0 if spawn failed.
func (b *Broker) ProcessID() int {
	return b.host.ProcessID()
}
