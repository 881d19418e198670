// Package client implements the CLI-side half of the wire protocol: auth
// handshake, request/reply command calls, and a push-frame reader used by
// attach/tail. One connection carries many request/reply round trips
// interleaved with asynchronous server pushes.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoyers/harness/internal/proto"
)

// Client is a single authenticated connection to the daemon.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
	nextID  uint64

	pushMu sync.Mutex
	onPush func(kind string, raw json.RawMessage)

	pending sync.Map // commandId -> chan proto.ResultFrame

	serverPID   int
	serverRunID string

	closed  chan struct{}
	lastErr atomic.Value
}

// Dial connects to addr and performs the auth handshake with token.
func Dial(addr, token string) (*Client, error) {
	return DialTimeout(addr, token, 0)
}

// DialTimeout is Dial with a connect timeout; zero means no timeout.
func DialTimeout(addr, token string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn), closed: make(chan struct{})}

	if err := c.writeFrame(proto.AuthFrame{Kind: proto.KindAuth, Token: token}); err != nil {
		conn.Close()
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	var res proto.AuthResultFrame
	if err := json.Unmarshal(line, &res); err != nil {
		conn.Close()
		return nil, err
	}
	if res.Kind != proto.KindAuthOK {
		conn.Close()
		return nil, fmt.Errorf("client: auth failed: %s", res.Reason)
	}
	c.serverPID = res.PID
	c.serverRunID = res.GatewayRunID

	go c.readLoop()
	return c, nil
}

// ServerInfo returns the daemon's self-reported pid and gateway run id
// from the auth handshake (zero values against daemons that predate the
// fields).
func (c *Client) ServerInfo() (pid int, gatewayRunID string) {
	return c.serverPID, c.serverRunID
}

// OnPush registers the callback invoked for every stream.event/pty.output
// frame the daemon pushes asynchronously. Must be set before any command
// that creates server-side pushes (stream.subscribe) is issued.
func (c *Client) OnPush(fn func(kind string, raw json.RawMessage)) {
	c.pushMu.Lock()
	c.onPush = fn
	c.pushMu.Unlock()
}

func (c *Client) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			c.lastErr.Store(err)
			close(c.closed)
			return
		}
		var probe struct {
			Kind      string `json:"kind"`
			CommandID string `json:"commandId"`
		}
		if json.Unmarshal(line, &probe) != nil {
			continue
		}
		switch probe.Kind {
		case proto.KindCommandCompleted, proto.KindCommandFailed:
			if v, ok := c.pending.LoadAndDelete(probe.CommandID); ok {
				var res proto.ResultFrame
				json.Unmarshal(line, &res)
				v.(chan proto.ResultFrame) <- res
			}
		case proto.KindStreamEvent, proto.KindPtyOutput:
			c.pushMu.Lock()
			fn := c.onPush
			c.pushMu.Unlock()
			if fn != nil {
				fn(probe.Kind, append(json.RawMessage(nil), line...))
			}
		}
	}
}

// Call sends a command and blocks for its reply, unmarshaling a successful
// result into out (which may be nil). Returns the failure reason and an
// error if the daemon replied command.failed.
func (c *Client) Call(command string, payload any, out any) (reason string, err error) {
	id := fmt.Sprintf("c%d", atomic.AddUint64(&c.nextID, 1))
	p, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	ch := make(chan proto.ResultFrame, 1)
	c.pending.Store(id, ch)

	if err := c.writeFrame(proto.CommandFrame{Kind: proto.KindCommand, CommandID: id, Command: command, Payload: p}); err != nil {
		c.pending.Delete(id)
		return "", err
	}

	select {
	case res := <-ch:
		if res.Kind == proto.KindCommandFailed {
			return res.Reason, fmt.Errorf("client: %s failed: %s", command, res.Error)
		}
		if out != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, out); err != nil {
				return "", err
			}
		}
		return "", nil
	case <-c.closed:
		c.pending.Delete(id)
		if err, _ := c.lastErr.Load().(error); err != nil {
			return "", err
		}
		return "", fmt.Errorf("client: connection closed")
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
