package dispatcher

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/eventlog"
	"github.com/jmoyers/harness/internal/hub"
	"github.com/jmoyers/harness/internal/proto"
	"github.com/jmoyers/harness/internal/registry"
)

func startTestDaemon(t *testing.T) (net.Listener, string) {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := hub.New(nil)
	writer := eventlog.NewWriter(store, func(e proto.Envelope) { h.PublishEvent(e) })
	t.Cleanup(func() { writer.Close() })

	reg := registry.New(nil)

	token := "test-token"
	d := New(reg, h, writer, token, 0, zerolog.New(io.Discard), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Serve(ctx, ln)

	return ln, token
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr, token string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c := &client{conn: conn, r: bufio.NewReader(conn)}
	c.send(proto.AuthFrame{Kind: proto.KindAuth, Token: token})
	var res proto.AuthResultFrame
	c.recv(t, &res)
	require.Equal(t, proto.KindAuthOK, res.Kind)
	return c
}

func (c *client) send(v any) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	c.conn.Write(data)
}

func (c *client) recv(t *testing.T, v any) {
	t.Helper()
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, v))
}

func (c *client) command(t *testing.T, id, name string, payload any) proto.ResultFrame {
	t.Helper()
	p, _ := json.Marshal(payload)
	c.send(proto.CommandFrame{Kind: proto.KindCommand, CommandID: id, Command: name, Payload: p})
	var res proto.ResultFrame
	c.recv(t, &res)
	return res
}

func TestAuthFailureRejectsConnection(t *testing.T) {
	ln, _ := startTestDaemon(t)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	data, _ := json.Marshal(proto.AuthFrame{Kind: proto.KindAuth, Token: "wrong"})
	conn.Write(append(data, '\n'))

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var res proto.AuthResultFrame
	require.NoError(t, json.Unmarshal(line, &res))
	require.Equal(t, proto.KindAuthFailed, res.Kind)
}

func TestPtyStartWriteAndSubscribeSeeOutput(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	sub := dial(t, ln.Addr().String(), token)
	defer sub.conn.Close()

	subRes := sub.command(t, "sub-1", proto.CmdStreamSubscribe, proto.StreamSubscribeRequest{IncludeOutput: true})
	require.Equal(t, proto.KindCommandCompleted, subRes.Kind)

	startRes := c.command(t, "cmd-1", proto.CmdPtyStart, proto.PtyStartRequest{
		SessionID: "sess-1",
		TenantID:  "t",
		UserID:    "u",
		Command:   "cat",
		Cols:      80,
		Rows:      24,
	})
	require.Equal(t, proto.KindCommandCompleted, startRes.Kind)

	writeRes := c.command(t, "cmd-2", proto.CmdPtyWrite, proto.PtyWriteRequest{
		SessionID:  "sess-1",
		DataBase64: base64.StdEncoding.EncodeToString([]byte("hello\n")),
	})
	require.Equal(t, proto.KindCommandCompleted, writeRes.Kind)

	sub.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out proto.PtyOutputFrame
	for {
		var raw json.RawMessage
		sub.recv(t, &raw)
		var probe struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(raw, &probe))
		if probe.Kind == proto.KindPtyOutput {
			require.NoError(t, json.Unmarshal(raw, &out))
			break
		}
	}
	chunk, err := base64.StdEncoding.DecodeString(out.ChunkBase64)
	require.NoError(t, err)
	require.Contains(t, string(chunk), "hello")

	closeRes := c.command(t, "cmd-3", proto.CmdPtyClose, proto.PtyCloseRequest{SessionID: "sess-1"})
	require.Equal(t, proto.KindCommandCompleted, closeRes.Kind)
}

func TestSessionClaimConflict(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	startRes := c.command(t, "cmd-1", proto.CmdPtyStart, proto.PtyStartRequest{
		SessionID: "sess-2",
		Command:   "cat",
	})
	require.Equal(t, proto.KindCommandCompleted, startRes.Kind)

	claim1 := c.command(t, "cmd-2", proto.CmdSessionClaim, proto.SessionClaimRequest{
		SessionID: "sess-2", ControllerID: "human-1", ControllerType: "human",
	})
	require.Equal(t, proto.KindCommandCompleted, claim1.Kind)

	claim2 := c.command(t, "cmd-3", proto.CmdSessionClaim, proto.SessionClaimRequest{
		SessionID: "sess-2", ControllerID: "human-2", ControllerType: "human",
	})
	require.Equal(t, proto.KindCommandFailed, claim2.Kind)
	require.Equal(t, proto.ErrControllerConflict, claim2.Reason)
}

func TestSessionStartingThenRunningOnFirstOutput(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	startRes := c.command(t, "cmd-1", proto.CmdPtyStart, proto.PtyStartRequest{
		SessionID: "sess-3",
		Command:   "cat",
	})
	require.Equal(t, proto.KindCommandCompleted, startRes.Kind)

	var status proto.SessionStatusResponse
	res := c.command(t, "cmd-2", proto.CmdSessionStatus, proto.SessionStatusRequest{SessionID: "sess-3"})
	require.Equal(t, proto.KindCommandCompleted, res.Kind)
	require.NoError(t, json.Unmarshal(res.Result, &status))
	require.Equal(t, "starting", status.Status)
	require.True(t, status.Live)

	writeRes := c.command(t, "cmd-3", proto.CmdPtyWrite, proto.PtyWriteRequest{
		SessionID:  "sess-3",
		DataBase64: base64.StdEncoding.EncodeToString([]byte("x\n")),
	})
	require.Equal(t, proto.KindCommandCompleted, writeRes.Kind)

	poll := 0
	require.Eventually(t, func() bool {
		poll++
		res := c.command(t, fmt.Sprintf("poll-%d", poll), proto.CmdSessionStatus, proto.SessionStatusRequest{SessionID: "sess-3"})
		var st proto.SessionStatusResponse
		if res.Kind != proto.KindCommandCompleted || json.Unmarshal(res.Result, &st) != nil {
			return false
		}
		return st.Status == "running"
	}, 5*time.Second, 20*time.Millisecond)

	c.command(t, "cmd-4", proto.CmdPtyClose, proto.PtyCloseRequest{SessionID: "sess-3"})
}

// A retried commandId on the same connection is answered from cache, not
// re-executed: the second pty.start reply echoes the first instead of
// failing with session-already-exists.
func TestCommandIdempotentWithinConnection(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	first := c.command(t, "retry-me", proto.CmdPtyStart, proto.PtyStartRequest{SessionID: "idem", Command: "cat"})
	require.Equal(t, proto.KindCommandCompleted, first.Kind)

	second := c.command(t, "retry-me", proto.CmdPtyStart, proto.PtyStartRequest{SessionID: "idem", Command: "cat"})
	require.Equal(t, proto.KindCommandCompleted, second.Kind)
	require.JSONEq(t, string(first.Result), string(second.Result))

	c.command(t, "close", proto.CmdPtyClose, proto.PtyCloseRequest{SessionID: "idem"})
}

func TestPtyStartDuplicateSessionID(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	first := c.command(t, "cmd-1", proto.CmdPtyStart, proto.PtyStartRequest{SessionID: "dup", Command: "cat"})
	require.Equal(t, proto.KindCommandCompleted, first.Kind)

	second := c.command(t, "cmd-2", proto.CmdPtyStart, proto.PtyStartRequest{SessionID: "dup", Command: "cat"})
	require.Equal(t, proto.KindCommandFailed, second.Kind)
	require.Equal(t, proto.ErrSessionExists, second.Reason)

	c.command(t, "cmd-3", proto.CmdPtyClose, proto.PtyCloseRequest{SessionID: "dup"})
}

func TestPtyStartArgvOnlyShape(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	res := c.command(t, "cmd-1", proto.CmdPtyStart, proto.PtyStartRequest{
		SessionID: "argv-only",
		Args:      []string{"cat"},
	})
	require.Equal(t, proto.KindCommandCompleted, res.Kind)
	var resp proto.PtyStartResponse
	require.NoError(t, json.Unmarshal(res.Result, &resp))
	require.Equal(t, "argv-only", resp.SessionID)

	c.command(t, "cmd-2", proto.CmdPtyClose, proto.PtyCloseRequest{SessionID: "argv-only"})
}

// TestSubscriptionOrdering: events arrive in strictly increasing rowId
// order, output chunks in strictly increasing broker cursor order, and no
// chunk follows the session's exit event.
func TestSubscriptionOrdering(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	sub := dial(t, ln.Addr().String(), token)
	defer sub.conn.Close()

	subRes := sub.command(t, "sub-1", proto.CmdStreamSubscribe, proto.StreamSubscribeRequest{IncludeOutput: true})
	require.Equal(t, proto.KindCommandCompleted, subRes.Kind)

	startRes := c.command(t, "cmd-1", proto.CmdPtyStart, proto.PtyStartRequest{
		SessionID: "sess-ord",
		TenantID:  "t",
		UserID:    "u",
		Command:   "cat",
	})
	require.Equal(t, proto.KindCommandCompleted, startRes.Kind)

	for i := 0; i < 5; i++ {
		res := c.command(t, fmt.Sprintf("w-%d", i), proto.CmdPtyWrite, proto.PtyWriteRequest{
			SessionID:  "sess-ord",
			DataBase64: base64.StdEncoding.EncodeToString([]byte("chunk\n")),
		})
		require.Equal(t, proto.KindCommandCompleted, res.Kind)
	}

	closeRes := c.command(t, "cmd-2", proto.CmdPtyClose, proto.PtyCloseRequest{SessionID: "sess-ord"})
	require.Equal(t, proto.KindCommandCompleted, closeRes.Kind)

	var lastEventRow int64
	var lastOutputCursor uint64
	sawExit := false

	sub.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !sawExit {
		var raw json.RawMessage
		sub.recv(t, &raw)
		var probe struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(raw, &probe))
		switch probe.Kind {
		case proto.KindStreamEvent:
			var ev proto.StreamEventFrame
			require.NoError(t, json.Unmarshal(raw, &ev))
			require.Greater(t, ev.Cursor, lastEventRow, "event rowIds must be strictly increasing")
			lastEventRow = ev.Cursor
			if ev.Event.Type == proto.EventSessionStatus && ev.Event.Payload.Status != nil &&
				ev.Event.Payload.Status.Phase == "exited" {
				sawExit = true
			}
		case proto.KindPtyOutput:
			require.False(t, sawExit, "no output chunk may follow the session's exit event")
			var out proto.PtyOutputFrame
			require.NoError(t, json.Unmarshal(raw, &out))
			require.Greater(t, out.Cursor, lastOutputCursor, "output cursors must be strictly increasing")
			lastOutputCursor = out.Cursor
		}
	}
	require.True(t, sawExit)
}

func TestSessionNotFoundReason(t *testing.T) {
	ln, token := startTestDaemon(t)
	c := dial(t, ln.Addr().String(), token)
	defer c.conn.Close()

	res := c.command(t, "cmd-1", proto.CmdSessionStatus, proto.SessionStatusRequest{SessionID: "nope"})
	require.Equal(t, proto.KindCommandFailed, res.Kind)
	require.Equal(t, proto.ErrSessionNotFound, res.Reason)
}
