package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/dispatcher"
	"github.com/jmoyers/harness/internal/eventlog"
	"github.com/jmoyers/harness/internal/hub"
	"github.com/jmoyers/harness/internal/proto"
	"github.com/jmoyers/harness/internal/registry"
)

func startDaemon(t *testing.T) (net.Listener, string) {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := hub.New(nil)
	writer := eventlog.NewWriter(store, func(e proto.Envelope) { h.PublishEvent(e) })
	t.Cleanup(func() { writer.Close() })

	reg := registry.New(nil)
	token := "tok"
	d := dispatcher.New(reg, h, writer, token, 0, zerolog.New(io.Discard), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Serve(ctx, ln)

	return ln, token
}

func TestClientCallRoundTrip(t *testing.T) {
	ln, token := startDaemon(t)
	c, err := Dial(ln.Addr().String(), token)
	require.NoError(t, err)
	defer c.Close()

	var resp proto.PtyStartResponse
	reason, err := c.Call(proto.CmdPtyStart, proto.PtyStartRequest{
		SessionID: "s1", Command: "cat",
	}, &resp)
	require.NoError(t, err)
	require.Empty(t, reason)
	require.Equal(t, "s1", resp.SessionID)
}

func TestClientCallFailureReason(t *testing.T) {
	ln, token := startDaemon(t)
	c, err := Dial(ln.Addr().String(), token)
	require.NoError(t, err)
	defer c.Close()

	var resp proto.SessionStatusResponse
	reason, err := c.Call(proto.CmdSessionStatus, proto.SessionStatusRequest{SessionID: "nope"}, &resp)
	require.Error(t, err)
	require.Equal(t, proto.ErrSessionNotFound, reason)
}

func TestClientReceivesPushFrames(t *testing.T) {
	ln, token := startDaemon(t)
	c, err := Dial(ln.Addr().String(), token)
	require.NoError(t, err)
	defer c.Close()

	pushes := make(chan string, 8)
	c.OnPush(func(kind string, raw json.RawMessage) { pushes <- kind })

	var subResp proto.StreamSubscribeResponse
	_, err = c.Call(proto.CmdStreamSubscribe, proto.StreamSubscribeRequest{IncludeOutput: true}, &subResp)
	require.NoError(t, err)

	var startResp proto.PtyStartResponse
	_, err = c.Call(proto.CmdPtyStart, proto.PtyStartRequest{SessionID: "s2", Command: "cat"}, &startResp)
	require.NoError(t, err)

	select {
	case kind := <-pushes:
		require.Equal(t, proto.KindStreamEvent, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one push frame")
	}
}
