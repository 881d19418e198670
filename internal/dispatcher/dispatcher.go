// Package dispatcher serves the line-delimited JSON-over-TCP wire
// protocol that exposes the registry, broker, event log, and subscription
// hub to clients: one auth frame per connection, then any number of
// commands, interleaved with asynchronous server pushes.
package dispatcher

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmoyers/harness/internal/broker"
	"github.com/jmoyers/harness/internal/eventlog"
	"github.com/jmoyers/harness/internal/hub"
	"github.com/jmoyers/harness/internal/metrics"
	"github.com/jmoyers/harness/internal/proto"
	"github.com/jmoyers/harness/internal/ptyhost"
	"github.com/jmoyers/harness/internal/registry"
)

const maxFrameBytes = 4 << 20 // 4 MiB, generous for base64 pty chunks

// Dispatcher wires the registry, broker layer, event log writer, and
// subscription hub into the wire protocol.
type Dispatcher struct {
	reg    *registry.Registry
	hub    *hub.Hub
	writer *eventlog.Writer

	authToken    string
	backlogBytes int
	defaultCols  int
	defaultRows  int

	log zerolog.Logger
	met *metrics.Metrics

	serverPID    int
	gatewayRunID string
}

// New creates a Dispatcher. met may be nil.
func New(reg *registry.Registry, h *hub.Hub, writer *eventlog.Writer, authToken string, backlogBytes int, log zerolog.Logger, met *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		reg:          reg,
		hub:          h,
		writer:       writer,
		authToken:    authToken,
		backlogBytes: backlogBytes,
		defaultCols:  80,
		defaultRows:  24,
		log:          log,
		met:          met,
	}
}

// SetServerInfo records the identity the daemon reports on auth.ok, used
// by clients and the adoption flow to reconstruct a gateway record.
func (d *Dispatcher) SetServerInfo(pid int, gatewayRunID string) {
	d.serverPID = pid
	d.gatewayRunID = gatewayRunID
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go d.handleConn(ctx, conn)
	}
}

// connState holds the per-connection state shared between the read loop
// and the hub delivery goroutines pushing asynchronous frames.
type connState struct {
	conn net.Conn

	writeMu sync.Mutex
	w       *bufio.Writer

	subsMu sync.Mutex
	subs   map[string]func()

	// Replies are remembered per commandId so a retried command within
	// this connection is answered from cache instead of re-executed.
	repliesMu  sync.Mutex
	replies    map[string]proto.ResultFrame
	replyOrder []string
}

const replyCacheSize = 128

func (cs *connState) cachedReply(commandID string) (proto.ResultFrame, bool) {
	cs.repliesMu.Lock()
	defer cs.repliesMu.Unlock()
	res, ok := cs.replies[commandID]
	return res, ok
}

func (cs *connState) rememberReply(commandID string, res proto.ResultFrame) {
	cs.repliesMu.Lock()
	defer cs.repliesMu.Unlock()
	if _, ok := cs.replies[commandID]; ok {
		return
	}
	cs.replies[commandID] = res
	cs.replyOrder = append(cs.replyOrder, commandID)
	if len(cs.replyOrder) > replyCacheSize {
		evicted := cs.replyOrder[0]
		cs.replyOrder = cs.replyOrder[1:]
		delete(cs.replies, evicted)
	}
}

func (cs *connState) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if _, err := cs.w.Write(data); err != nil {
		return err
	}
	if err := cs.w.WriteByte('\n'); err != nil {
		return err
	}
	return cs.w.Flush()
}

func (cs *connState) addSub(id string, unsub func()) {
	cs.subsMu.Lock()
	cs.subs[id] = unsub
	cs.subsMu.Unlock()
}

func (cs *connState) removeSub(id string) (func(), bool) {
	cs.subsMu.Lock()
	defer cs.subsMu.Unlock()
	fn, ok := cs.subs[id]
	delete(cs.subs, id)
	return fn, ok
}

func (cs *connState) closeAllSubs() {
	cs.subsMu.Lock()
	subs := cs.subs
	cs.subs = make(map[string]func())
	cs.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	cs := &connState{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		subs:    make(map[string]func()),
		replies: make(map[string]proto.ResultFrame),
	}
	defer func() {
		cs.closeAllSubs()
		conn.Close()
	}()

	reader := bufio.NewReaderSize(conn, maxFrameBytes)

	line, err := readLine(reader)
	if err != nil {
		return
	}
	var authFrame proto.AuthFrame
	if err := json.Unmarshal(line, &authFrame); err != nil || authFrame.Kind != proto.KindAuth {
		cs.writeFrame(proto.AuthResultFrame{Kind: proto.KindAuthFailed, Reason: "expected auth frame"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(authFrame.Token), []byte(d.authToken)) != 1 {
		cs.writeFrame(proto.AuthResultFrame{Kind: proto.KindAuthFailed, Reason: "invalid token"})
		return
	}
	if err := cs.writeFrame(proto.AuthResultFrame{Kind: proto.KindAuthOK, PID: d.serverPID, GatewayRunID: d.gatewayRunID}); err != nil {
		return
	}

	for {
		line, err := readLine(reader)
		if err != nil {
			return
		}
		var cf proto.CommandFrame
		if err := json.Unmarshal(line, &cf); err != nil || cf.Kind != proto.KindCommand {
			continue
		}
		d.dispatch(ctx, cs, cf)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cs *connState, cf proto.CommandFrame) {
	if cf.CommandID != "" {
		if res, ok := cs.cachedReply(cf.CommandID); ok {
			cs.writeFrame(res)
			return
		}
	}

	result, reason, err := d.run(ctx, cs, cf)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if d.met != nil {
		d.met.CommandsTotal.WithLabelValues(cf.Command, outcome).Inc()
	}

	var res proto.ResultFrame
	if err != nil {
		res = proto.ResultFrame{Kind: proto.KindCommandFailed, CommandID: cf.CommandID, Error: err.Error(), Reason: reason}
	} else {
		res = proto.ResultFrame{Kind: proto.KindCommandCompleted, CommandID: cf.CommandID, Result: result}
	}
	if cf.CommandID != "" {
		cs.rememberReply(cf.CommandID, res)
	}
	cs.writeFrame(res)
}

// run executes one command and returns its result payload (nil on
// failure), a machine-readable failure reason, and an error.
func (d *Dispatcher) run(ctx context.Context, cs *connState, cf proto.CommandFrame) (json.RawMessage, string, error) {
	switch cf.Command {
	case proto.CmdSessionList:
		return d.handleSessionList(cf.Payload)
	case proto.CmdSessionStatus:
		return d.handleSessionStatus(cf.Payload)
	case proto.CmdSessionClaim:
		return d.handleSessionClaim(ctx, cf.Payload)
	case proto.CmdPtyStart:
		return d.handlePtyStart(ctx, cf.Payload)
	case proto.CmdPtyWrite:
		return d.handlePtyWrite(cf.Payload)
	case proto.CmdPtyResize:
		return d.handlePtyResize(cf.Payload)
	case proto.CmdPtyClose:
		return d.handlePtyClose(cf.Payload)
	case proto.CmdStreamSubscribe:
		return d.handleStreamSubscribe(cs, cf.Payload)
	case proto.CmdStreamUnsubscribe:
		return d.handleStreamUnsubscribe(cs, cf.Payload)
	default:
		return nil, proto.ErrInvalidCommand, fmt.Errorf("dispatcher: unknown command %q", cf.Command)
	}
}

func marshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func summarize(s *registry.Session) proto.SessionSummary {
	status, model := s.Status()
	var pid *int
	if p := s.ProcessID(); p != 0 {
		pid = &p
	}
	var ctrl *proto.Controller
	if c := s.CurrentController(); c != nil {
		ctrl = &proto.Controller{
			ControllerID:    c.ControllerID,
			ControllerType:  c.ControllerType,
			ControllerLabel: c.ControllerLabel,
			ClaimedAt:       c.ClaimedAt.Format(time.RFC3339Nano),
		}
	}
	return proto.SessionSummary{
		SessionID: s.SessionID,
		Live:      s.Live(),
		Status:    status,
		StatusModel: proto.StatusModel{
			Phase:      model.Phase,
			DetailText: model.DetailText,
		},
		ProcessID:  pid,
		Controller: ctrl,
	}
}

func (d *Dispatcher) handleSessionList(payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.SessionListRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, proto.ErrInvalidCommand, err
		}
	}
	sessions := d.reg.List()
	out := make([]proto.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return marshal(proto.SessionListResponse{Sessions: out}), "", nil
}

func (d *Dispatcher) handleSessionStatus(payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.SessionStatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	s, ok := d.reg.Get(req.SessionID)
	if !ok {
		return nil, proto.ErrSessionNotFound, fmt.Errorf("dispatcher: session %q not found", req.SessionID)
	}
	resp := proto.SessionStatusResponse{
		SessionSummary: summarize(s),
		Command:        s.Command,
		CommandArgs:    s.CommandArgs,
		Cwd:            s.Cwd,
		Env:            s.Env,
		Cols:           s.Cols,
		Rows:           s.Rows,
		AgentType:      s.AgentType,
	}
	return marshal(resp), "", nil
}

func (d *Dispatcher) handleSessionClaim(ctx context.Context, payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.SessionClaimRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	s, ok := d.reg.Get(req.SessionID)
	if !ok {
		return nil, proto.ErrSessionNotFound, fmt.Errorf("dispatcher: session %q not found", req.SessionID)
	}

	action := "claimed"
	if prev := s.CurrentController(); prev != nil && prev.ControllerID == req.ControllerID {
		action = "reclaimed"
	}
	ctrl, err := d.reg.Claim(req.SessionID, registry.ControllerClaim{
		ControllerID:    req.ControllerID,
		ControllerType:  req.ControllerType,
		ControllerLabel: req.ControllerLabel,
	})
	if err != nil {
		if err == registry.ErrControllerConflict {
			return nil, proto.ErrControllerConflict, err
		}
		return nil, proto.ErrSessionNotFound, err
	}

	d.appendControlEvent(ctx, s, action, *ctrl)

	return marshal(proto.SessionClaimResponse{Controller: proto.Controller{
		ControllerID:    ctrl.ControllerID,
		ControllerType:  ctrl.ControllerType,
		ControllerLabel: ctrl.ControllerLabel,
		ClaimedAt:       ctrl.ClaimedAt.Format(time.RFC3339Nano),
	}}), "", nil
}

func (d *Dispatcher) appendControlEvent(ctx context.Context, s *registry.Session, action string, c registry.Controller) {
	env := proto.Envelope{
		SchemaVersion: proto.SchemaVersion,
		EventID:       uuid.NewString(),
		Source:        proto.SourceMeta,
		Type:          proto.EventSessionControl,
		Ts:            time.Now().Format(time.RFC3339Nano),
		Scope:         proto.Scope{TenantID: s.TenantID, UserID: s.UserID},
		Payload: proto.Payload{
			Kind: proto.PayloadKindController,
			Controller: &proto.ControllerPayload{
				Action:          action,
				ControllerID:    c.ControllerID,
				ControllerType:  c.ControllerType,
				ControllerLabel: c.ControllerLabel,
			},
		},
	}
	if err := d.writer.Append(ctx, env); err != nil {
		d.log.Warn().Err(err).Str("sessionId", s.SessionID).Msg("append session-control event failed")
		return
	}
	if d.met != nil {
		d.met.EventsAppendedTotal.Inc()
	}
}

func (d *Dispatcher) appendStatusEvent(ctx context.Context, s *registry.Session, phase string) {
	_, model := s.Status()
	env := proto.Envelope{
		SchemaVersion: proto.SchemaVersion,
		EventID:       uuid.NewString(),
		Source:        proto.SourceMeta,
		Type:          proto.EventSessionStatus,
		Ts:            time.Now().Format(time.RFC3339Nano),
		Scope:         proto.Scope{TenantID: s.TenantID, UserID: s.UserID},
		Payload: proto.Payload{
			Kind:   proto.PayloadKindStatus,
			Status: &proto.StatusPayload{Phase: phase, DetailText: model.DetailText},
		},
	}
	if err := d.writer.Append(ctx, env); err != nil {
		d.log.Warn().Err(err).Str("sessionId", s.SessionID).Msg("append session-status event failed")
		return
	}
	if d.met != nil {
		d.met.EventsAppendedTotal.Inc()
	}
}

func (d *Dispatcher) handlePtyStart(ctx context.Context, payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.PtyStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = d.defaultCols
	}
	if rows <= 0 {
		rows = d.defaultRows
	}

	// Callers may pass the whole argv in args, per the wire table's
	// {args, env, cwd, ...} shape, or split command/args explicitly.
	command, args := req.Command, req.Args
	if command == "" && len(args) > 0 {
		command, args = args[0], args[1:]
	}
	if command == "" {
		return nil, proto.ErrInvalidCommand, fmt.Errorf("dispatcher: pty.start requires a command")
	}

	s, err := d.reg.Create(registry.SessionSpec{
		SessionID:   req.SessionID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Command:     command,
		CommandArgs: args,
		Cwd:         req.Cwd,
		Env:         req.Env,
		Cols:        cols,
		Rows:        rows,
		AgentType:   req.AgentType,
	})
	if err != nil {
		return nil, proto.ErrSessionExists, err
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	host := ptyhost.Start(command, args, env, req.Cwd, uint16(cols), uint16(rows))
	b := broker.New(host, d.backlogBytes)
	d.reg.AttachRuntime(s.SessionID, host, b)
	d.appendStatusEvent(ctx, s, registry.StatusStarting)
	if d.met != nil {
		d.met.SessionsLive.Inc()
	}

	sessionID := s.SessionID
	var firstOutput sync.Once
	b.Attach(0, broker.Handlers{
		OnData: func(cursor uint64, p []byte) {
			firstOutput.Do(func() {
				d.reg.ObserveStatus(sessionID, registry.StatusModel{Phase: registry.StatusRunning}, registry.StatusRunning)
				d.appendStatusEvent(context.Background(), s, registry.StatusRunning)
			})
			d.hub.PublishOutput(sessionID, cursor, p)
		},
		OnExit: func(info ptyhost.ExitInfo) {
			detail := ""
			if info.Err != "" {
				detail = info.Err
			} else if info.Signal != nil {
				detail = "signal: " + *info.Signal
			} else if info.Code != nil {
				detail = fmt.Sprintf("exit code %d", *info.Code)
			}
			d.reg.MarkExited(sessionID, time.Now(), registry.StatusModel{Phase: registry.StatusExited, DetailText: detail})
			if d.met != nil {
				d.met.SessionsLive.Dec()
			}
			// use a fresh context: the originating command's ctx may already
			// be gone by the time the child actually exits.
			d.appendStatusEvent(context.Background(), s, registry.StatusExited)
		},
	})

	return marshal(proto.PtyStartResponse{SessionID: s.SessionID}), "", nil
}

func (d *Dispatcher) handlePtyWrite(payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.PtyWriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	s, ok := d.reg.Get(req.SessionID)
	if !ok {
		return nil, proto.ErrSessionNotFound, fmt.Errorf("dispatcher: session %q not found", req.SessionID)
	}
	if !s.Live() || s.Broker == nil {
		return nil, proto.ErrSessionNotLive, fmt.Errorf("dispatcher: session %q is not live", req.SessionID)
	}
	data, err := base64.StdEncoding.DecodeString(req.DataBase64)
	if err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	if _, err := s.Broker.Write(data); err != nil {
		return nil, proto.ErrInternal, err
	}
	return marshal(proto.OKResponse{OK: true}), "", nil
}

func (d *Dispatcher) handlePtyResize(payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.PtyResizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	s, ok := d.reg.Get(req.SessionID)
	if !ok {
		return nil, proto.ErrSessionNotFound, fmt.Errorf("dispatcher: session %q not found", req.SessionID)
	}
	if !s.Live() || s.Broker == nil {
		return nil, proto.ErrSessionNotLive, fmt.Errorf("dispatcher: session %q is not live", req.SessionID)
	}
	if err := s.Broker.Resize(uint16(req.Cols), uint16(req.Rows)); err != nil {
		return nil, proto.ErrInternal, err
	}
	return marshal(proto.OKResponse{OK: true}), "", nil
}

func (d *Dispatcher) handlePtyClose(payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.PtyCloseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	s, ok := d.reg.Get(req.SessionID)
	if !ok {
		return nil, proto.ErrSessionNotFound, fmt.Errorf("dispatcher: session %q not found", req.SessionID)
	}
	if s.Broker == nil {
		return nil, proto.ErrSessionNotLive, fmt.Errorf("dispatcher: session %q never started", req.SessionID)
	}
	if err := s.Broker.Close(); err != nil {
		return nil, proto.ErrInternal, err
	}
	return marshal(proto.OKResponse{OK: true}), "", nil
}

func (d *Dispatcher) handleStreamSubscribe(cs *connState, payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.StreamSubscribeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, proto.ErrInvalidCommand, err
		}
	}

	filter := hub.Filter{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		WorkspaceID:    req.WorkspaceID,
		DirectoryID:    req.DirectoryID,
		ConversationID: req.ConversationID,
	}

	// subID is set right after Subscribe returns, below. Frames can be
	// published (by the writer or any session's broker) as soon as the
	// subscription exists, so the deliver closure, which runs on the hub's
	// drain goroutine, waits for idReady before it reads subID.
	var subID string
	idReady := make(chan struct{})
	id, cursor := d.hub.Subscribe(filter, req.IncludeOutput, req.AfterCursor, func(f hub.Frame) {
		<-idReady
		switch f.Kind {
		case hub.FrameEvent:
			cs.writeFrame(proto.StreamEventFrame{Kind: proto.KindStreamEvent, SubscriptionID: subID, Cursor: f.Cursor, Event: f.Event})
		case hub.FrameOutput:
			cs.writeFrame(proto.PtyOutputFrame{
				Kind:           proto.KindPtyOutput,
				SubscriptionID: subID,
				SessionID:      f.SessionID,
				Cursor:         f.OutputCursor,
				ChunkBase64:    base64.StdEncoding.EncodeToString(f.Output),
			})
		case hub.FrameTerminated:
			// Terminal envelope, then nothing further for this subscription.
			cs.writeFrame(proto.ResultFrame{
				Kind:           proto.KindCommandFailed,
				SubscriptionID: subID,
				Reason:         proto.ErrSlowConsumer,
				Error:          "subscription terminated: delivery queue overflow",
			})
			cs.removeSub(subID)
		}
	})
	subID = id
	close(idReady)

	if req.SessionID != "" {
		sessionID := req.SessionID
		d.hub.SetSessionFilter(id, func(candidate string) bool { return candidate == sessionID })
	}

	if d.met != nil {
		d.met.ActiveSubscriptions.Inc()
	}
	cs.addSub(id, func() {
		d.hub.Unsubscribe(id)
		if d.met != nil {
			d.met.ActiveSubscriptions.Dec()
		}
	})

	return marshal(proto.StreamSubscribeResponse{SubscriptionID: id, Cursor: cursor}), "", nil
}

func (d *Dispatcher) handleStreamUnsubscribe(cs *connState, payload json.RawMessage) (json.RawMessage, string, error) {
	var req proto.StreamUnsubscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, proto.ErrInvalidCommand, err
	}
	fn, ok := cs.removeSub(req.SubscriptionID)
	if ok {
		fn()
	}
	return marshal(proto.StreamUnsubscribeResponse{Unsubscribed: ok}), "", nil
}
