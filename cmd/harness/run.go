package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmoyers/harness/internal/client"
	"github.com/jmoyers/harness/internal/gateway"
	"github.com/jmoyers/harness/internal/proto"
)

// runCmd starts a new PTY session and attaches this terminal to it raw,
// forwarding stdin, resize, and a Ctrl-] detach escape over the
// auth/command/stream wire protocol.
func runCmd() *cobra.Command {
	var cols, rows int
	var agentType, tenantID, userID string
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "start a new PTY-backed session and attach to it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			root, err := effectiveRoot()
			if err != nil {
				return err
			}
			if _, alive, err := gateway.Status(root); err == nil && !alive {
				if err := startGateway(); err != nil {
					return fmt.Errorf("autostart daemon: %w", err)
				}
			}

			c, err := dial(cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			if cols == 0 || rows == 0 {
				if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
					cols, rows = w, h
				} else {
					cols, rows = 80, 24
				}
			}
			if tenantID == "" {
				tenantID = "local"
			}
			if userID == "" {
				userID = "local"
			}

			sessionID := uuid.NewString()
			startReq := proto.PtyStartRequest{
				SessionID: sessionID,
				TenantID:  tenantID,
				UserID:    userID,
				Command:   args[0],
				Args:      args[1:],
				Cols:      cols,
				Rows:      rows,
				AgentType: agentType,
			}
			var startResp proto.PtyStartResponse
			if _, err := c.Call(proto.CmdPtyStart, startReq, &startResp); err != nil {
				return fmt.Errorf("pty.start: %w", err)
			}

			subReq := proto.StreamSubscribeRequest{SessionID: sessionID, IncludeOutput: true}
			var subResp proto.StreamSubscribeResponse
			if _, err := c.Call(proto.CmdStreamSubscribe, subReq, &subResp); err != nil {
				return fmt.Errorf("stream.subscribe: %w", err)
			}

			return attachLoop(c, sessionID)
		},
	}
	cmd.Flags().IntVar(&cols, "cols", 0, "PTY column count (default: current terminal width)")
	cmd.Flags().IntVar(&rows, "rows", 0, "PTY row count (default: current terminal height)")
	cmd.Flags().StringVar(&agentType, "agent-type", "terminal", "agent type: codex|claude|cursor|terminal|critique")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id scope for this session's events")
	cmd.Flags().StringVar(&userID, "user", "", "user id scope for this session's events")
	return cmd
}

// attachLoop puts stdin into raw mode, forwards keystrokes as pty.write
// commands and SIGWINCH as pty.resize commands, and renders pushed
// pty.output chunks to stdout until the session exits or the user detaches
// with Ctrl-] (0x1D).
func attachLoop(c *client.Client, sessionID string) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[harness] attached to %s  (detach: Ctrl-])\r\n", sessionID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	c.OnPush(func(kind string, raw json.RawMessage) {
		switch kind {
		case proto.KindPtyOutput:
			var frame proto.PtyOutputFrame
			if json.Unmarshal(raw, &frame) != nil || frame.SessionID != sessionID {
				return
			}
			data, err := base64.StdEncoding.DecodeString(frame.ChunkBase64)
			if err != nil {
				return
			}
			os.Stdout.Write(data)
		case proto.KindStreamEvent:
			var frame proto.StreamEventFrame
			if json.Unmarshal(raw, &frame) != nil {
				return
			}
			if frame.Event.Type == proto.EventSessionStatus && frame.Event.Payload.Status != nil &&
				frame.Event.Payload.Status.Phase == "exited" {
				signalDone()
			}
		}
	})

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						signalDone()
						return
					}
				}
				data := base64.StdEncoding.EncodeToString(buf[:n])
				c.Call(proto.CmdPtyWrite, proto.PtyWriteRequest{SessionID: sessionID, DataBase64: data}, nil)
			}
			if err != nil {
				if err != io.EOF {
					signalDone()
				}
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if cols, rows, err := term.GetSize(fd); err == nil {
				c.Call(proto.CmdPtyResize, proto.PtyResizeRequest{SessionID: sessionID, Cols: cols, Rows: rows}, nil)
			}
		}
	}()

	<-done
	term.Restore(fd, oldState)
	fmt.Fprintf(os.Stdout, "\n[harness] detached from %s\n", sessionID)
	return nil
}
