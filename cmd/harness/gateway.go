package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jmoyers/harness/internal/gateway"
	"github.com/jmoyers/harness/internal/logging"
	"github.com/jmoyers/harness/internal/proto"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "manage the harnessd daemon lifecycle",
	}
	cmd.AddCommand(
		gatewayStartCmd(),
		gatewayStopCmd(),
		gatewayStatusCmd(),
		gatewayRestartCmd(),
		gatewayRunCmd(),
		gatewayAdoptCmd(),
	)
	return cmd
}

func gatewayStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the daemon for this runtime root, if not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startGateway()
		},
	}
	return cmd
}

// startGateway spawns harnessd detached from this process's session so it
// survives the CLI exiting, then waits for it to answer session.list
// before returning; a written record alone does not count as ready.
func startGateway() error {
	root, err := effectiveRoot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create runtime root: %w", err)
	}

	rec, alive, err := gateway.Status(root)
	if err != nil {
		return err
	}
	if alive {
		fmt.Printf("already running (pid %d)\n", rec.PID)
		return nil
	}

	exe, err := daemonExePath()
	if err != nil {
		return err
	}

	logPath := filepath.Join(root, "gateway.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", logPath, err)
	}
	defer logFile.Close()

	dargs := []string{"--root", root}
	if flags.session != "" {
		dargs = append(dargs, "--session", flags.session)
	}
	dcmd := exec.Command(exe, dargs...)
	dcmd.Stdout = logFile
	dcmd.Stderr = logFile
	dcmd.Env = os.Environ()
	if flags.authToken != "" {
		dcmd.Env = append(dcmd.Env, "HARNESS_AUTH_TOKEN="+flags.authToken)
	}
	if flags.host != "" {
		dcmd.Env = append(dcmd.Env, "HARNESS_HOST="+flags.host)
	}
	dcmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := dcmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", exe, err)
	}
	if err := dcmd.Process.Release(); err != nil {
		return fmt.Errorf("detach daemon process: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, alive, err := gateway.Status(root); err == nil && alive {
			if probeReady() {
				fmt.Printf("started (pid %d, %s:%d)\n", rec.PID, rec.Host, rec.Port)
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become ready within 5s, check %s", logPath)
}

// probeReady confirms the daemon is actually serving by issuing a
// session.list call, not just that its gateway record exists.
func probeReady() bool {
	cfg, err := resolveConfig()
	if err != nil {
		return false
	}
	c, err := dial(cfg)
	if err != nil {
		return false
	}
	defer c.Close()
	var resp proto.SessionListResponse
	_, err = c.Call(proto.CmdSessionList, proto.SessionListRequest{}, &resp)
	return err == nil
}

func daemonExePath() (string, error) {
	if p, err := exec.LookPath("harnessd"); err == nil {
		return p, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate harnessd: %w", err)
	}
	candidate := filepath.Join(filepath.Dir(self), "harnessd")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", fmt.Errorf("harnessd not found in PATH or next to %s", self)
}

func gatewayStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop the daemon for this runtime root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopGateway()
		},
	}
	registerGatewayFlags(cmd)
	return cmd
}

func stopGateway() error {
	root, err := effectiveRoot()
	if err != nil {
		return err
	}
	timeout := time.Duration(flags.timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_, alive, err := gateway.Status(root)
	if err != nil {
		return err
	}
	if !alive {
		fmt.Println("not running")
		return nil
	}
	if err := gateway.Stop(root, timeout, flags.force); err != nil {
		return err
	}
	fmt.Println("stopped")
	return nil
}

func gatewayStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report whether a daemon is running for this runtime root",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := effectiveRoot()
			if err != nil {
				return err
			}
			rec, alive, err := gateway.Status(root)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				out := struct {
					Alive  bool           `json:"alive"`
					Record gateway.Record `json:"record"`
				}{alive, rec}
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(out)
			}
			if !alive {
				fmt.Println("not running")
				return nil
			}
			fmt.Printf("running (pid %d, %s:%d, started %s)\n", rec.PID, rec.Host, rec.Port, rec.StartedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func gatewayRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "stop then start the daemon for this runtime root",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopGateway(); err != nil {
				return err
			}
			return startGateway()
		},
	}
	registerGatewayFlags(cmd)
	return cmd
}

// gatewayRunCmd runs the daemon in the foreground of this process, for
// supervised process managers (systemd, runit) that handle daemonization
// themselves.
func gatewayRunCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the daemon in the foreground (no detach)",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := effectiveRoot()
			if err != nil {
				return err
			}
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := logging.New("harnessd", level)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			// Take over main's exit-on-signal handler for the daemon's
			// lifetime so TERM/INT shut down gracefully instead.
			signal.Stop(interruptCh)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return gateway.New(root, cfg, log).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	return cmd
}

func gatewayAdoptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adopt",
		Short: "write a gateway record for an already-running daemon this root lost track of",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := effectiveRoot()
			if err != nil {
				return err
			}
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			rec, err := gateway.Adopt(root, cfg, flags.force)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return json.NewEncoder(os.Stdout).Encode(rec)
			}
			fmt.Printf("adopted (pid %d, %s:%d)\n", rec.PID, rec.Host, rec.Port)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "adopt the configured endpoint even when candidates are ambiguous")
	return cmd
}

func registerGatewayFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flags.force, "force", false, "force-kill if graceful stop times out or the endpoint is unreachable")
	cmd.Flags().IntVar(&flags.timeoutMs, "timeout-ms", 5000, "graceful-stop wait before giving up")
}
