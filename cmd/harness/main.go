// harness is the CLI client for the harnessd daemon: it starts/stops the
// gateway, runs and attaches to PTY-backed sessions, issues raw RPC calls,
// and lists live sessions.
//
// Usage:
//
//	harness gateway start|stop|status|restart|run|adopt
//	harness run -- <command> [args...]
//	harness call <command> [json-payload]
//	harness gc
//	harness list
//
// harness run starts the daemon automatically when none is running; the
// other commands expect it to be running already. Detach from an attached
// session with Ctrl-] (0x1D).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmoyers/harness/internal/client"
	"github.com/jmoyers/harness/internal/config"
	"github.com/jmoyers/harness/internal/gateway"
)

// cliFlags holds the persistent flags shared by every subcommand.
type cliFlags struct {
	root      string
	session   string
	host      string
	port      int
	authToken string
	stateDB   string
	jsonOut   bool
	timeoutMs int
	force     bool
}

var flags cliFlags

// interruptCh receives SIGINT/SIGTERM; main turns the first one into a
// 128+signal exit code unless a subcommand has claimed the channel.
var interruptCh chan os.Signal

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harness: cannot determine home directory: %v\n", err)
		os.Exit(2)
	}
	defaultRoot := filepath.Join(homeDir, ".harness")
	if env := os.Getenv("HARNESS_ROOT"); env != "" {
		defaultRoot = env
	}

	// Exit 130/143 when the user interrupts a long-running command, per
	// the conventional 128+signal encoding. `gateway run` takes this
	// channel over for its own graceful shutdown.
	interruptCh = make(chan os.Signal, 1)
	signal.Notify(interruptCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-interruptCh
		if s, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(s))
		}
		os.Exit(1)
	}()

	root := &cobra.Command{
		Use:   "harness",
		Short: "harness — control-plane CLI for supervised agent sessions",
	}
	root.PersistentFlags().StringVar(&flags.root, "root", defaultRoot, "harness workspace root (env: HARNESS_ROOT)")
	root.PersistentFlags().StringVar(&flags.session, "session", "", "named session; runtime artifacts live under <root>/sessions/<name>")
	root.PersistentFlags().StringVar(&flags.host, "host", "", "override configured listen host")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "override configured listen port")
	root.PersistentFlags().StringVar(&flags.authToken, "auth-token", "", "override configured auth token (env: HARNESS_AUTH_TOKEN)")
	root.PersistentFlags().StringVar(&flags.stateDB, "state-db-path", "", "override configured event-log path")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "print machine-readable JSON instead of tables")

	root.AddCommand(
		gatewayCmd(),
		runCmd(),
		callCmd(),
		gcCmd(),
		listCmd(),
	)

	if err := root.Execute(); err != nil {
		code := 1
		if _, ok := err.(argError); ok {
			code = 2
		}
		fmt.Fprintf(os.Stderr, "harness: %v\n", err)
		os.Exit(code)
	}
}

// argError marks a RunE failure as a usage error: exit code 2, vs. exit
// code 1 for operational failures.
type argError struct{ error }

func usageError(format string, a ...any) error {
	return argError{fmt.Errorf(format, a...)}
}

// effectiveRoot resolves where this invocation's runtime artifacts live:
// the workspace root itself, or the named session's tree under it.
func effectiveRoot() (string, error) {
	if flags.session == "" {
		return flags.root, nil
	}
	root, err := gateway.SessionRoot(flags.root, flags.session)
	if err != nil {
		return "", usageError("invalid session name %q: %v", flags.session, err)
	}
	return root, nil
}

// resolveConfig loads the runtime root's config and applies any CLI flag
// overrides on top, the same "file, then env, then flags" layering
// internal/config.Load documents.
func resolveConfig() (config.Config, error) {
	root, err := effectiveRoot()
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return cfg, err
	}
	cfg.SessionName = flags.session
	if flags.host != "" {
		cfg.Host = flags.host
	}
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.authToken != "" {
		cfg.AuthToken = flags.authToken
	}
	if flags.stateDB != "" {
		cfg.StateDBPath = flags.stateDB
	}
	return cfg, nil
}

// dial connects to the daemon described by cfg, preferring the gateway
// record's endpoint (a named session may have fallen back to an ephemeral
// port) over the configured one.
func dial(cfg config.Config) (*client.Client, error) {
	root, err := effectiveRoot()
	if err != nil {
		return nil, err
	}
	addr := cfg.Addr()
	if rec, alive, err := gateway.Status(root); err == nil && alive {
		addr = rec.Addr()
	}
	return client.Dial(addr, cfg.AuthToken)
}
