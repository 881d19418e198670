// harnessd is the background daemon that supervises PTY-backed agent
// sessions and serves the control-plane wire protocol described in
// internal/dispatcher.
//
// Usage:
//
//	harnessd [--root <dir>]
//
// The daemon listens on the TCP address configured in <root>/workspace.yaml
// (or HARNESS_* environment overrides), writes its gateway record, and
// serves until it receives SIGINT or SIGTERM; it is normally started by
// `harness gateway start`, not run directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/jmoyers/harness/internal/config"
	"github.com/jmoyers/harness/internal/gateway"
	"github.com/jmoyers/harness/internal/logging"
)

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	defaultRoot := filepath.Join(homeDir, ".harness")
	if env := os.Getenv("HARNESS_ROOT"); env != "" {
		defaultRoot = env
	}

	root := flag.String("root", defaultRoot, "harness runtime root (env: HARNESS_ROOT)")
	session := flag.String("session", "", "named session this daemon serves (enables ephemeral-port fallback)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := logging.New("harnessd", level)

	cfg, err := config.Load(*root)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg.SessionName = *session

	g := gateway.New(*root, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	log.Info().Str("addr", cfg.Addr()).Str("root", *root).Msg("harnessd starting")
	if err := g.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway run")
	}
}
