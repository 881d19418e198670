// Package gateway owns the daemon's on-disk lifecycle: the lockfile that
// proves a daemon owns a runtime root, the atomic gateway record clients
// read to find it, adoption of already-running daemons, and the sweeps
// for orphan daemon processes and stale named-session trees.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmoyers/harness/internal/client"
	"github.com/jmoyers/harness/internal/config"
	"github.com/jmoyers/harness/internal/dispatcher"
	"github.com/jmoyers/harness/internal/eventlog"
	"github.com/jmoyers/harness/internal/hub"
	"github.com/jmoyers/harness/internal/metrics"
	"github.com/jmoyers/harness/internal/procscan"
	"github.com/jmoyers/harness/internal/proto"
	"github.com/jmoyers/harness/internal/registry"
)

// ErrAlreadyRunning is returned by Run when a live daemon already owns the
// runtime root's lockfile.
var ErrAlreadyRunning = errors.New("gateway: a daemon is already running for this runtime root")

// ErrInvalidPath is returned when a runtime artifact path escapes the
// runtime root.
var ErrInvalidPath = errors.New("gateway: path is not under the runtime root")

// ErrUnreachable is returned by Stop when the record's pid is alive but
// its endpoint does not answer; the caller must pass force to proceed.
var ErrUnreachable = errors.New("gateway: daemon pid is alive but its endpoint is unreachable (use force)")

// ErrAmbiguousAdopt is returned by Adopt when more than one reachable
// daemon is a candidate; the caller must pass force to pick the configured
// endpoint.
var ErrAmbiguousAdopt = errors.New("gateway: multiple reachable daemons match (use force)")

const (
	lockFileName   = "gateway.lock"
	recordFileName = "gateway.json"
	sessionsDir    = "sessions"
	daemonExeName  = "harnessd"

	lockVersion   = 1
	recordVersion = 1
)

// lockOwner proves who holds a lock: pid live AND the pid's kernel start
// time matching is what makes the pid trustworthy across pid reuse.
// StartedAt is zero on platforms where procscan cannot read it, degrading
// to a pid-only check.
type lockOwner struct {
	PID       int    `json:"pid"`
	StartedAt uint64 `json:"startedAt"`
}

type lockRecord struct {
	Version       int       `json:"version"`
	Owner         lockOwner `json:"owner"`
	AcquiredAt    time.Time `json:"acquiredAt"`
	WorkspaceRoot string    `json:"workspaceRoot"`
	Token         string    `json:"token"`
}

// Record is the public gateway record clients read to find a running
// daemon.
type Record struct {
	Version       int       `json:"version"`
	PID           int       `json:"pid"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	AuthToken     string    `json:"authToken,omitempty"`
	StateDBPath   string    `json:"stateDbPath"`
	StartedAt     time.Time `json:"startedAt"`
	WorkspaceRoot string    `json:"workspaceRoot"`
	GatewayRunID  string    `json:"gatewayRunId"`
	MetricsHost   string    `json:"metricsHost,omitempty"`
	MetricsPort   int       `json:"metricsPort,omitempty"`
}

// Addr returns the record's dispatcher endpoint.
func (r Record) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// Gateway supervises one daemon process's lifecycle against one runtime
// root.
type Gateway struct {
	root string
	cfg  config.Config
	log  zerolog.Logger

	lock lockRecord
}

// New creates a Gateway for the given runtime root and resolved config.
func New(root string, cfg config.Config, log zerolog.Logger) *Gateway {
	return &Gateway{root: root, cfg: cfg, log: log}
}

// normalize validates that path, resolved against the runtime root, does
// not escape it (e.g. via ".." segments or an absolute override). Every
// runtime artifact must live under the root.
func normalize(root, path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, path)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return fullAbs, nil
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func selfStartTime() uint64 {
	t, err := procscan.StartTime(os.Getpid())
	if err != nil {
		return 0
	}
	return t
}

// acquireLock claims the runtime root's lockfile. Re-acquiring a lock this
// process already owns is a no-op; a stale lock (owner pid dead, or alive
// with a different start time) is reclaimed; a live owner fails with
// ErrAlreadyRunning.
func (g *Gateway) acquireLock() error {
	path := filepath.Join(g.root, lockFileName)

	if data, err := os.ReadFile(path); err == nil {
		var existing lockRecord
		if json.Unmarshal(data, &existing) == nil && existing.Owner.PID > 0 {
			if existing.Owner.PID == os.Getpid() {
				g.lock = existing
				return nil
			}
			if procscan.SameProcess(existing.Owner.PID, existing.Owner.StartedAt) {
				return ErrAlreadyRunning
			}
		}
	}

	g.lock = lockRecord{
		Version:       lockVersion,
		Owner:         lockOwner{PID: os.Getpid(), StartedAt: selfStartTime()},
		AcquiredAt:    time.Now(),
		WorkspaceRoot: g.root,
		Token:         uuid.NewString(),
	}
	return atomicWriteJSON(path, g.lock)
}

// releaseLock removes the lockfile, but only if it still names this
// process's own acquisition, so a Run that lost a race to a newer
// acquisition never deletes someone else's valid lock.
func (g *Gateway) releaseLock() {
	path := filepath.Join(g.root, lockFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var current lockRecord
	if json.Unmarshal(data, &current) != nil {
		return
	}
	if current.Owner.PID == g.lock.Owner.PID && current.Token == g.lock.Token {
		os.Remove(path)
	}
}

// listen binds the dispatcher's TCP address. A named session whose
// configured port is taken falls back to an ephemeral port; the real port
// lands in the gateway record either way.
func (g *Gateway) listen() (net.Listener, int, error) {
	ln, err := net.Listen("tcp", g.cfg.Addr())
	if err == nil {
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if g.cfg.SessionName == "" || !errors.Is(err, syscall.EADDRINUSE) {
		return nil, 0, fmt.Errorf("gateway: listen on %s: %w", g.cfg.Addr(), err)
	}
	ln, err = net.Listen("tcp", net.JoinHostPort(g.cfg.Host, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: listen on ephemeral port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	g.log.Info().Int("port", port).Msg("configured port busy, named session fell back to ephemeral port")
	return ln, port, nil
}

// Run acquires the lockfile, starts the dispatcher and metrics servers,
// writes the gateway record, and blocks until ctx is cancelled. It returns
// ErrAlreadyRunning immediately if another live daemon already owns root.
func (g *Gateway) Run(ctx context.Context) error {
	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return fmt.Errorf("gateway: create runtime root: %w", err)
	}

	dbPath, err := normalize(g.root, g.cfg.StateDBPath)
	if err != nil {
		return err
	}

	if err := g.acquireLock(); err != nil {
		return err
	}
	defer g.releaseLock()

	store, err := eventlog.Open(dbPath)
	if err != nil {
		return fmt.Errorf("gateway: open event store: %w", err)
	}
	defer store.Close()

	met := metrics.New()

	h := hub.New(func(string) { met.SlowConsumerTotal.Inc() })
	writer := eventlog.NewWriter(store, func(e proto.Envelope) { h.PublishEvent(e) })
	defer writer.Close()

	reg := registry.New(nil)

	runID := uuid.NewString()
	disp := dispatcher.New(reg, h, writer, g.cfg.AuthToken, g.cfg.BacklogBytes, g.log, met)
	disp.SetServerInfo(os.Getpid(), runID)

	ln, port, err := g.listen()
	if err != nil {
		return err
	}

	record := Record{
		Version:       recordVersion,
		PID:           os.Getpid(),
		Host:          g.cfg.Host,
		Port:          port,
		AuthToken:     g.cfg.AuthToken,
		StateDBPath:   dbPath,
		StartedAt:     time.Now(),
		WorkspaceRoot: g.root,
		GatewayRunID:  runID,
		MetricsHost:   g.cfg.MetricsHost,
		MetricsPort:   g.cfg.MetricsPort,
	}
	if err := atomicWriteJSON(filepath.Join(g.root, recordFileName), record); err != nil {
		ln.Close()
		return fmt.Errorf("gateway: write gateway record: %w", err)
	}
	defer os.Remove(filepath.Join(g.root, recordFileName))

	errCh := make(chan error, 2)
	go func() { errCh <- disp.Serve(ctx, ln) }()
	go func() { errCh <- met.Serve(ctx, g.cfg.MetricsAddr()) }()
	go g.runGCLoop(ctx, reg, met)

	select {
	case <-ctx.Done():
		g.shutdownSessions(reg, writer)
		return nil
	case err := <-errCh:
		return err
	}
}

// shutdownSessions broadcasts session-status(exited, shutting-down) for
// every live session and closes its broker (which kills its PTY child).
// Slow subscribers are dropped by the hub, never awaited, so this always
// completes within the writer's flush budget.
func (g *Gateway) shutdownSessions(reg *registry.Registry, writer *eventlog.Writer) {
	for _, s := range reg.List() {
		if !s.Live() {
			continue
		}
		reg.MarkExited(s.SessionID, time.Now(), registry.StatusModel{
			Phase:      registry.StatusExited,
			DetailText: "shutting-down",
		})
		env := proto.Envelope{
			SchemaVersion: proto.SchemaVersion,
			EventID:       uuid.NewString(),
			Source:        proto.SourceMeta,
			Type:          proto.EventSessionStatus,
			Ts:            time.Now().Format(time.RFC3339Nano),
			Scope:         proto.Scope{TenantID: s.TenantID, UserID: s.UserID},
			Payload: proto.Payload{
				Kind:   proto.PayloadKindStatus,
				Status: &proto.StatusPayload{Phase: registry.StatusExited, DetailText: "shutting-down"},
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := writer.Append(ctx, env); err != nil {
			g.log.Warn().Err(err).Str("sessionId", s.SessionID).Msg("append shutdown status event failed")
		}
		cancel()
		if s.Broker != nil {
			s.Broker.Close()
		}
	}
}

func (g *Gateway) runGCLoop(ctx context.Context, reg *registry.Registry, met *metrics.Metrics) {
	ticker := time.NewTicker(g.cfg.GCTickDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := reg.GC(time.Now(), g.cfg.GraceDuration())
			if len(swept) > 0 {
				g.log.Debug().Strs("sessionIds", swept).Msg("gc swept exited sessions")
			}
			var backlog int
			for _, s := range reg.List() {
				if s.Broker != nil && s.Live() {
					backlog += s.Broker.BacklogBytes()
				}
			}
			met.BrokerBacklogBytes.Set(float64(backlog))
		}
	}
}

// Status reads the gateway record for root and reports whether its pid is
// still alive.
func Status(root string) (Record, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, recordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, err
	}
	alive, err := procscan.Alive(rec.PID)
	if err != nil {
		return rec, false, err
	}
	return rec, alive, nil
}

// probe dials addr and performs the auth handshake, returning the daemon's
// self-reported pid and run id. Reachability is proven by a served
// session.list reply, the same readiness check `harness gateway start`
// applies.
func probe(addr, token string, timeout time.Duration) (pid int, runID string, err error) {
	c, err := client.DialTimeout(addr, token, timeout)
	if err != nil {
		return 0, "", err
	}
	defer c.Close()
	var resp proto.SessionListResponse
	if _, err := c.Call(proto.CmdSessionList, proto.SessionListRequest{}, &resp); err != nil {
		return 0, "", err
	}
	pid, runID = c.ServerInfo()
	return pid, runID, nil
}

// Stop signals the daemon owning root's record to shut down and waits up
// to timeout for its lockfile to disappear. A pid that is alive but whose
// endpoint does not answer is refused without force; with force, a daemon
// that outlives the TERM grace is KILLed and waited for again.
func Stop(root string, timeout time.Duration, force bool) error {
	rec, alive, err := Status(root)
	if err != nil {
		return err
	}
	if !alive {
		os.Remove(filepath.Join(root, recordFileName))
		return nil
	}

	if _, _, err := probe(rec.Addr(), rec.AuthToken, timeout); err != nil && !force {
		return fmt.Errorf("%w: pid %d at %s", ErrUnreachable, rec.PID, rec.Addr())
	}

	if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("gateway: signal pid %d: %w", rec.PID, err)
	}
	if waitForLockGone(root, timeout) {
		os.Remove(filepath.Join(root, recordFileName))
		return nil
	}
	if !force {
		return fmt.Errorf("gateway: pid %d did not exit within %s", rec.PID, timeout)
	}

	syscall.Kill(rec.PID, syscall.SIGKILL)
	if waitForLockGone(root, timeout) {
		os.Remove(filepath.Join(root, recordFileName))
		return nil
	}
	// SIGKILL cannot be ignored; the lockfile lingering just means the
	// process had no chance to clean up. Reclaim the artifacts ourselves.
	if alive, _ := procscan.Alive(rec.PID); !alive {
		os.Remove(filepath.Join(root, lockFileName))
		os.Remove(filepath.Join(root, recordFileName))
		return nil
	}
	return fmt.Errorf("gateway: pid %d survived SIGKILL", rec.PID)
}

func waitForLockGone(root string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	lockPath := filepath.Join(root, lockFileName)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(lockPath); os.IsNotExist(err) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// Adopt finds a daemon already serving cfg's endpoint and writes a fresh
// gateway record for it, for workspaces whose record was lost (crash,
// manual delete). If the stale record points at a different reachable
// endpoint than cfg, the choice is ambiguous and Adopt refuses without
// force; with force the configured endpoint wins.
func Adopt(root string, cfg config.Config, force bool) (Record, error) {
	rec, alive, err := Status(root)
	if err == nil && alive {
		return rec, nil
	}

	const probeTimeout = 2 * time.Second
	pid, runID, cfgErr := probe(cfg.Addr(), cfg.AuthToken, probeTimeout)
	if cfgErr != nil {
		return Record{}, fmt.Errorf("gateway: no adoptable daemon at %s: %w", cfg.Addr(), cfgErr)
	}

	if rec.Port != 0 && rec.Addr() != cfg.Addr() && !force {
		if _, _, err := probe(rec.Addr(), rec.AuthToken, probeTimeout); err == nil {
			return Record{}, fmt.Errorf("%w: %s and %s", ErrAmbiguousAdopt, cfg.Addr(), rec.Addr())
		}
	}

	dbPath, err := normalize(root, cfg.StateDBPath)
	if err != nil {
		return Record{}, err
	}
	adopted := Record{
		Version:       recordVersion,
		PID:           pid,
		Host:          cfg.Host,
		Port:          cfg.Port,
		AuthToken:     cfg.AuthToken,
		StateDBPath:   dbPath,
		StartedAt:     time.Now(),
		WorkspaceRoot: root,
		GatewayRunID:  runID,
		MetricsHost:   cfg.MetricsHost,
		MetricsPort:   cfg.MetricsPort,
	}
	if err := atomicWriteJSON(filepath.Join(root, recordFileName), adopted); err != nil {
		return Record{}, fmt.Errorf("gateway: write adopted record: %w", err)
	}
	return adopted, nil
}

// GCNamedSessions sweeps stale named-session trees under
// <workspaceRoot>/sessions. A tree is swept only when it is not the
// current session, no live daemon owns its lockfile, and no artifact in it
// has been touched within olderThan. Returns the swept session names.
func GCNamedSessions(workspaceRoot, currentSession string, olderThan time.Duration) ([]string, error) {
	dir := filepath.Join(workspaceRoot, sessionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	var swept []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == currentSession {
			continue
		}
		tree := filepath.Join(dir, e.Name())

		if data, err := os.ReadFile(filepath.Join(tree, lockFileName)); err == nil {
			var lr lockRecord
			if json.Unmarshal(data, &lr) == nil && lr.Owner.PID > 0 &&
				procscan.SameProcess(lr.Owner.PID, lr.Owner.StartedAt) {
				continue
			}
		}

		recent := false
		filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
			if err != nil || recent {
				return fs.SkipAll
			}
			if info, err := d.Info(); err == nil && info.ModTime().After(cutoff) {
				recent = true
				return fs.SkipAll
			}
			return nil
		})
		if recent {
			continue
		}

		if err := os.RemoveAll(tree); err != nil {
			return swept, fmt.Errorf("gateway: sweep %s: %w", tree, err)
		}
		swept = append(swept, e.Name())
	}
	return swept, nil
}

// SessionRoot resolves a named session's runtime tree under workspaceRoot,
// rejecting names that escape it.
func SessionRoot(workspaceRoot, name string) (string, error) {
	return normalize(workspaceRoot, filepath.Join(sessionsDir, name))
}

// CleanupOrphans kills any harnessd processes that have been reparented to
// init or whose parent is no longer in the process table, a sign their
// owning shell exited without reaping them.
func CleanupOrphans() (killed []int, err error) {
	procs, err := procscan.List()
	if err != nil {
		return nil, err
	}
	for _, p := range procscan.FindOrphans(procs, daemonExeName) {
		if err := syscall.Kill(p.PID, syscall.SIGKILL); err == nil {
			killed = append(killed, p.PID)
		}
	}
	return killed, nil
}
