// Package registry holds the daemon's in-memory table of live session
// metadata, arbitrates controller claims, and sweeps exited sessions
// after a grace period.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoyers/harness/internal/broker"
	"github.com/jmoyers/harness/internal/ptyhost"
)

// ErrControllerConflict is returned by Claim when the session is already
// claimed by a different controller.
var ErrControllerConflict = errors.New("registry: controller conflict")

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("registry: session not found")

// ErrAlreadyExists is returned by Create when sessionId collides.
var ErrAlreadyExists = errors.New("registry: session already exists")

// Status values for the per-session state machine.
const (
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusAttention = "attention"
	StatusExited    = "exited"
)

// ControllerType values.
const (
	ControllerHuman = "human"
	ControllerAgent = "agent"
)

type Controller struct {
	ControllerID    string
	ControllerType  string
	ControllerLabel string
	ClaimedAt       time.Time
}

type StatusModel struct {
	Phase      string
	DetailText string
}

// SessionSpec describes a session to create, mirroring pty.start's inputs.
type SessionSpec struct {
	SessionID   string // optional; generated if empty
	TenantID    string
	UserID      string
	Command     string
	CommandArgs []string
	Cwd         string
	Env         map[string]string
	Cols        int
	Rows        int
	AgentType   string
}

// Session is one registry entry. Broker/Host are nil until pty.start has
// run; status tracks starting → running/attention → exited.
type Session struct {
	mu sync.Mutex

	SessionID   string
	TenantID    string
	UserID      string
	Command     string
	CommandArgs []string
	Cwd         string
	Env         map[string]string
	Cols        int
	Rows        int
	AgentType   string

	controller  *Controller
	status      string
	statusModel StatusModel
	exitedAt    time.Time

	Host   *ptyhost.Host
	Broker *broker.Broker
}

// snapshot is a concurrency-safe copy of the fields callers read.
type snapshot struct {
	Controller *Controller
	Status     string
	Model      StatusModel
	ExitedAt   time.Time
}

func (s *Session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c *Controller
	if s.controller != nil {
		cc := *s.controller
		c = &cc
	}
	return snapshot{Controller: c, Status: s.status, Model: s.statusModel, ExitedAt: s.exitedAt}
}

// Live reports whether the broker has not yet delivered exit.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != StatusExited
}

// Status returns the current phase and detail text.
func (s *Session) Status() (string, StatusModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.statusModel
}

// CurrentController returns the current controller, or nil.
func (s *Session) CurrentController() *Controller {
	snap := s.snapshot()
	return snap.Controller
}

// ProcessID returns the live pid, or 0 if no PTY has been started or it has
// exited.
func (s *Session) ProcessID() int {
	s.mu.Lock()
	b := s.Broker
	st := s.status
	s.mu.Unlock()
	if b == nil || st == StatusExited {
		return 0
	}
	return b.ProcessID()
}

// Registry owns the session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	onControlEvent func(sessionID string, action string, c Controller)
}

// New creates an empty Registry. onControlEvent, if non-nil, is invoked
// synchronously by Claim or Release whenever a claim/release/reclaim
// succeeds, so the caller can append the corresponding session-control
// event to the event log.
func New(onControlEvent func(sessionID, action string, c Controller)) *Registry {
	return &Registry{
		sessions:       make(map[string]*Session),
		onControlEvent: onControlEvent,
	}
}

// Create registers a new session in the "starting" state. If spec.SessionID
// is empty a uuid is generated.
func (r *Registry) Create(spec SessionSpec) (*Session, error) {
	id := spec.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrAlreadyExists
	}

	s := &Session{
		SessionID:   id,
		TenantID:    spec.TenantID,
		UserID:      spec.UserID,
		Command:     spec.Command,
		CommandArgs: spec.CommandArgs,
		Cwd:         spec.Cwd,
		Env:         spec.Env,
		Cols:        spec.Cols,
		Rows:        spec.Rows,
		AgentType:   spec.AgentType,
		status:      StatusStarting,
	}
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ControllerClaim is the input to Claim.
type ControllerClaim struct {
	ControllerID    string
	ControllerType  string
	ControllerLabel string
}

// Claim succeeds iff no controller exists, or the existing controller's
// id matches the requester's id (a re-claim / reclaim). Anything else is
// a conflict.
func (r *Registry) Claim(sessionID string, claim ControllerClaim) (*Controller, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	prev := s.controller
	action := "claimed"
	if prev != nil {
		if prev.ControllerID != claim.ControllerID {
			s.mu.Unlock()
			return nil, ErrControllerConflict
		}
		action = "reclaimed"
	}
	next := &Controller{
		ControllerID:    claim.ControllerID,
		ControllerType:  claim.ControllerType,
		ControllerLabel: claim.ControllerLabel,
		ClaimedAt:       time.Now(),
	}
	s.controller = next
	result := *next
	s.mu.Unlock()

	if r.onControlEvent != nil {
		r.onControlEvent(sessionID, action, result)
	}
	return &result, nil
}

// Release clears the current controller (if any) and fires a "released"
// session-control event.
func (r *Registry) Release(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	prev := s.controller
	s.controller = nil
	s.mu.Unlock()

	if prev != nil && r.onControlEvent != nil {
		r.onControlEvent(sessionID, "released", *prev)
	}
	return nil
}

// AttachRuntime wires a started PTY host/broker into an existing session.
// The session stays in "starting" until its first output chunk arrives;
// the dispatcher drives that transition, per the C6 state machine.
func (r *Registry) AttachRuntime(sessionID string, host *ptyhost.Host, b *broker.Broker) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.Host = host
	s.Broker = b
	s.mu.Unlock()
	return nil
}

// ObserveStatus updates a session's phase/detail (e.g. running and
// attention flips). It never transitions out of "exited".
func (r *Registry) ObserveStatus(sessionID string, model StatusModel, phase string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusExited {
		return nil
	}
	s.status = phase
	s.statusModel = model
	return nil
}

// MarkExited transitions a session to exited, recording when it happened so
// GC can later sweep it after the configured grace period, and stamps the
// final status model (e.g. the exit code/signal) in the same update so
// callers never observe "exited" with a stale detail string.
func (r *Registry) MarkExited(sessionID string, now time.Time, model StatusModel) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.status = StatusExited
	s.statusModel = model
	s.exitedAt = now
	s.mu.Unlock()
	return nil
}

// GC removes sessions that exited more than olderThan ago, returning
// their ids. Exited entries are kept for a grace period so session.status
// can still answer for recently finished sessions.
func (r *Registry) GC(now time.Time, olderThan time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []string
	for id, s := range r.sessions {
		s.mu.Lock()
		exited := s.status == StatusExited && !s.exitedAt.IsZero() && now.Sub(s.exitedAt) > olderThan
		s.mu.Unlock()
		if exited {
			delete(r.sessions, id)
			swept = append(swept, id)
		}
	}
	return swept
}
