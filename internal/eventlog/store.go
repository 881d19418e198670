// Package eventlog persists normalized events in an append-only
// sqlite-backed table keyed by a dense rowId, scoped by (tenantId,
// userId[, conversationId]), with all-or-nothing batch append and
// strictly-increasing-rowId tailing.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jmoyers/harness/internal/proto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaNewer is returned by Open when the on-disk schema version is
// newer than this binary supports. The store fails closed rather than
// guess at an unknown layout.
var ErrSchemaNewer = errors.New("eventlog: on-disk schema is newer than this binary supports")

// ErrDuplicateEvent is returned (wrapped) when a batch contains an eventId
// already present in the store; the whole batch is rolled back.
var ErrDuplicateEvent = errors.New("eventlog: duplicate eventId")

// Store is the append-only event log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, applies
// any pending migrations, and verifies the schema version is one this
// binary understands.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}

	// There is exactly one migration file today; a future on-disk version
	// ahead of the highest file this binary embeds would trip this check.
	// len(files) tracks the highest version this binary supports.
	var maxApplied int
	row := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations")
	if err := row.Scan(&maxApplied); err != nil {
		return err
	}
	if maxApplied > len(files) {
		return ErrSchemaNewer
	}
	return nil
}

// AppendEvents inserts all of envs in a single transaction. Any failure,
// including a duplicate eventId, rolls back the whole batch — ListEvents
// never observes a partial prefix of a failed batch.
func (s *Store) AppendEvents(ctx context.Context, envs []proto.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventlog: begin append tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(event_id, schema_version, source, type, ts, tenant_id, user_id, workspace_id, worktree_id, conversation_id, turn_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("eventlog: prepare append: %w", err)
	}
	defer stmt.Close()

	for i := range envs {
		e := envs[i]
		payload, err := marshalPayload(e)
		if err != nil {
			return fmt.Errorf("eventlog: marshal payload for %s: %w", e.EventID, err)
		}
		res, err := stmt.ExecContext(ctx, e.EventID, e.SchemaVersion, e.Source, e.Type, e.Ts,
			e.Scope.TenantID, e.Scope.UserID, e.Scope.WorkspaceID, e.Scope.WorktreeID, e.Scope.ConversationID, e.Scope.TurnID,
			payload)
		if err != nil {
			if isUniqueConstraint(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
			}
			return fmt.Errorf("eventlog: append %s: %w", e.EventID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			envs[i].RowID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventlog: commit append: %w", err)
	}
	return nil
}

// Query filters ListEvents results.
type Query struct {
	TenantID       string
	UserID         string
	ConversationID string // optional; empty means no filter
	AfterRowID     int64  // strictly greater-than
	Limit          int    // 0 means a server-side default cap
}

const defaultListLimit = 500

// ListEvents returns rowId-ordered events matching q. AfterRowID is
// strictly greater-than.
func (s *Store) ListEvents(ctx context.Context, q Query) ([]proto.Envelope, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT row_id, event_id, schema_version, source, type, ts,
		tenant_id, user_id, workspace_id, worktree_id, conversation_id, turn_id, payload
		FROM events WHERE tenant_id = ? AND user_id = ? AND row_id > ?`
	args := []any{q.TenantID, q.UserID, q.AfterRowID}
	if q.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, q.ConversationID)
	}
	query += " ORDER BY row_id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list events: %w", err)
	}
	defer rows.Close()

	var out []proto.Envelope
	for rows.Next() {
		var e proto.Envelope
		var payload string
		if err := rows.Scan(&e.RowID, &e.EventID, &e.SchemaVersion, &e.Source, &e.Type, &e.Ts,
			&e.Scope.TenantID, &e.Scope.UserID, &e.Scope.WorkspaceID, &e.Scope.WorktreeID, &e.Scope.ConversationID, &e.Scope.TurnID,
			&payload); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		if err := unmarshalPayload(payload, &e); err != nil {
			return nil, fmt.Errorf("eventlog: unmarshal payload for row %d: %w", e.RowID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueConstraint(err error) bool {
	// modernc.org/sqlite wraps the libsqlite3 error text; a constraint
	// violation includes "UNIQUE constraint failed".
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
