package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corralhq/corral/internal/agent"
	"github.com/corralhq/corral/internal/history"
)

// maxUpdateRetries bounds the reload-and-retry loop in Update. Each retry
// means another process committed a write to the same record between our read
// and our write; with single-record transactions this resolves quickly.
const maxUpdateRetries = 5

const schema = `CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	task           TEXT NOT NULL,
	handle_target  TEXT NOT NULL,
	handle_pane_id TEXT NOT NULL DEFAULT '',
	project_dir    TEXT NOT NULL,
	workspace_path TEXT NOT NULL,
	origin_dir     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	spawned_at     INTEGER NOT NULL,
	completed_at   INTEGER NOT NULL DEFAULT 0,
	completion     TEXT,
	tracker_ref    TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);`

// Registry is the authoritative, persisted table of agent records. One SQLite
// file per host is shared by every corral process (dispatcher loop, CLI
// invocations, detached cleanup daemons); SQLite's file locking provides the
// exclusive write lock for each load-mutate-save cycle, and updated_at guards
// against overwriting a concurrent writer at record granularity.
//
// The registry is passive: it runs no goroutines and reconciliation is pulled
// by callers that can observe the live process host.
type Registry struct {
	db    *sql.DB
	path  string
	sinks []history.Sink
	now   func() time.Time
}

// Open opens (creating if needed) the registry at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create registry dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	// Single connection keeps transaction semantics simple; cross-process
	// concurrency is what the file locking is for.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("registry pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	return &Registry{db: db, path: path, now: time.Now}, nil
}

// Path returns the location this registry was opened at. The completion
// engine passes it to detached cleanup daemons.
func (r *Registry) Path() string { return r.path }

// SetSinks configures history sinks notified on lifecycle transitions.
// Passing none clears the list. Sink failures are never surfaced.
func (r *Registry) SetSinks(sinks ...history.Sink) {
	r.sinks = append([]history.Sink(nil), sinks...)
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) notify(typ history.EventType, a *agent.Agent) {
	if len(r.sinks) == 0 {
		return
	}
	evt := history.Event{Type: typ, OccurredAt: r.now().UTC(), Agent: *a}
	for _, s := range r.sinks {
		_ = s.Send(context.Background(), evt)
	}
}

// Register inserts a new record with status=active. Fails with
// agent.ErrDuplicateID when the id is already present. Missing required
// fields are contract violations and propagate as hard errors.
func (r *Registry) Register(a *agent.Agent) error {
	switch {
	case a.ID == "":
		return errors.New("register: id required")
	case a.Task == "":
		return errors.New("register: task required")
	case a.Handle.Target == "" && a.Handle.PaneID == "":
		return errors.New("register: handle required")
	case a.ProjectDir == "":
		return errors.New("register: project dir required")
	case a.WorkspacePath == "":
		return errors.New("register: workspace path required")
	}
	now := r.now().UTC()
	a.Status = agent.StatusActive
	a.Completion = nil
	a.CompletedAt = time.Time{}
	if a.SpawnedAt.IsZero() {
		a.SpawnedAt = now
	}
	a.UpdatedAt = now

	_, err := r.db.Exec(`INSERT INTO agents
		(id, task, handle_target, handle_pane_id, project_dir, workspace_path,
		 origin_dir, status, spawned_at, completed_at, completion, tracker_ref, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Task, a.Handle.Target, a.Handle.PaneID, a.ProjectDir, a.WorkspacePath,
		a.OriginDir, string(a.Status), a.SpawnedAt.UnixNano(), 0, nil, a.TrackerRef,
		a.UpdatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("register %s: %w", a.ID, agent.ErrDuplicateID)
		}
		return fmt.Errorf("register %s: %w", a.ID, err)
	}
	r.notify(history.EventRegistered, a)
	return nil
}

// Find returns the record for id, or agent.ErrNotFound.
func (r *Registry) Find(id string) (*agent.Agent, error) {
	row := r.db.QueryRow(`SELECT `+columns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find %s: %w", id, agent.ErrNotFound)
	}
	return a, err
}

// List returns all records, optionally filtered to the given statuses,
// ordered by spawn time.
func (r *Registry) List(statuses ...agent.Status) ([]*agent.Agent, error) {
	q := `SELECT ` + columns + ` FROM agents`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	q += ` ORDER BY spawned_at, id`
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update performs a scoped read-modify-write on one record. The mutator
// receives a copy; if it returns an error nothing is written. The write is
// guarded by the record's updated_at: when a concurrent writer got there
// first, the cycle reloads and retries rather than overwrite (last-writer-wins
// at record granularity, never at table granularity). Illegal status
// transitions are rejected here, so no caller can downgrade a terminal record.
func (r *Registry) Update(id string, mutate func(*agent.Agent) error) (*agent.Agent, error) {
	var conflict error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		a, done, err := r.tryUpdate(id, mutate)
		if err != nil {
			return nil, err
		}
		if done {
			return a, nil
		}
		conflict = fmt.Errorf("update %s: lost race with concurrent writer", id)
	}
	return nil, conflict
}

func (r *Registry) tryUpdate(id string, mutate func(*agent.Agent) error) (*agent.Agent, bool, error) {
	row := r.db.QueryRow(`SELECT `+columns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("update %s: %w", id, agent.ErrNotFound)
	}
	if err != nil {
		return nil, false, err
	}

	prev := *a
	if err := mutate(a); err != nil {
		return nil, false, err
	}
	if a.Status != prev.Status && !prev.Status.CanTransition(a.Status) {
		return nil, false, fmt.Errorf("update %s: illegal transition %s -> %s", id, prev.Status, a.Status)
	}
	// completed_at is set exactly once, on entry to completed/failed.
	if (a.Status == agent.StatusCompleted || a.Status == agent.StatusFailed) && a.CompletedAt.IsZero() {
		a.CompletedAt = r.now().UTC()
	}
	if a.Status == agent.StatusActive && a.Completion != nil {
		return nil, false, fmt.Errorf("update %s: completion set while active", id)
	}

	now := r.now().UTC()
	if !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Nanosecond)
	}
	a.UpdatedAt = now

	var completion any
	if a.Completion != nil {
		b, err := json.Marshal(a.Completion)
		if err != nil {
			return nil, false, err
		}
		completion = string(b)
	}
	// The guarded UPDATE is a single atomic statement; SQLite's file lock is
	// the exclusive write lock for the cycle, and the updated_at predicate
	// detects a writer that committed between our read and this write.
	res, err := r.db.Exec(`UPDATE agents SET
		task = ?, handle_target = ?, handle_pane_id = ?, project_dir = ?,
		workspace_path = ?, origin_dir = ?, status = ?, completed_at = ?,
		completion = ?, tracker_ref = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		a.Task, a.Handle.Target, a.Handle.PaneID, a.ProjectDir,
		a.WorkspacePath, a.OriginDir, string(a.Status), nanos(a.CompletedAt),
		completion, a.TrackerRef, a.UpdatedAt.UnixNano(),
		id, prev.UpdatedAt.UnixNano())
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// Another process committed between our read and write. Retry with
		// fresh state.
		return nil, false, nil
	}
	if a.Status != prev.Status {
		r.notify(history.EventFor(a.Status), a)
	}
	return a, true, nil
}

// Reconcile resolves drift between the registry and the live process host:
// every active record whose handle is absent from liveKeys is transitioned to
// completed. This catches agents whose session disappeared without the
// completion engine running (crash, manual kill, host restart). Terminal
// records are never touched, so calling it twice with the same liveKeys is a
// no-op the second time. Returns the ids that changed.
func (r *Registry) Reconcile(liveKeys []string) ([]string, error) {
	live := make(map[string]struct{}, len(liveKeys))
	for _, k := range liveKeys {
		live[k] = struct{}{}
	}
	active, err := r.List(agent.StatusActive, agent.StatusCompleting)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, a := range active {
		if a.Status != agent.StatusActive {
			continue
		}
		if _, ok := live[a.Handle.Key()]; ok {
			continue
		}
		if _, err := r.Update(a.ID, func(cur *agent.Agent) error {
			if cur.Status != agent.StatusActive {
				return nil
			}
			cur.Status = agent.StatusCompleted
			return nil
		}); err != nil {
			return changed, fmt.Errorf("reconcile %s: %w", a.ID, err)
		}
		changed = append(changed, a.ID)
	}
	for _, id := range changed {
		if a, err := r.Find(id); err == nil {
			r.notify(history.EventReconciled, a)
		}
	}
	return changed, nil
}

const columns = `id, task, handle_target, handle_pane_id, project_dir, workspace_path,
	origin_dir, status, spawned_at, completed_at, completion, tracker_ref, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var (
		a                       agent.Agent
		status                  string
		spawned, completed, upd int64
		completion              sql.NullString
	)
	err := row.Scan(&a.ID, &a.Task, &a.Handle.Target, &a.Handle.PaneID,
		&a.ProjectDir, &a.WorkspacePath, &a.OriginDir, &status,
		&spawned, &completed, &completion, &a.TrackerRef, &upd)
	if err != nil {
		return nil, err
	}
	a.Status = agent.Status(status)
	a.SpawnedAt = fromNanos(spawned)
	a.CompletedAt = fromNanos(completed)
	a.UpdatedAt = fromNanos(upd)
	if completion.Valid && completion.String != "" {
		var c agent.Completion
		if err := json.Unmarshal([]byte(completion.String), &c); err != nil {
			return nil, fmt.Errorf("decode completion for %s: %w", a.ID, err)
		}
		a.Completion = &c
	}
	return &a, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
