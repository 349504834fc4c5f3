package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/corralhq/corral/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Append-only audit table.
	stmt := `CREATE TABLE IF NOT EXISTS agent_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		pane_id TEXT,
		project_dir TEXT,
		tracker_ref TEXT,
		error TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	a := e.Agent
	var cascadeErr string
	if a.Completion != nil {
		cascadeErr = a.Completion.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_history(occurred_at, event, agent_id, status, pane_id, project_dir, tracker_ref, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), a.ID, string(a.Status),
		a.Handle.PaneID, a.ProjectDir, a.TrackerRef, cascadeErr)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
