// Package eventstore keeps a local timeline of recording passes: when they
// started and stopped, and every recognition generation in between. No
// transcript text is ever written.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventRecordingStarted  = "recording.started"
	EventGenerationStarted = "recognition.generation"
	EventRecognitionFailed = "recognition.failed"
	EventRecordingStopped  = "recording.stopped"
	EventRecordingReset    = "recording.reset"
)

// Event is one timeline entry of a recording pass.
type Event struct {
	ID         int64
	PassID     string
	Generation uint64
	Type       string
	Payload    []byte
	CreatedAt  time.Time
}

// Pass summarizes one recording pass.
type Pass struct {
	PassID      string
	Runtime     string
	StartedAt   time.Time
	StoppedAt   time.Time
	Generations uint64
}

// Store wraps a SQLite-backed timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps
// nothing and every call is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS passes (
    pass_id TEXT PRIMARY KEY,
    runtime TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER,
    generations INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pass_id TEXT NOT NULL,
    generation INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(pass_id) REFERENCES passes(pass_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_pass_created ON events(pass_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginPass records the start of a recording pass.
func (s *Store) BeginPass(ctx context.Context, passID, runtime string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passes(pass_id, runtime, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(pass_id) DO UPDATE SET runtime=excluded.runtime`,
		passID, runtime, s.clock().UTC().UnixMilli())
	return err
}

// FinishPass stamps the stop time and the number of generations used.
func (s *Store) FinishPass(ctx context.Context, passID string, generations uint64) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE passes SET stopped_at = ?, generations = ? WHERE pass_id = ?`,
		s.clock().UTC().UnixMilli(), int64(generations), passID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pass %s not found", passID)
	}
	return nil
}

// AppendEvent writes an event into the store. The pass must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.PassID == "" {
		return errors.New("event without pass id")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(pass_id, generation, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.PassID, int64(evt.Generation), evt.Type, evt.Payload, evt.CreatedAt.UTC().UnixMilli())
	return err
}

// ListPassEvents returns up to limit events of a pass, oldest first.
func (s *Store) ListPassEvents(ctx context.Context, passID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pass_id, generation, event_type, payload, created_at
		 FROM events WHERE pass_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, passID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var gen, created int64
		if err := rows.Scan(&e.ID, &e.PassID, &gen, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Generation = uint64(gen)
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentPasses returns up to limit passes, newest first.
func (s *Store) RecentPasses(ctx context.Context, limit int) ([]Pass, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass_id, runtime, started_at, stopped_at, generations
		 FROM passes ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var passes []Pass
	for rows.Next() {
		var p Pass
		var runtime sql.NullString
		var started int64
		var stopped sql.NullInt64
		var gens int64
		if err := rows.Scan(&p.PassID, &runtime, &started, &stopped, &gens); err != nil {
			return nil, err
		}
		p.Runtime = runtime.String
		p.StartedAt = time.UnixMilli(started).UTC()
		if stopped.Valid {
			p.StoppedAt = time.UnixMilli(stopped.Int64).UTC()
		}
		p.Generations = uint64(gens)
		passes = append(passes, p)
	}
	return passes, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM passes WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM passes WHERE pass_id IN (
			SELECT pass_id FROM passes ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
