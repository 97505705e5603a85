// Package sqlite implements [store.Store] on a local SQLite file using the
// pure-Go modernc driver. The terminal client keeps its history here.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed [store.Store]. JSON-shaped fields are kept in
// TEXT columns and timestamps as Unix microseconds.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initialises the
// schema. The special path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory: %w", err)
		}
		dsn = path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if path == ":memory:" {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return s, nil
}

const schema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	mode            TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	messages        TEXT NOT NULL DEFAULT '[]',
	scenario        TEXT,
	debate          TEXT,
	completed_steps TEXT NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, updated_at);

CREATE TABLE IF NOT EXISTS completions (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	mode            TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	scenario        TEXT,
	debate          TEXT,
	completed_steps TEXT NOT NULL DEFAULT '[]',
	assessment_id   TEXT NOT NULL DEFAULT '',
	feedback        TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completions_owner ON completions(owner_id, created_at);

CREATE TABLE IF NOT EXISTS assessments (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	format        TEXT NOT NULL DEFAULT '',
	overall_score REAL NOT NULL DEFAULT 0,
	criteria      TEXT NOT NULL DEFAULT '{}',
	feedback      TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessments_owner ON assessments(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_assessments_session ON assessments(session_id, created_at);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// nullJSON encodes an optional link column; nil pointers become SQL NULL.
func nullJSON[T any](column string, v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := store.EncodeColumn(column, v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func text(column string, v any) (string, error) {
	b, err := store.EncodeColumn(column, v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// ─── Sessions ───────────────────────────────────────────────────────────────

type sessionColumns struct {
	messages, steps string
	scenario        any
	debate          any
}

func encodeSession(sess *types.Session) (sessionColumns, error) {
	var (
		c   sessionColumns
		err error
	)
	if c.messages, err = text("messages", sess.Messages); err != nil {
		return c, err
	}
	if c.steps, err = text("completed_steps", sess.CompletedSteps); err != nil {
		return c, err
	}
	if c.scenario, err = nullJSON("scenario", sess.Scenario); err != nil {
		return c, err
	}
	if c.debate, err = nullJSON("debate", sess.Debate); err != nil {
		return c, err
	}
	return c, nil
}

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	store.PrepareSession(sess)
	cols, err := encodeSession(sess)
	if err != nil {
		return err
	}
	const q = `
	INSERT INTO sessions (id, owner_id, mode, title, messages, scenario, debate, completed_steps, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		sess.ID, sess.OwnerID, string(sess.Mode), sess.Title, cols.messages,
		cols.scenario, cols.debate, cols.steps,
		sess.CreatedAt.UnixMicro(), sess.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create session %q: %w", sess.ID, err)
	}
	return nil
}

// UpdateSession implements [store.SessionStore].
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	sess.CompletedSteps = store.SortedSteps(sess.CompletedSteps)
	cols, err := encodeSession(sess)
	if err != nil {
		return err
	}
	now := store.Now()
	const q = `
	UPDATE sessions
	SET mode = ?, title = ?, messages = ?, scenario = ?, debate = ?, completed_steps = ?, updated_at = ?
	WHERE id = ?
	RETURNING owner_id, created_at`
	var created int64
	err = s.db.QueryRowContext(ctx, q,
		string(sess.Mode), sess.Title, cols.messages, cols.scenario, cols.debate, cols.steps,
		now.UnixMicro(), sess.ID,
	).Scan(&sess.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: update session %q: %w", sess.ID, err)
	}
	sess.CreatedAt = fromMicros(created)
	sess.UpdatedAt = now
	return nil
}

const sessionSelect = `
	SELECT id, owner_id, mode, title, messages, scenario, debate, completed_steps, created_at, updated_at
	FROM sessions`

func scanSession(row interface{ Scan(...any) error }) (types.Session, error) {
	var (
		sess                  types.Session
		mode, messages, steps string
		scenario, debate      sql.NullString
		created, updated      int64
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &mode, &sess.Title, &messages,
		&scenario, &debate, &steps, &created, &updated); err != nil {
		return types.Session{}, err
	}
	sess.Mode = types.Mode(mode)
	sess.CreatedAt = fromMicros(created)
	sess.UpdatedAt = fromMicros(updated)
	if err := store.DecodeColumn("messages", []byte(messages), &sess.Messages); err != nil {
		return types.Session{}, err
	}
	if err := store.DecodeColumn("completed_steps", []byte(steps), &sess.CompletedSteps); err != nil {
		return types.Session{}, err
	}
	if sess.CompletedSteps == nil {
		sess.CompletedSteps = []types.StepID{}
	}
	if scenario.Valid {
		sess.Scenario = new(types.ScenarioLink)
		if err := store.DecodeColumn("scenario", []byte(scenario.String), sess.Scenario); err != nil {
			return types.Session{}, err
		}
	}
	if debate.Valid {
		sess.Debate = new(types.DebateLink)
		if err := store.DecodeColumn("debate", []byte(debate.String), sess.Debate); err != nil {
			return types.Session{}, err
		}
	}
	return sess, nil
}

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, store.ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("sqlite: get session %q: %w", id, err)
	}
	return sess, nil
}

// DeleteSession implements [store.SessionStore].
func (s *Store) DeleteSession(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("sqlite: delete session %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit int) ([]types.Session, error) {
	q := sessionSelect + ` WHERE owner_id = ? ORDER BY updated_at DESC, id ASC`
	args := []any{ownerID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate sessions: %w", err)
	}
	return out, nil
}

// ─── Completions ────────────────────────────────────────────────────────────

// InsertCompletion implements [store.CompletionStore].
func (s *Store) InsertCompletion(ctx context.Context, c *types.CompletionRecord) error {
	store.PrepareCompletion(c)
	steps, err := text("completed_steps", c.CompletedSteps)
	if err != nil {
		return err
	}
	scenario, err := nullJSON("scenario", c.Scenario)
	if err != nil {
		return err
	}
	debate, err := nullJSON("debate", c.Debate)
	if err != nil {
		return err
	}
	const q = `
	INSERT INTO completions (id, owner_id, mode, session_id, scenario, debate, completed_steps, assessment_id, feedback, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		c.ID, c.OwnerID, string(c.Mode), c.SessionID, scenario, debate, steps,
		c.AssessmentID, c.Feedback, c.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert completion %q: %w", c.ID, err)
	}
	return nil
}

const completionSelect = `
	SELECT id, owner_id, mode, session_id, scenario, debate, completed_steps, assessment_id, feedback, created_at
	FROM completions`

func scanCompletion(row interface{ Scan(...any) error }) (types.CompletionRecord, error) {
	var (
		c                types.CompletionRecord
		mode, steps      string
		scenario, debate sql.NullString
		created          int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &mode, &c.SessionID,
		&scenario, &debate, &steps, &c.AssessmentID, &c.Feedback, &created); err != nil {
		return types.CompletionRecord{}, err
	}
	c.Mode = types.Mode(mode)
	c.CreatedAt = fromMicros(created)
	if err := store.DecodeColumn("completed_steps", []byte(steps), &c.CompletedSteps); err != nil {
		return types.CompletionRecord{}, err
	}
	if scenario.Valid {
		c.Scenario = new(types.ScenarioLink)
		if err := store.DecodeColumn("scenario", []byte(scenario.String), c.Scenario); err != nil {
			return types.CompletionRecord{}, err
		}
	}
	if debate.Valid {
		c.Debate = new(types.DebateLink)
		if err := store.DecodeColumn("debate", []byte(debate.String), c.Debate); err != nil {
			return types.CompletionRecord{}, err
		}
	}
	return c, nil
}

// GetCompletion implements [store.CompletionStore].
func (s *Store) GetCompletion(ctx context.Context, id string) (types.CompletionRecord, error) {
	c, err := scanCompletion(s.db.QueryRowContext(ctx, completionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.CompletionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return types.CompletionRecord{}, fmt.Errorf("sqlite: get completion %q: %w", id, err)
	}
	return c, nil
}

// CompletionsByOwner implements [store.CompletionStore].
func (s *Store) CompletionsByOwner(ctx context.Context, ownerID string) ([]types.CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, completionSelect+` WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list completions: %w", err)
	}
	defer rows.Close()

	var out []types.CompletionRecord
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan completion: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate completions: %w", err)
	}
	return out, nil
}

// LinkCompletionAssessment implements [store.CompletionStore].
func (s *Store) LinkCompletionAssessment(ctx context.Context, id, assessmentID string) error {
	return s.setCompletion(ctx, id, "assessment_id", assessmentID)
}

// SetCompletionFeedback implements [store.CompletionStore].
func (s *Store) SetCompletionFeedback(ctx context.Context, id, feedback string) error {
	return s.setCompletion(ctx, id, "feedback", feedback)
}

// setCompletion updates one text column. column is always a constant from
// this file.
func (s *Store) setCompletion(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE completions SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("sqlite: set completion %s %q: %w", column, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ─── Assessments ────────────────────────────────────────────────────────────

// InsertAssessment implements [store.AssessmentStore].
func (s *Store) InsertAssessment(ctx context.Context, a *types.AssessmentRecord) error {
	store.PrepareAssessment(a)
	criteria, err := text("criteria", a.Criteria)
	if err != nil {
		return err
	}
	feedback, err := text("feedback", a.Feedback)
	if err != nil {
		return err
	}
	const q = `
	INSERT INTO assessments (id, owner_id, session_id, format, overall_score, criteria, feedback, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		a.ID, a.OwnerID, a.SessionID, a.Format, a.OverallScore, criteria, feedback, a.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert assessment %q: %w", a.ID, err)
	}
	return nil
}

const assessmentSelect = `
	SELECT id, owner_id, session_id, format, overall_score, criteria, feedback, created_at
	FROM assessments`

func scanAssessment(row interface{ Scan(...any) error }) (types.AssessmentRecord, error) {
	var (
		a                  types.AssessmentRecord
		criteria, feedback string
		created            int64
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.SessionID, &a.Format, &a.OverallScore,
		&criteria, &feedback, &created); err != nil {
		return types.AssessmentRecord{}, err
	}
	a.CreatedAt = fromMicros(created)
	if err := store.DecodeColumn("criteria", []byte(criteria), &a.Criteria); err != nil {
		return types.AssessmentRecord{}, err
	}
	if err := store.DecodeColumn("feedback", []byte(feedback), &a.Feedback); err != nil {
		return types.AssessmentRecord{}, err
	}
	return a, nil
}

// GetAssessment implements [store.AssessmentStore].
func (s *Store) GetAssessment(ctx context.Context, id string) (types.AssessmentRecord, error) {
	a, err := scanAssessment(s.db.QueryRowContext(ctx, assessmentSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.AssessmentRecord{}, store.ErrNotFound
	}
	if err != nil {
		return types.AssessmentRecord{}, fmt.Errorf("sqlite: get assessment %q: %w", id, err)
	}
	return a, nil
}

// AssessmentsBySession implements [store.AssessmentStore].
func (s *Store) AssessmentsBySession(ctx context.Context, sessionID string) ([]types.AssessmentRecord, error) {
	return s.listAssessments(ctx, "session_id", sessionID)
}

// AssessmentsByOwner implements [store.AssessmentStore].
func (s *Store) AssessmentsByOwner(ctx context.Context, ownerID string) ([]types.AssessmentRecord, error) {
	return s.listAssessments(ctx, "owner_id", ownerID)
}

func (s *Store) listAssessments(ctx context.Context, column, value string) ([]types.AssessmentRecord, error) {
	q := assessmentSelect + ` WHERE ` + column + ` = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, value)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list assessments: %w", err)
	}
	defer rows.Close()

	var out []types.AssessmentRecord
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan assessment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate assessments: %w", err)
	}
	return out, nil
}
