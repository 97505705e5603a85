// Package postgres implements [store.Store] on PostgreSQL via pgx. The
// dialogue server uses it as the shared keyed tables for sessions,
// completion records and assessment records.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/types"
)

// Schema is the SQL DDL for the three tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    mode            TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    messages        JSONB NOT NULL DEFAULT '[]',
    scenario        JSONB,
    debate          JSONB,
    completed_steps JSONB NOT NULL DEFAULT '[]',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_owner ON agent_sessions(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS completions (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    mode            TEXT NOT NULL,
    session_id      TEXT NOT NULL DEFAULT '',
    scenario        JSONB,
    debate          JSONB,
    completed_steps JSONB NOT NULL DEFAULT '[]',
    assessment_id   TEXT NOT NULL DEFAULT '',
    feedback        TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_completions_owner ON completions(owner_id, created_at);

CREATE TABLE IF NOT EXISTS assessments (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    session_id    TEXT NOT NULL DEFAULT '',
    format        TEXT NOT NULL DEFAULT '',
    overall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    criteria      JSONB NOT NULL DEFAULT '{}',
    feedback      JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_assessments_owner ON assessments(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_assessments_session ON assessments(session_id, created_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [store.Store] backed by PostgreSQL. Structured fields are
// stored as JSONB.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New returns a Store over db. The caller is responsible for calling
// [Store.Migrate] and for closing db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn, pings it and runs [Store.Migrate]. Close
// releases the pool.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity with a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store]. Only pools opened by [Connect] are closed.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// linkJSON encodes an optional link column; nil pointers become SQL NULL.
func linkJSON[T any](column string, v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return store.EncodeColumn(column, v)
}

func decodeLink[T any](column string, data []byte) (*T, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	v := new(T)
	if err := store.DecodeColumn(column, data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	store.PrepareSession(sess)
	msgJSON, stepsJSON, scenarioJSON, debateJSON, err := encodeSession(sess)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO agent_sessions (
			id, owner_id, mode, title, messages, scenario, debate, completed_steps,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err = s.db.Exec(ctx, query,
		sess.ID, sess.OwnerID, string(sess.Mode), sess.Title,
		msgJSON, scenarioJSON, debateJSON, stepsJSON,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: session with id %q already exists", sess.ID)
		}
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func encodeSession(sess *types.Session) (msgs, steps, scenario, debate []byte, err error) {
	if msgs, err = store.EncodeColumn("messages", sess.Messages); err != nil {
		return
	}
	if steps, err = store.EncodeColumn("completed_steps", sess.CompletedSteps); err != nil {
		return
	}
	if scenario, err = linkJSON("scenario", sess.Scenario); err != nil {
		return
	}
	debate, err = linkJSON("debate", sess.Debate)
	return
}

// UpdateSession implements [store.SessionStore].
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	sess.CompletedSteps = store.SortedSteps(sess.CompletedSteps)
	msgJSON, stepsJSON, scenarioJSON, debateJSON, err := encodeSession(sess)
	if err != nil {
		return err
	}

	const query = `
		UPDATE agent_sessions SET
			mode = $2, title = $3, messages = $4, scenario = $5, debate = $6,
			completed_steps = $7, updated_at = $8
		WHERE id = $1
		RETURNING owner_id, created_at`

	now := store.Now()
	err = s.db.QueryRow(ctx, query,
		sess.ID, string(sess.Mode), sess.Title, msgJSON, scenarioJSON, debateJSON, stepsJSON, now,
	).Scan(&sess.OwnerID, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("postgres: update session %q: %w", sess.ID, err)
	}
	sess.UpdatedAt = now
	return nil
}

const sessionColumns = `id, owner_id, mode, title, messages, scenario, debate, completed_steps, created_at, updated_at`

func scanSession(row pgx.Row) (types.Session, error) {
	var (
		sess                     types.Session
		mode                     string
		msgJSON, stepsJSON       []byte
		scenarioJSON, debateJSON []byte
	)
	err := row.Scan(
		&sess.ID, &sess.OwnerID, &mode, &sess.Title,
		&msgJSON, &scenarioJSON, &debateJSON, &stepsJSON,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return types.Session{}, err
	}
	sess.Mode = types.Mode(mode)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	if err := store.DecodeColumn("messages", msgJSON, &sess.Messages); err != nil {
		return types.Session{}, err
	}
	if err := store.DecodeColumn("completed_steps", stepsJSON, &sess.CompletedSteps); err != nil {
		return types.Session{}, err
	}
	if sess.CompletedSteps == nil {
		sess.CompletedSteps = []types.StepID{}
	}
	if sess.Scenario, err = decodeLink[types.ScenarioLink]("scenario", scenarioJSON); err != nil {
		return types.Session{}, err
	}
	if sess.Debate, err = decodeLink[types.DebateLink]("debate", debateJSON); err != nil {
		return types.Session{}, err
	}
	return sess, nil
}

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Session{}, store.ErrNotFound
		}
		return types.Session{}, fmt.Errorf("postgres: get session %q: %w", id, err)
	}
	return sess, nil
}

// DeleteSession implements [store.SessionStore].
func (s *Store) DeleteSession(ctx context.Context, id, ownerID string) error {
	const query = `DELETE FROM agent_sessions WHERE id = $1 AND owner_id = $2`
	tag, err := s.db.Exec(ctx, query, id, ownerID)
	if err != nil {
		return fmt.Errorf("postgres: delete session %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit int) ([]types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions
		WHERE owner_id = $1
		ORDER BY updated_at DESC, id ASC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list sessions scan: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return out, nil
}

// ─── Completions ────────────────────────────────────────────────────────────

// InsertCompletion implements [store.CompletionStore].
func (s *Store) InsertCompletion(ctx context.Context, c *types.CompletionRecord) error {
	store.PrepareCompletion(c)
	stepsJSON, err := store.EncodeColumn("completed_steps", c.CompletedSteps)
	if err != nil {
		return err
	}
	scenarioJSON, err := linkJSON("scenario", c.Scenario)
	if err != nil {
		return err
	}
	debateJSON, err := linkJSON("debate", c.Debate)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO completions (
			id, owner_id, mode, session_id, scenario, debate, completed_steps,
			assessment_id, feedback, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err = s.db.Exec(ctx, query,
		c.ID, c.OwnerID, string(c.Mode), c.SessionID, scenarioJSON, debateJSON, stepsJSON,
		c.AssessmentID, c.Feedback, c.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: completion with id %q already exists", c.ID)
		}
		return fmt.Errorf("postgres: insert completion: %w", err)
	}
	return nil
}

const completionColumns = `id, owner_id, mode, session_id, scenario, debate, completed_steps,
		       assessment_id, feedback, created_at`

func scanCompletion(row pgx.Row) (types.CompletionRecord, error) {
	var (
		c                                   types.CompletionRecord
		mode                                string
		scenarioJSON, debateJSON, stepsJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &mode, &c.SessionID, &scenarioJSON, &debateJSON, &stepsJSON,
		&c.AssessmentID, &c.Feedback, &c.CreatedAt,
	)
	if err != nil {
		return types.CompletionRecord{}, err
	}
	c.Mode = types.Mode(mode)
	c.CreatedAt = c.CreatedAt.UTC()
	if err := store.DecodeColumn("completed_steps", stepsJSON, &c.CompletedSteps); err != nil {
		return types.CompletionRecord{}, err
	}
	if c.Scenario, err = decodeLink[types.ScenarioLink]("scenario", scenarioJSON); err != nil {
		return types.CompletionRecord{}, err
	}
	if c.Debate, err = decodeLink[types.DebateLink]("debate", debateJSON); err != nil {
		return types.CompletionRecord{}, err
	}
	return c, nil
}

// GetCompletion implements [store.CompletionStore].
func (s *Store) GetCompletion(ctx context.Context, id string) (types.CompletionRecord, error) {
	query := `SELECT ` + completionColumns + ` FROM completions WHERE id = $1`
	c, err := scanCompletion(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.CompletionRecord{}, store.ErrNotFound
		}
		return types.CompletionRecord{}, fmt.Errorf("postgres: get completion %q: %w", id, err)
	}
	return c, nil
}

// CompletionsByOwner implements [store.CompletionStore].
func (s *Store) CompletionsByOwner(ctx context.Context, ownerID string) ([]types.CompletionRecord, error) {
	query := `SELECT ` + completionColumns + ` FROM completions
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC`
	rows, err := s.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list completions: %w", err)
	}
	defer rows.Close()

	var out []types.CompletionRecord
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list completions scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list completions: %w", err)
	}
	return out, nil
}

// LinkCompletionAssessment implements [store.CompletionStore].
func (s *Store) LinkCompletionAssessment(ctx context.Context, id, assessmentID string) error {
	const query = `UPDATE completions SET assessment_id = $2 WHERE id = $1`
	return s.execOne(ctx, "link completion", id, query, id, assessmentID)
}

// SetCompletionFeedback implements [store.CompletionStore].
func (s *Store) SetCompletionFeedback(ctx context.Context, id, feedback string) error {
	const query = `UPDATE completions SET feedback = $2 WHERE id = $1`
	return s.execOne(ctx, "set completion feedback", id, query, id, feedback)
}

// execOne runs a single-row statement and maps zero affected rows to
// [store.ErrNotFound].
func (s *Store) execOne(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %q: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ─── Assessments ────────────────────────────────────────────────────────────

// InsertAssessment implements [store.AssessmentStore].
func (s *Store) InsertAssessment(ctx context.Context, a *types.AssessmentRecord) error {
	store.PrepareAssessment(a)
	criteriaJSON, err := store.EncodeColumn("criteria", a.Criteria)
	if err != nil {
		return err
	}
	feedbackJSON, err := store.EncodeColumn("feedback", a.Feedback)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO assessments (
			id, owner_id, session_id, format, overall_score, criteria, feedback, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = s.db.Exec(ctx, query,
		a.ID, a.OwnerID, a.SessionID, a.Format, a.OverallScore, criteriaJSON, feedbackJSON, a.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: assessment with id %q already exists", a.ID)
		}
		return fmt.Errorf("postgres: insert assessment: %w", err)
	}
	return nil
}

const assessmentColumns = `id, owner_id, session_id, format, overall_score, criteria, feedback, created_at`

func scanAssessment(row pgx.Row) (types.AssessmentRecord, error) {
	var (
		a                          types.AssessmentRecord
		criteriaJSON, feedbackJSON []byte
		created                    time.Time
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.SessionID, &a.Format, &a.OverallScore,
		&criteriaJSON, &feedbackJSON, &created); err != nil {
		return types.AssessmentRecord{}, err
	}
	a.CreatedAt = created.UTC()
	if err := store.DecodeColumn("criteria", criteriaJSON, &a.Criteria); err != nil {
		return types.AssessmentRecord{}, err
	}
	if err := store.DecodeColumn("feedback", feedbackJSON, &a.Feedback); err != nil {
		return types.AssessmentRecord{}, err
	}
	return a, nil
}

// GetAssessment implements [store.AssessmentStore].
func (s *Store) GetAssessment(ctx context.Context, id string) (types.AssessmentRecord, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE id = $1`
	a, err := scanAssessment(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.AssessmentRecord{}, store.ErrNotFound
		}
		return types.AssessmentRecord{}, fmt.Errorf("postgres: get assessment %q: %w", id, err)
	}
	return a, nil
}

// AssessmentsBySession implements [store.AssessmentStore].
func (s *Store) AssessmentsBySession(ctx context.Context, sessionID string) ([]types.AssessmentRecord, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`
	return s.listAssessments(ctx, query, sessionID)
}

// AssessmentsByOwner implements [store.AssessmentStore].
func (s *Store) AssessmentsByOwner(ctx context.Context, ownerID string) ([]types.AssessmentRecord, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC`
	return s.listAssessments(ctx, query, ownerID)
}

func (s *Store) listAssessments(ctx context.Context, query, arg string) ([]types.AssessmentRecord, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list assessments: %w", err)
	}
	defer rows.Close()

	var out []types.AssessmentRecord
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list assessments scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list assessments: %w", err)
	}
	return out, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
