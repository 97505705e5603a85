// Package reconcile is the only place the turn controller touches storage.
//
// A [Reconciler] owns one conversation's session row: [Reconciler.UpsertSession]
// creates it on the first successful turn and updates it in place afterwards,
// and [Reconciler.Reset] forgets it so that the next turn starts a new row.
// [Reconciler.LinkAssessment] repairs the link between a completion record
// and the assessment an out-of-band scorer wrote for it.
//
// Persistence is best effort. Failures are logged, counted in the
// parley.persist.errors metric and returned, but callers on the turn path
// ignore them; a spoken reply is never withheld because a write failed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/types"
)

// Title limits, in runes.
const (
	TitleMaxRunes       = 42
	DebateTitleMaxRunes = 50
)

// DefaultTitle names a conversation with nothing to derive a title from.
const DefaultTitle = "Новый разговор"

// ErrStale is returned by [Reconciler.UpsertSession] for a snapshot taken
// before the last [Reconciler.Reset]. Nothing is written.
var ErrStale = errors.New("reconcile: snapshot belongs to an ended conversation")

// Snapshot is the state of a conversation after a turn.
type Snapshot struct {
	// Epoch is the [Reconciler.Epoch] the snapshot was taken in.
	Epoch uint64

	Mode           types.Mode
	Messages       []types.Message
	CompletedSteps []types.StepID
	Scenario       *types.ScenarioLink
	Debate         *types.DebateLink
}

// Option configures a [Reconciler].
type Option func(*Reconciler)

// WithWindow overrides [DefaultWindow] for the nearest-timestamp fallback.
func WithWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithMetrics records persistence failures and link outcomes on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// Reconciler persists one owner's conversations.
//
// All methods are safe for concurrent use, but the turn controller only ever
// calls them from one turn at a time.
type Reconciler struct {
	store   store.Store
	ownerID string
	window  time.Duration
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	epoch     uint64
	sessionID string
	title     string
}

// New returns a Reconciler writing rows owned by ownerID to s.
func New(s store.Store, ownerID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   s,
		ownerID: ownerID,
		window:  DefaultWindow,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// SessionID returns the id of the current conversation's row, or "" before
// the first successful upsert.
func (r *Reconciler) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Epoch counts the calls to Reset. Snapshots carry it so that a write from an
// ended conversation cannot land after the reset.
func (r *Reconciler) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Reset forgets the current conversation and starts a new epoch. The next
// upsert creates a new row. It waits for an upsert in progress.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.epoch++
	r.sessionID = ""
	r.title = ""
	r.mu.Unlock()
}

// UpsertSession writes snap as the current conversation's row: the first
// call creates it and remembers its id; later calls update it in place.
// A snapshot without messages is not written, and one from an earlier epoch
// is refused with [ErrStale].
func (r *Reconciler) UpsertSession(ctx context.Context, snap Snapshot) (string, error) {
	if len(snap.Messages) == 0 {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Epoch != r.epoch {
		r.log.Debug("reconcile: stale snapshot dropped", "epoch", snap.Epoch, "current", r.epoch)
		return "", ErrStale
	}

	sess := &types.Session{
		ID:             r.sessionID,
		OwnerID:        r.ownerID,
		Mode:           snap.Mode,
		Messages:       snap.Messages,
		CompletedSteps: snap.CompletedSteps,
		Scenario:       snap.Scenario,
		Debate:         snap.Debate,
	}

	if r.sessionID == "" {
		sess.Title = Title(snap)
		if err := r.store.CreateSession(ctx, sess); err != nil {
			return "", r.fail(ctx, "create_session", err)
		}
		r.sessionID, r.title = sess.ID, sess.Title
		r.log.Debug("reconcile: session created", "session_id", sess.ID, "mode", snap.Mode)
		return sess.ID, nil
	}

	sess.Title = r.title
	err := r.store.UpdateSession(ctx, sess)
	if errors.Is(err, store.ErrNotFound) {
		// The row was deleted behind our back; start over with a fresh one.
		sess.ID = ""
		sess.Title = Title(snap)
		err = r.store.CreateSession(ctx, sess)
		if err == nil {
			r.sessionID, r.title = sess.ID, sess.Title
		}
	}
	if err != nil {
		return r.sessionID, r.fail(ctx, "update_session", err)
	}
	return sess.ID, nil
}

// RecordCompletion writes a completion record for the current conversation.
// OwnerID and SessionID are filled in when unset.
func (r *Reconciler) RecordCompletion(ctx context.Context, c types.CompletionRecord) (types.CompletionRecord, error) {
	if c.OwnerID == "" {
		c.OwnerID = r.ownerID
	}
	if c.SessionID == "" {
		c.SessionID = r.SessionID()
	}
	if err := r.store.InsertCompletion(ctx, &c); err != nil {
		return c, r.fail(ctx, "insert_completion", err)
	}
	r.metrics.RecordCompletion(ctx, string(c.Mode))
	return c, nil
}

// SetFeedback stores coaching text on a completion record.
func (r *Reconciler) SetFeedback(ctx context.Context, completionID, feedback string) error {
	if completionID == "" || strings.TrimSpace(feedback) == "" {
		return nil
	}
	if err := r.store.SetCompletionFeedback(ctx, completionID, feedback); err != nil {
		return r.fail(ctx, "set_feedback", err)
	}
	return nil
}

// LinkAssessment finds the assessment belonging to completion completionID
// (see [Resolve]) among the owner's records. When it was found by anything
// other than the explicit id, the id is written back onto the completion so
// the next lookup is exact. An unassessed completion yields a Match with
// [RuleNone] and no error.
func (r *Reconciler) LinkAssessment(ctx context.Context, completionID string) (Match, error) {
	c, err := r.store.GetCompletion(ctx, completionID)
	if err != nil {
		return Match{Rule: RuleNone}, fmt.Errorf("reconcile: get completion %q: %w", completionID, err)
	}

	pool, err := r.store.AssessmentsByOwner(ctx, c.OwnerID)
	if err != nil {
		return Match{Rule: RuleNone}, r.fail(ctx, "list_assessments", err)
	}
	if c.AssessmentID != "" && !containsID(pool, c.AssessmentID) {
		// The explicit link may point at a record filed under another owner id.
		if a, err := r.store.GetAssessment(ctx, c.AssessmentID); err == nil {
			pool = append(pool, a)
		}
	}

	m := Resolve(TargetForCompletion(c), pool, r.window)
	r.metrics.RecordReconcile(ctx, string(m.Rule))
	if m.Found() && m.Rule != RuleExplicit {
		if err := r.store.LinkCompletionAssessment(ctx, c.ID, m.Assessment.ID); err != nil {
			_ = r.fail(ctx, "link_assessment", err)
		}
	}
	return m, nil
}

// LinkSessionAssessment finds the assessment belonging to a live session.
// Nothing is written back.
func (r *Reconciler) LinkSessionAssessment(ctx context.Context, sessionID string) (Match, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return Match{Rule: RuleNone}, fmt.Errorf("reconcile: get session %q: %w", sessionID, err)
	}
	pool, err := r.store.AssessmentsByOwner(ctx, sess.OwnerID)
	if err != nil {
		return Match{Rule: RuleNone}, r.fail(ctx, "list_assessments", err)
	}
	m := Resolve(TargetForSession(sess), pool, r.window)
	r.metrics.RecordReconcile(ctx, string(m.Rule))
	return m, nil
}

// Assessed is a completion with the assessment resolved for it, if any.
type Assessed struct {
	Completion types.CompletionRecord
	Match      Match
}

// AssessedCompletions lists the owner's completions, oldest first, each with
// its assessment resolved by [Assign]. Nothing is written back.
func (r *Reconciler) AssessedCompletions(ctx context.Context) ([]Assessed, error) {
	completions, err := r.store.CompletionsByOwner(ctx, r.ownerID)
	if err != nil {
		return nil, r.fail(ctx, "list_completions", err)
	}
	pool, err := r.store.AssessmentsByOwner(ctx, r.ownerID)
	if err != nil {
		return nil, r.fail(ctx, "list_assessments", err)
	}
	matches := Assign(completions, pool, r.window)
	out := make([]Assessed, 0, len(completions))
	for _, c := range completions {
		m, ok := matches[c.ID]
		if !ok {
			m = Match{Rule: RuleNone}
		}
		r.metrics.RecordReconcile(ctx, string(m.Rule))
		out = append(out, Assessed{Completion: c, Match: m})
	}
	return out, nil
}

// fail logs and counts a persistence failure and returns it wrapped.
func (r *Reconciler) fail(ctx context.Context, op string, err error) error {
	r.log.Warn("reconcile: persistence failed", "op", op, "err", err)
	r.metrics.RecordPersistError(ctx, op)
	return fmt.Errorf("reconcile: %s: %w", op, err)
}

func containsID(pool []types.AssessmentRecord, id string) bool {
	for _, a := range pool {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Title derives a display title for a new conversation. Debates are titled
// by topic and roleplays by scenario; everything else by the first user
// message.
func Title(snap Snapshot) string {
	if snap.Debate != nil && strings.TrimSpace(snap.Debate.Topic) != "" {
		return truncate(snap.Debate.Topic, DebateTitleMaxRunes)
	}
	if snap.Scenario != nil && strings.TrimSpace(snap.Scenario.ScenarioTitle) != "" {
		return strings.TrimSpace(snap.Scenario.ScenarioTitle)
	}
	for _, m := range snap.Messages {
		if m.Role == types.RoleUser && strings.TrimSpace(m.Content) != "" {
			return truncate(m.Content, TitleMaxRunes)
		}
	}
	return DefaultTitle
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
