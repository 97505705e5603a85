// Package store defines persistence for conversations, completion records
// and assessment records.
//
// Three backends implement [Store]: memstore (in-process, for tests and the
// ephemeral server mode), sqlite (local terminal client) and postgres (the
// dialogue server). All backends share the row encoding helpers in this
// package so that JSON columns look identical everywhere.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrNotFound is returned when a keyed row does not exist, or exists but
// belongs to another owner.
var ErrNotFound = errors.New("store: not found")

// SessionStore is the keyed table of conversations.
type SessionStore interface {
	// CreateSession inserts s. An empty ID is replaced by a fresh one and
	// timestamps are set; the stored values are written back to s.
	CreateSession(ctx context.Context, s *types.Session) error

	// UpdateSession replaces the mutable fields of an existing session:
	// title, messages, completed steps and linkage. Returns ErrNotFound
	// when no row has s.ID.
	UpdateSession(ctx context.Context, s *types.Session) error

	GetSession(ctx context.Context, id string) (types.Session, error)

	// DeleteSession removes the session id owned by ownerID.
	DeleteSession(ctx context.Context, id, ownerID string) error

	// ListSessions returns ownerID's sessions, most recently updated first.
	// limit <= 0 means no limit.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]types.Session, error)
}

// CompletionStore is the keyed table of completion records.
type CompletionStore interface {
	// InsertCompletion writes c, assigning an ID and CreatedAt when unset.
	InsertCompletion(ctx context.Context, c *types.CompletionRecord) error

	GetCompletion(ctx context.Context, id string) (types.CompletionRecord, error)

	// CompletionsByOwner returns ownerID's records, oldest first.
	CompletionsByOwner(ctx context.Context, ownerID string) ([]types.CompletionRecord, error)

	// LinkCompletionAssessment stores the explicit assessment owner id.
	LinkCompletionAssessment(ctx context.Context, id, assessmentID string) error

	// SetCompletionFeedback stores coaching text on the record.
	SetCompletionFeedback(ctx context.Context, id, feedback string) error
}

// AssessmentStore is the keyed table of assessment records.
type AssessmentStore interface {
	// InsertAssessment writes a, assigning an ID and CreatedAt when unset.
	InsertAssessment(ctx context.Context, a *types.AssessmentRecord) error

	GetAssessment(ctx context.Context, id string) (types.AssessmentRecord, error)

	// AssessmentsBySession returns records whose session link is sessionID,
	// oldest first.
	AssessmentsBySession(ctx context.Context, sessionID string) ([]types.AssessmentRecord, error)

	// AssessmentsByOwner returns ownerID's records, oldest first.
	AssessmentsByOwner(ctx context.Context, ownerID string) ([]types.AssessmentRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	CompletionStore
	AssessmentStore

	// Close releases the backend's resources.
	Close() error
}

// NewID returns a fresh random row id.
func NewID() string { return uuid.NewString() }

// Now is the clock used by the backends. Timestamps are truncated to
// microseconds, the precision every backend can round-trip.
var Now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// PrepareSession fills in the ID and timestamps for a new session.
func PrepareSession(s *types.Session) {
	if s.ID == "" {
		s.ID = NewID()
	}
	now := Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.CompletedSteps = SortedSteps(s.CompletedSteps)
}

// SortedSteps returns a sorted, de-duplicated copy of steps. Nil yields an
// empty slice.
func SortedSteps(steps []types.StepID) []types.StepID {
	out := slices.Clone(steps)
	if out == nil {
		out = []types.StepID{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// PrepareCompletion fills in the ID and creation time of c.
func PrepareCompletion(c *types.CompletionRecord) {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = Now()
	}
	c.CompletedSteps = SortedSteps(c.CompletedSteps)
}

// PrepareAssessment fills in the ID and creation time of a.
func PrepareAssessment(a *types.AssessmentRecord) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = Now()
	}
}

// EncodeColumn encodes v for a JSON column. Nil slices encode as [] so that
// readers never see null where a list is expected.
func EncodeColumn(column string, v any) ([]byte, error) {
	switch x := v.(type) {
	case []types.Message:
		if x == nil {
			v = []types.Message{}
		}
	case []types.StepID:
		if x == nil {
			v = []types.StepID{}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal %s: %w", column, err)
	}
	return b, nil
}

// DecodeColumn decodes a JSON column into dst. Empty and null columns leave
// dst untouched.
func DecodeColumn(column string, data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", column, err)
	}
	return nil
}
