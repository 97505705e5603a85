// Package memstore is a thread-safe, in-memory [store.Store]. It is used by
// tests and by the dialogue server when no database is configured.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store keeps every row in maps guarded by one RWMutex. Values are copied
// on the way in and out so callers never share backing arrays with it.
// The zero value is ready to use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]types.Session
	completions map[string]types.CompletionRecord
	assessments map[string]types.AssessmentRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

func (s *Store) init() {
	if s.sessions == nil {
		s.sessions = make(map[string]types.Session)
		s.completions = make(map[string]types.CompletionRecord)
		s.assessments = make(map[string]types.AssessmentRecord)
	}
}

func cloneSession(v types.Session) types.Session {
	v.Messages = slices.Clone(v.Messages)
	v.CompletedSteps = slices.Clone(v.CompletedSteps)
	if v.Scenario != nil {
		sc := *v.Scenario
		v.Scenario = &sc
	}
	if v.Debate != nil {
		d := *v.Debate
		v.Debate = &d
	}
	return v
}

func cloneCompletion(v types.CompletionRecord) types.CompletionRecord {
	v.CompletedSteps = slices.Clone(v.CompletedSteps)
	if v.Scenario != nil {
		sc := *v.Scenario
		v.Scenario = &sc
	}
	if v.Debate != nil {
		d := *v.Debate
		v.Debate = &d
	}
	return v
}

func cloneAssessment(v types.AssessmentRecord) types.AssessmentRecord {
	v.Feedback.Strengths = slices.Clone(v.Feedback.Strengths)
	v.Feedback.Improvements = slices.Clone(v.Feedback.Improvements)
	v.Feedback.GoalAttainment = slices.Clone(v.Feedback.GoalAttainment)
	return v
}

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(_ context.Context, sess *types.Session) error {
	store.PrepareSession(sess)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.sessions[sess.ID] = cloneSession(*sess)
	return nil
}

// UpdateSession implements [store.SessionStore].
func (s *Store) UpdateSession(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	old, ok := s.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	sess.OwnerID = old.OwnerID
	sess.CreatedAt = old.CreatedAt
	sess.UpdatedAt = store.Now()
	sess.CompletedSteps = store.SortedSteps(sess.CompletedSteps)
	s.sessions[sess.ID] = cloneSession(*sess)
	return nil
}

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(_ context.Context, id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sessions[id]
	if !ok {
		return types.Session{}, store.ErrNotFound
	}
	return cloneSession(v), nil
}

// DeleteSession implements [store.SessionStore].
func (s *Store) DeleteSession(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sessions[id]
	if !ok || v.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(_ context.Context, ownerID string, limit int) ([]types.Session, error) {
	s.mu.RLock()
	var out []types.Session
	for _, v := range s.sessions {
		if v.OwnerID == ownerID {
			out = append(out, cloneSession(v))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertCompletion implements [store.CompletionStore].
func (s *Store) InsertCompletion(_ context.Context, c *types.CompletionRecord) error {
	store.PrepareCompletion(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.completions[c.ID] = cloneCompletion(*c)
	return nil
}

// GetCompletion implements [store.CompletionStore].
func (s *Store) GetCompletion(_ context.Context, id string) (types.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.completions[id]
	if !ok {
		return types.CompletionRecord{}, store.ErrNotFound
	}
	return cloneCompletion(v), nil
}

// CompletionsByOwner implements [store.CompletionStore].
func (s *Store) CompletionsByOwner(_ context.Context, ownerID string) ([]types.CompletionRecord, error) {
	s.mu.RLock()
	var out []types.CompletionRecord
	for _, v := range s.completions {
		if v.OwnerID == ownerID {
			out = append(out, cloneCompletion(v))
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b types.CompletionRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// LinkCompletionAssessment implements [store.CompletionStore].
func (s *Store) LinkCompletionAssessment(_ context.Context, id, assessmentID string) error {
	return s.updateCompletion(id, func(c *types.CompletionRecord) { c.AssessmentID = assessmentID })
}

// SetCompletionFeedback implements [store.CompletionStore].
func (s *Store) SetCompletionFeedback(_ context.Context, id, feedback string) error {
	return s.updateCompletion(id, func(c *types.CompletionRecord) { c.Feedback = feedback })
}

func (s *Store) updateCompletion(id string, fn func(*types.CompletionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.completions[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&v)
	s.completions[id] = v
	return nil
}

// InsertAssessment implements [store.AssessmentStore].
func (s *Store) InsertAssessment(_ context.Context, a *types.AssessmentRecord) error {
	store.PrepareAssessment(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.assessments[a.ID] = cloneAssessment(*a)
	return nil
}

// GetAssessment implements [store.AssessmentStore].
func (s *Store) GetAssessment(_ context.Context, id string) (types.AssessmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.assessments[id]
	if !ok {
		return types.AssessmentRecord{}, store.ErrNotFound
	}
	return cloneAssessment(v), nil
}

// AssessmentsBySession implements [store.AssessmentStore].
func (s *Store) AssessmentsBySession(_ context.Context, sessionID string) ([]types.AssessmentRecord, error) {
	return s.assessmentsWhere(func(a types.AssessmentRecord) bool { return a.SessionID == sessionID }), nil
}

// AssessmentsByOwner implements [store.AssessmentStore].
func (s *Store) AssessmentsByOwner(_ context.Context, ownerID string) ([]types.AssessmentRecord, error) {
	return s.assessmentsWhere(func(a types.AssessmentRecord) bool { return a.OwnerID == ownerID }), nil
}

func (s *Store) assessmentsWhere(keep func(types.AssessmentRecord) bool) []types.AssessmentRecord {
	s.mu.RLock()
	var out []types.AssessmentRecord
	for _, v := range s.assessments {
		if keep(v) {
			out = append(out, cloneAssessment(v))
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b types.AssessmentRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Close implements [store.Store]. It is a no-op.
func (s *Store) Close() error { return nil }
