// Package storetest is a behavioural test suite shared by every
// [store.Store] backend.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises the [store.Store] contract against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, newStore(t)) })
	t.Run("Completions", func(t *testing.T) { testCompletions(t, newStore(t)) })
	t.Run("Assessments", func(t *testing.T) { testAssessments(t, newStore(t)) })
}

func testSessionLifecycle(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	sess := &types.Session{
		OwnerID:  "user-1",
		Mode:     types.ModeDebate,
		Title:    "Homework should be banned",
		Messages: []types.Message{{Role: types.RoleAssistant, Content: "Let's start."}},
		Debate: &types.DebateLink{
			Topic: "Homework should be banned", UserPosition: "for", AIPosition: "against",
			Difficulty: "medium", TopicSource: "custom", TopicLanguage: "en", ValidationStatus: "valid",
		},
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.CreatedAt.IsZero() {
		t.Fatalf("CreateSession did not assign id/timestamps: %+v", sess)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != sess.Title || got.Mode != types.ModeDebate || len(got.Messages) != 1 {
		t.Errorf("GetSession = %+v", got)
	}
	if got.Debate == nil || got.Debate.AIPosition != "against" || got.Scenario != nil {
		t.Errorf("linkage = %+v / %+v", got.Debate, got.Scenario)
	}
	if got.CompletedSteps == nil || len(got.CompletedSteps) != 0 {
		t.Errorf("completed steps = %#v, want empty non-nil", got.CompletedSteps)
	}

	sess.Messages = append(sess.Messages,
		types.Message{Role: types.RoleUser, Content: "I disagree."},
		types.Message{Role: types.RoleAssistant, Content: "Why?"})
	sess.CompletedSteps = []types.StepID{"opening"}
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 3 || got.Messages[2].Content != "Why?" {
		t.Errorf("messages after update = %+v", got.Messages)
	}
	if !slices.Equal(got.CompletedSteps, []types.StepID{"opening"}) {
		t.Errorf("steps after update = %v", got.CompletedSteps)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}

	missing := &types.Session{ID: store.NewID(), OwnerID: "user-1"}
	if err := s.UpdateSession(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateSession(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(ctx, missing.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}

	if err := s.DeleteSession(ctx, sess.ID, "someone-else"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteSession(wrong owner) = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSession(ctx, sess.ID, "user-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after delete = %v, want ErrNotFound", err)
	}
}

func testListSessions(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"first", "second", "third"} {
		sess := &types.Session{
			OwnerID:   "owner",
			Mode:      types.ModeFreestyle,
			Title:     title,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
		// Space the updated_at values deterministically.
		time.Sleep(2 * time.Millisecond)
	}
	other := &types.Session{OwnerID: "other", Mode: types.ModeFreestyle, Title: "x"}
	if err := s.CreateSession(ctx, other); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListSessions(ctx, "owner", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 || all[0].Title != "third" || all[2].Title != "first" {
		titles := make([]string, 0, len(all))
		for _, v := range all {
			titles = append(titles, v.Title)
		}
		t.Errorf("ListSessions order = %v, want [third second first]", titles)
	}
	two, err := s.ListSessions(ctx, "owner", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 {
		t.Errorf("limit 2 returned %d", len(two))
	}
}

func testCompletions(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	c := &types.CompletionRecord{
		OwnerID:        "user-1",
		Mode:           types.ModeRoleplay,
		SessionID:      "sess-1",
		Scenario:       &types.ScenarioLink{ScenarioID: "coffee-1", ScenarioTitle: "Coffee"},
		CompletedSteps: []types.StepID{"greet", "order"},
	}
	if err := s.InsertCompletion(ctx, c); err != nil {
		t.Fatalf("InsertCompletion: %v", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		t.Fatalf("InsertCompletion did not assign id/created_at")
	}

	if err := s.LinkCompletionAssessment(ctx, c.ID, "assess-9"); err != nil {
		t.Fatalf("LinkCompletionAssessment: %v", err)
	}
	if err := s.SetCompletionFeedback(ctx, c.ID, "Nice job"); err != nil {
		t.Fatalf("SetCompletionFeedback: %v", err)
	}
	got, err := s.GetCompletion(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCompletion: %v", err)
	}
	if got.AssessmentID != "assess-9" || got.Feedback != "Nice job" || got.SessionID != "sess-1" {
		t.Errorf("GetCompletion = %+v", got)
	}
	if got.Scenario == nil || got.Scenario.ScenarioID != "coffee-1" {
		t.Errorf("scenario link = %+v", got.Scenario)
	}
	if !slices.Equal(got.CompletedSteps, []types.StepID{"greet", "order"}) {
		t.Errorf("steps = %v", got.CompletedSteps)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, c.CreatedAt)
	}

	other := &types.CompletionRecord{OwnerID: "user-2", Mode: types.ModeDebate}
	later := &types.CompletionRecord{OwnerID: "user-1", Mode: types.ModeDebate, CreatedAt: c.CreatedAt.Add(time.Minute)}
	for _, r := range []*types.CompletionRecord{other, later} {
		if err := s.InsertCompletion(ctx, r); err != nil {
			t.Fatalf("InsertCompletion: %v", err)
		}
	}
	mine, err := s.CompletionsByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("CompletionsByOwner: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != c.ID || mine[1].ID != later.ID {
		t.Errorf("CompletionsByOwner = %+v, want oldest first", mine)
	}
	if mine[0].AssessmentID != "assess-9" {
		t.Errorf("listed record lost its link: %+v", mine[0])
	}
	if none, err := s.CompletionsByOwner(ctx, "nobody"); err != nil || len(none) != 0 {
		t.Errorf("CompletionsByOwner(nobody) = %v, %v", none, err)
	}

	if err := s.LinkCompletionAssessment(ctx, "nope", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("link missing = %v, want ErrNotFound", err)
	}
	if _, err := s.GetCompletion(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get missing = %v, want ErrNotFound", err)
	}
}

func testAssessments(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(owner, session string, offset time.Duration, score float64) *types.AssessmentRecord {
		return &types.AssessmentRecord{
			OwnerID:      owner,
			SessionID:    session,
			Format:       "roleplay",
			OverallScore: score,
			Criteria:     types.CriterionScores{Fluency: 7, VocabularyGrammar: 6, Pronunciation: 8, Completeness: 7, DialogueSkills: 9},
			Feedback: types.AssessmentFeedback{
				Strengths: []string{"clear"}, Improvements: []string{"articles"}, Summary: "good",
			},
			CreatedAt: base.Add(offset),
		}
	}
	recs := []*types.AssessmentRecord{
		mk("u1", "s1", 2*time.Hour, 7.4),
		mk("u1", "s1", time.Hour, 6.0),
		mk("u1", "", 3*time.Hour, 8.0),
		mk("u2", "s2", 0, 5.0),
	}
	for _, r := range recs {
		if err := s.InsertAssessment(ctx, r); err != nil {
			t.Fatalf("InsertAssessment: %v", err)
		}
	}

	bySession, err := s.AssessmentsBySession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 2 || bySession[0].OverallScore != 6.0 || bySession[1].OverallScore != 7.4 {
		t.Errorf("AssessmentsBySession = %+v", bySession)
	}

	byOwner, err := s.AssessmentsByOwner(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byOwner) != 3 || !byOwner[2].CreatedAt.Equal(base.Add(3*time.Hour)) {
		t.Errorf("AssessmentsByOwner = %+v", byOwner)
	}

	got, err := s.GetAssessment(ctx, recs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Criteria.DialogueSkills != 9 || got.Feedback.Summary != "good" || len(got.Feedback.Strengths) != 1 {
		t.Errorf("GetAssessment = %+v", got)
	}
	if _, err := s.GetAssessment(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetAssessment(missing) = %v, want ErrNotFound", err)
	}
}
