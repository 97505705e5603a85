// Package types defines the shared data model used across all parley packages.
//
// These types are the common vocabulary between the turn controller, the mode
// layer, the persistence reconciler, the stores and the dialogue server. Each
// package keeps its own domain types, but cross-cutting records live here to
// avoid circular imports.
package types

import (
	"slices"
	"time"
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry of a conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Mode selects how a conversation is framed for the language model.
type Mode string

const (
	ModeFreestyle Mode = "freestyle"
	ModeRoleplay  Mode = "roleplay"
	ModeDebate    Mode = "debate"
)

// IsValid reports whether m is one of the known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFreestyle, ModeRoleplay, ModeDebate:
		return true
	}
	return false
}

// StepID identifies one checklist item of a roleplay scenario or debate tier.
type StepID string

// CompletionCriteria tightens what the step checker accepts as evidence that a
// step is done. Zero values mean "no constraint".
type CompletionCriteria struct {
	MinUserTurns          int      `json:"min_user_turns,omitempty" yaml:"min_user_turns"`
	MinSentences          int      `json:"min_sentences,omitempty" yaml:"min_sentences"`
	RequiredMarkers       []string `json:"required_markers,omitempty" yaml:"required_markers"`
	MustReferenceOpponent bool     `json:"must_reference_opponent,omitempty" yaml:"must_reference_opponent"`
	EvidenceHint          string   `json:"evidence_hint_en,omitempty" yaml:"evidence_hint_en"`
}

// StepDefinition is one ordered item of a step checklist. Catalog data; the
// controller never mutates it.
type StepDefinition struct {
	ID       StepID              `json:"id" yaml:"id"`
	Order    int                 `json:"order" yaml:"order"`
	TitleRu  string              `json:"titleRu" yaml:"title_ru"`
	TitleEn  string              `json:"titleEn,omitempty" yaml:"title_en"`
	Criteria *CompletionCriteria `json:"completionCriteria,omitempty" yaml:"completion_criteria"`
}

// StepSet is a membership-only set of completed step ids.
type StepSet map[StepID]struct{}

// NewStepSet builds a set from ids. Duplicates collapse.
func NewStepSet(ids ...StepID) StepSet {
	s := make(StepSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s StepSet) Has(id StepID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members sorted ascending, for stable persistence.
func (s StepSet) IDs() []StepID {
	out := make([]StepID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ContainsAll reports whether every step in defs is present in s.
func (s StepSet) ContainsAll(defs []StepDefinition) bool {
	for _, d := range defs {
		if !s.Has(d.ID) {
			return false
		}
	}
	return true
}

// ScenarioLink carries the roleplay linkage fields of a [Session].
type ScenarioLink struct {
	ScenarioID    string `json:"scenario_id"`
	ScenarioTitle string `json:"scenario_title"`
}

// DebateLink carries the debate linkage fields of a [Session].
type DebateLink struct {
	Topic            string `json:"topic"`
	UserPosition     string `json:"user_position"`
	AIPosition       string `json:"ai_position"`
	Difficulty       string `json:"difficulty"`
	TopicSource      string `json:"topic_source"`
	TopicOriginal    string `json:"topic_original"`
	TopicNormalized  string `json:"topic_normalized"`
	TopicLanguage    string `json:"topic_language"`
	ValidationStatus string `json:"validation_status"`
}

// Session is one persisted conversation.
type Session struct {
	ID       string        `json:"id"`
	OwnerID  string        `json:"owner_id"`
	Mode     Mode          `json:"mode"`
	Title    string        `json:"title"`
	Messages []Message     `json:"messages"`
	Scenario *ScenarioLink `json:"scenario,omitempty"`
	Debate   *DebateLink   `json:"debate,omitempty"`

	// CompletedSteps is order-irrelevant; stores persist it sorted.
	CompletedSteps []StepID `json:"completed_step_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompletionRecord states that a roleplay or debate attempt reached its goal.
// It is written once per finished attempt and is queried independently of the
// live [Session].
type CompletionRecord struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Mode           Mode          `json:"mode"`
	SessionID      string        `json:"agent_session_id,omitempty"`
	Scenario       *ScenarioLink `json:"scenario,omitempty"`
	Debate         *DebateLink   `json:"debate,omitempty"`
	CompletedSteps []StepID      `json:"completed_step_ids"`

	// AssessmentID is the explicit assessment owner id. Empty until linked.
	AssessmentID string `json:"assessment_id,omitempty"`

	// Feedback is the coaching text stored alongside the completion.
	Feedback string `json:"feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CriterionScores holds the per-criterion speaking scores, each in 1..10.
type CriterionScores struct {
	Fluency           int `json:"fluency"`
	VocabularyGrammar int `json:"vocabulary_grammar"`
	Pronunciation     int `json:"pronunciation"`
	Completeness      int `json:"completeness"`
	DialogueSkills    int `json:"dialogue_skills"`
}

// GoalAttainment reports whether one micro goal was reached.
type GoalAttainment struct {
	GoalID     string `json:"goal_id"`
	GoalLabel  string `json:"goal_label"`
	Achieved   bool   `json:"achieved"`
	Evidence   string `json:"evidence"`
	Suggestion string `json:"suggestion"`
}

// AssessmentFeedback is the free-text part of an [AssessmentRecord].
type AssessmentFeedback struct {
	Strengths      []string         `json:"strengths"`
	Improvements   []string         `json:"improvements"`
	Summary        string           `json:"summary"`
	GoalAttainment []GoalAttainment `json:"goal_attainment"`
}

// AssessmentRecord is produced out of band by the scorer. Its linkage fields
// are optional; the reconciler repairs missing links.
type AssessmentRecord struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"owner_id"`
	SessionID    string             `json:"agent_session_id,omitempty"`
	Format       string             `json:"format"`
	OverallScore float64            `json:"overall_score"`
	Criteria     CriterionScores    `json:"criteria_scores"`
	Feedback     AssessmentFeedback `json:"feedback"`
	CreatedAt    time.Time          `json:"created_at"`
}
