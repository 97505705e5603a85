package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// Speaking formats accepted by the scorer.
const (
	FormatDialogue     = "dialogue"
	FormatMonologue    = "monologue"
	FormatPresentation = "presentation"
	FormatDebate       = "debate"
)

// maxAssessGoals bounds the micro goals tracked per assessment.
const maxAssessGoals = 3

type microGoalRef struct {
	GoalID    string `json:"goal_id"`
	GoalLabel string `json:"goal_label"`
}

type assessRequest struct {
	Messages         []types.Message         `json:"messages"`
	ScenarioID       string                  `json:"scenario_id"`
	ScenarioTitle    string                  `json:"scenario_title"`
	Format           string                  `json:"format"`
	SessionID        string                  `json:"agent_session_id"`
	Goal             string                  `json:"goal"`
	Steps            []json.RawMessage       `json:"steps"`
	Topic            string                  `json:"topic"`
	UserPosition     string                  `json:"user_position"`
	MicroGoals       []microGoalRef          `json:"micro_goals"`
	RoleplaySettings *dialogue.StyleSettings `json:"roleplay_settings"`
}

type assessResponse struct {
	ID            string                   `json:"id"`
	Criteria      types.CriterionScores    `json:"criteria_scores"`
	OverallScore  float64                  `json:"overall_score"`
	Feedback      types.AssessmentFeedback `json:"feedback"`
	UserMessages  []string                 `json:"user_messages"`
	Format        string                   `json:"format"`
	ScenarioID    string                   `json:"scenario_id,omitempty"`
	ScenarioTitle string                   `json:"scenario_title,omitempty"`
	SessionID     string                   `json:"agent_session_id,omitempty"`
}

// rawScores is the model's criteria block. Absent scores stay nil.
type rawScores struct {
	Fluency           *float64 `json:"fluency"`
	VocabularyGrammar *float64 `json:"vocabulary_grammar"`
	Pronunciation     *float64 `json:"pronunciation"`
	Completeness      *float64 `json:"completeness"`
	DialogueSkills    *float64 `json:"dialogue_skills"`
}

type rawAssessment struct {
	Criteria rawScores                 `json:"criteria_scores"`
	Feedback *types.AssessmentFeedback `json:"feedback"`
}

// ClampScore rounds v to an integer in 1..10. A missing or non-finite score
// counts as 5.
func ClampScore(v *float64) int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 5
	}
	return int(min(10, max(1, math.Round(*v))))
}

// OverallScore is the mean of the five criteria rounded to one decimal.
func OverallScore(c types.CriterionScores) float64 {
	sum := c.Fluency + c.VocabularyGrammar + c.Pronunciation + c.Completeness + c.DialogueSkills
	return math.Round(float64(sum)/5*10) / 10
}

func assessFormat(f string) string {
	switch f {
	case FormatDialogue, FormatMonologue, FormatPresentation, FormatDebate:
		return f
	}
	return FormatDialogue
}

// stepLabel accepts a step as a plain string or as a step object.
func stepLabel(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		TitleEn string `json:"titleEn"`
		TitleRu string `json:"titleRu"`
		Title   string `json:"title"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return firstNonEmpty(obj.TitleEn, obj.TitleRu, obj.Title)
	}
	return ""
}

func microGoals(in []microGoalRef) []microGoalRef {
	out := make([]microGoalRef, 0, maxAssessGoals)
	for _, g := range in {
		if g.GoalID == "" {
			continue
		}
		out = append(out, g)
		if len(out) == maxAssessGoals {
			break
		}
	}
	return out
}

func scenarioContext(req assessRequest) string {
	var labels []string
	for _, raw := range req.Steps {
		if l := stepLabel(raw); l != "" {
			labels = append(labels, l)
		}
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" && len(labels) == 0 {
		return ""
	}
	parts := []string{"SCENARIO CONTEXT (use this to judge completeness and dialogue_skills):"}
	if goal != "" {
		parts = append(parts, "Goal: "+goal)
	}
	if len(labels) > 0 {
		parts = append(parts, "Expected from the user: "+strings.Join(labels, "; "))
	}
	return strings.Join(parts, "\n")
}

const completenessGuidance = "\nFor completeness and dialogue_skills: if the user addressed the scenario goal and the expected steps " +
	"(gave required information, reacted, asked questions, took turns), give 8-10. Do not mark as 'insufficiently " +
	"informative' or suggest 'give more complete answers' when they followed the scenario."

const debateGuidance = `
If format is 'debate':
- Evaluate argumentation quality: logical structure, use of examples, clarity of reasoning
- Evaluate counter-argument responses: did they address opponent's points directly? Did they challenge the opponent's logic?
- Evaluate debate phrases: use of connectors ("However", "Moreover", "On the other hand", "I disagree because", "That's not entirely true")
- Evaluate position defense: how well did they maintain and defend their position? Did they stay consistent?
- For completeness: did they present their position clearly, provide main arguments, respond to counter-arguments, and defend their stance?
- For dialogue_skills: did they engage in back-and-forth debate, listen to opponent's points, and respond appropriately?
`

const slangGuidance = `
If this session uses slang/profanity settings:
- Evaluate appropriateness: slang/profanity should match context and not replace meaning.
- Penalize random swearing without communicative purpose.
- Reward controlled register switching and clear intent under emotional tone.
- Add one concise style advice in "improvements" when needed.
`

const assessShape = `

Return ONLY valid JSON, no markdown:
{
  "criteria_scores": {
    "fluency": 1-10,
    "vocabulary_grammar": 1-10,
    "pronunciation": 1-10,
    "completeness": 1-10,
    "dialogue_skills": 1-10
  },
  "overall_score": 1-10,
  "feedback": {
    "strengths": ["string"],
    "improvements": ["string"],
    "summary": "string",
    "goal_attainment": [
      {
        "goal_id": "string",
        "goal_label": "string",
        "achieved": true,
        "evidence": "short proof from transcript",
        "suggestion": "short next-step suggestion"
      }
    ]
  }
}`

const assessRubric = `You are an expert English speaking assessor (TEFL/TESOL). Evaluate the user's spoken English from the TRANSCRIPT of their messages in a conversation.

RUBRIC (1-10 each):
1. fluency: smooth speech, minimal pauses/hesitations, natural pace
2. vocabulary_grammar: variety of words, correct grammar, errors don't block understanding
3. pronunciation: clarity (assume transcript reflects intended pronunciation; evaluate word choice/phonetic plausibility from spelling)
4. completeness: topic coverage, logical structure, full answers (for roleplay: did they cover what the scenario required?)
5. dialogue_skills: (for dialogues) listening, reacting, asking questions, turn-taking
`

func assessSystemPrompt(format, scenario string, style dialogue.StyleSettings, topic string, goals []microGoalRef) string {
	var b strings.Builder
	b.WriteString(assessRubric)
	if scenario != "" {
		b.WriteString(completenessGuidance)
	}
	if format == FormatDebate && topic != "" {
		b.WriteString(debateGuidance)
	}
	if (format == FormatDialogue || format == FormatDebate) && (style.SlangMode != dialogue.SlangOff || style.AllowProfanity) {
		b.WriteString(slangGuidance)
	}
	b.WriteString(assessShape)
	if format == FormatDebate && len(goals) > 0 {
		b.WriteString("\nMICRO-GOALS (track these explicitly):\n")
		for i, g := range goals {
			fmt.Fprintf(&b, "%d. %s (id: %s)\n", i+1, firstNonEmpty(g.GoalLabel, g.GoalID), g.GoalID)
		}
		b.WriteString("\nFor each micro-goal, determine whether the user achieved it in the transcript and include concise evidence.\n")
	}
	return b.String()
}

func assessUserPrompt(req assessRequest, format, scenario string, style dialogue.StyleSettings, goals []microGoalRef, lines []string) string {
	var b strings.Builder
	if req.ScenarioTitle != "" {
		fmt.Fprintf(&b, "Scenario: %s. ", req.ScenarioTitle)
	}
	if scenario != "" {
		b.WriteString("\n\n" + scenario + "\n\n")
	}
	if format == FormatDebate && req.Topic != "" {
		fmt.Fprintf(&b, "Debate topic: %s. ", req.Topic)
		if req.UserPosition != "" {
			fmt.Fprintf(&b, "User position: %s. ", req.UserPosition)
		}
	}
	if format == FormatDebate && len(goals) > 0 {
		refs := make([]string, len(goals))
		for i, g := range goals {
			refs[i] = g.GoalID
			if g.GoalLabel != "" {
				refs[i] += " (" + g.GoalLabel + ")"
			}
		}
		fmt.Fprintf(&b, "\nMicro goals: %s. ", strings.Join(refs, ", "))
	}
	fmt.Fprintf(&b, "Format: %s.\n\n", format)
	b.WriteString(styleBlock("Roleplay", &style))
	b.WriteString("\nTRANSCRIPT (user messages only):\n")
	b.WriteString(strings.Join(lines, "\n---\n"))
	b.WriteString("\n\nEvaluate and return JSON only.")
	return b.String()
}

// handleAssess scores the user's side of a conversation and stores the
// result as an assessment record.
func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages array is required")
		return
	}
	lines := userLines(req.Messages, len(req.Messages))
	if len(lines) == 0 {
		writeError(w, http.StatusBadRequest, "No user messages to assess")
		return
	}
	ctx := r.Context()
	log := observe.Logger(ctx)

	format := assessFormat(req.Format)
	var style dialogue.StyleSettings
	if req.RoleplaySettings != nil {
		style = *req.RoleplaySettings
	}
	style = style.Normalized()
	goals := microGoals(req.MicroGoals)
	scenario := scenarioContext(req)

	system := assessSystemPrompt(format, scenario, style, req.Topic, goals)
	prompt := assessUserPrompt(req, format, scenario, style, goals, lines)
	reply, err := s.complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []types.Message{{Role: types.RoleUser, Content: prompt}},
		MaxTokens:    800,
		Temperature:  0.3,
	})
	if err != nil {
		log.Error("assess: scorer failed", "err", err)
		writeError(w, http.StatusBadGateway, "Assessment failed")
		return
	}

	var parsed rawAssessment
	if err := extractJSON(reply, s.assessSchema, &parsed); err != nil {
		log.Error("assess: unusable scorer reply", "err", err, "reply", truncate(reply, 300))
		writeError(w, http.StatusInternalServerError, "Assessment parsing failed")
		return
	}

	rec := types.AssessmentRecord{
		OwnerID:   s.ownerID,
		SessionID: req.SessionID,
		Format:    format,
		Criteria: types.CriterionScores{
			Fluency:           ClampScore(parsed.Criteria.Fluency),
			VocabularyGrammar: ClampScore(parsed.Criteria.VocabularyGrammar),
			Pronunciation:     ClampScore(parsed.Criteria.Pronunciation),
			Completeness:      ClampScore(parsed.Criteria.Completeness),
			DialogueSkills:    ClampScore(parsed.Criteria.DialogueSkills),
		},
		Feedback: cleanFeedback(parsed.Feedback),
	}
	rec.OverallScore = OverallScore(rec.Criteria)
	store.PrepareAssessment(&rec)
	if err := s.store.InsertAssessment(ctx, &rec); err != nil {
		log.Warn("assess: store failed", "err", err)
		s.metrics.RecordPersistError(ctx, "insert_assessment")
	}

	writeJSON(w, http.StatusOK, assessResponse{
		ID:            rec.ID,
		Criteria:      rec.Criteria,
		OverallScore:  rec.OverallScore,
		Feedback:      rec.Feedback,
		UserMessages:  lines,
		Format:        format,
		ScenarioID:    req.ScenarioID,
		ScenarioTitle: req.ScenarioTitle,
		SessionID:     req.SessionID,
	})
}

// cleanFeedback drops goal entries without an id and replaces nil lists with
// empty ones.
func cleanFeedback(f *types.AssessmentFeedback) types.AssessmentFeedback {
	var out types.AssessmentFeedback
	if f != nil {
		out = *f
	}
	goals := make([]types.GoalAttainment, 0, len(out.GoalAttainment))
	for _, g := range out.GoalAttainment {
		if g.GoalID != "" {
			goals = append(goals, g)
		}
	}
	out.GoalAttainment = goals
	if out.Strengths == nil {
		out.Strengths = []string{}
	}
	if out.Improvements == nil {
		out.Improvements = []string{}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
