package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// feedbackWindow is how many trailing user lines the coach reads.
const feedbackWindow = 10

const roleplayFeedbackSystem = `You are a supportive language coach. Give brief, actionable feedback on the user's dialogue in this scenario.

Rules:
1. Name one concrete STRENGTH: refer to something they said or did well (e.g. "You used 'I'd like to...' well" or "You asked for the address clearly").
2. Give one concrete SUGGESTION for next time, tied to the scenario goal (e.g. if the goal was to book a taxi, suggest asking about price or confirming the time).
3. Suggest one USEFUL PHRASE in English they could remember for this type of situation (a typical sentence), and its RUSSIAN translation.
4. If this scenario uses slang/profanity settings, add one short STYLE NOTE about register control and appropriateness.
5. If user used very aggressive language, provide one neutral rewrite line.
Respond ONLY with valid JSON, no markdown, no other text:
{"feedback": "1-2 short sentences in Russian or English: strength + suggestion.", "useful_phrase": "one typical phrase in English for this situation", "useful_phrase_ru": "translation of useful_phrase in Russian. Empty string if useful_phrase is empty.", "style_note": "short note about slang/profanity appropriateness. Empty string if not applicable.", "rewrite_neutral": "one short neutral rewrite for a rough line. Empty string if not applicable."}`

const debateFeedbackSystem = `You are a supportive English debate coach. Give brief, actionable feedback on the user's debate performance.

Rules:
1. Identify one concrete STRENGTH and one concrete IMPROVEMENT opportunity.
2. Use SBI format for both strength and improvement:
   - situation: where in the debate it happened
   - behavior: what exactly the user did
   - impact: why it helped / what to improve
3. Keep language practical and specific, no generic advice.
4. Suggest one NEXT-TRY phrase in English and its Russian translation.
5. If slang/profanity settings are enabled, evaluate register control and appropriateness briefly.
6. Penalize random profanity with no communicative purpose; reward controlled style switching.

Respond ONLY with valid JSON, no markdown, no other text:
{
  "feedback_short_ru": "1-2 short sentences in Russian: strength + suggestion",
  "strength_sbi": {"situation": "string", "behavior": "string", "impact": "string"},
  "improvement_sbi": {"situation": "string", "behavior": "string", "impact": "string"},
  "next_try_phrase_en": "one useful debate phrase in English",
  "next_try_phrase_ru": "translation to Russian"
}`

// userLines returns the last n non-empty user messages.
func userLines(msgs []types.Message, n int) []string {
	var lines []string
	for _, m := range msgs {
		if m.Role != types.RoleUser {
			continue
		}
		if c := strings.TrimSpace(m.Content); c != "" {
			lines = append(lines, c)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func styleBlock(label string, st *dialogue.StyleSettings) string {
	var s dialogue.StyleSettings
	if st != nil {
		s = *st
	}
	s = s.Normalized()
	return fmt.Sprintf("%s style settings:\n- slang_mode: %s\n- allow_profanity: %t\n- ai_may_use_profanity: %t\n- profanity_intensity: %s\n",
		label, s.SlangMode, s.AllowProfanity, s.AIMayUseProfanity, s.ProfanityIntensity)
}

func roleplayFeedbackPrompt(req dialogue.FeedbackRequest, lines []string) string {
	title := req.ScenarioTitle
	if title == "" {
		title = "Roleplay"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s.", title)
	if g := strings.TrimSpace(req.Goal); g != "" {
		fmt.Fprintf(&b, "\nScenario goal (what the user was supposed to achieve): %s\n", g)
	}
	b.WriteString("\n\n")
	b.WriteString(styleBlock("Roleplay", req.RoleplaySettings))
	b.WriteString("\nUser's dialogue lines (transcript):\n")
	b.WriteString(strings.Join(lines, "\n---\n"))
	b.WriteString("\n\nReturn JSON with \"feedback\" and \"useful_phrase\".")
	return b.String()
}

func debateFeedbackPrompt(req dialogue.FeedbackRequest, lines []string) string {
	var b strings.Builder
	b.WriteString("Debate")
	if req.Topic != "" {
		pos := req.UserPosition
		if pos == "" {
			pos = "unknown"
		}
		fmt.Fprintf(&b, "\nDebate topic: %s\nUser position: %s\n", req.Topic, pos)
	}
	b.WriteString("\n")
	b.WriteString(styleBlock("Debate", req.RoleplaySettings))
	b.WriteString("User's debate arguments (transcript):\n")
	b.WriteString(strings.Join(lines, "\n---\n"))
	b.WriteString("\n\nReturn JSON with the required keys: feedback_short_ru, strength_sbi, improvement_sbi, next_try_phrase_en, next_try_phrase_ru.")
	return b.String()
}

// coachRequest decodes a feedback body and picks the user lines. It writes
// the 400 itself and reports false when the request cannot be coached.
func coachRequest(w http.ResponseWriter, r *http.Request) (dialogue.FeedbackRequest, []string, bool) {
	var req dialogue.FeedbackRequest
	if !decodeJSON(w, r, &req) {
		return req, nil, false
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages array is required")
		return req, nil, false
	}
	lines := userLines(req.Messages, feedbackWindow)
	if len(lines) == 0 {
		writeError(w, http.StatusBadRequest, "No user messages to evaluate")
		return req, nil, false
	}
	return req, lines, true
}

func (s *Server) handleRoleplayFeedback(w http.ResponseWriter, r *http.Request) {
	req, lines, ok := coachRequest(w, r)
	if !ok {
		return
	}
	out, err := s.roleplayCoach(r.Context(), req, lines)
	if err != nil {
		observe.Logger(r.Context()).Error("feedback: roleplay coach failed", "err", err)
		writeError(w, http.StatusBadGateway, "Roleplay feedback failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDebateFeedback(w http.ResponseWriter, r *http.Request) {
	req, lines, ok := coachRequest(w, r)
	if !ok {
		return
	}
	out, err := s.debateCoach(r.Context(), req, lines)
	if err != nil {
		observe.Logger(r.Context()).Error("feedback: debate coach failed", "err", err)
		writeError(w, http.StatusBadGateway, "Debate feedback failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// roleplayCoach asks the model for roleplay or freestyle coaching. A reply
// that is not the expected JSON becomes the feedback text as is.
func (s *Server) roleplayCoach(ctx context.Context, req dialogue.FeedbackRequest, lines []string) (dialogue.RoleplayFeedback, error) {
	prompt := roleplayFeedbackPrompt(req, lines)
	reply, err := s.complete(ctx, llm.CompletionRequest{
		SystemPrompt: roleplayFeedbackSystem,
		Messages:     []types.Message{{Role: types.RoleUser, Content: prompt}},
		MaxTokens:    280,
		Temperature:  0.4,
	})
	if err != nil {
		return dialogue.RoleplayFeedback{}, fmt.Errorf("server: roleplay coach: %w", err)
	}

	var out dialogue.RoleplayFeedback
	if err := extractJSON(reply, s.feedbackSchema, &out); err != nil {
		observe.Logger(ctx).Warn("feedback: unstructured roleplay reply", "err", err)
		out = dialogue.RoleplayFeedback{Feedback: reply}
	}
	out = trimRoleplay(out)
	out.ScenarioID = req.ScenarioID
	out.ScenarioTitle = req.ScenarioTitle
	return out, nil
}

// debateCoach asks the model for SBI coaching on a debate.
func (s *Server) debateCoach(ctx context.Context, req dialogue.FeedbackRequest, lines []string) (dialogue.DebateFeedback, error) {
	prompt := debateFeedbackPrompt(req, lines)
	reply, err := s.complete(ctx, llm.CompletionRequest{
		SystemPrompt: debateFeedbackSystem,
		Messages:     []types.Message{{Role: types.RoleUser, Content: prompt}},
		MaxTokens:    420,
		Temperature:  0.4,
	})
	if err != nil {
		return dialogue.DebateFeedback{}, fmt.Errorf("server: debate coach: %w", err)
	}

	var out dialogue.DebateFeedback
	if err := extractJSON(reply, s.debateSchema, &out); err != nil {
		observe.Logger(ctx).Warn("feedback: unstructured debate reply", "err", err)
		out = dialogue.DebateFeedback{FeedbackShortRu: reply}
	}
	out = settleDebate(out)
	out.Topic = req.Topic
	out.UserPosition = req.UserPosition
	return out, nil
}

func trimRoleplay(f dialogue.RoleplayFeedback) dialogue.RoleplayFeedback {
	f.Feedback = strings.TrimSpace(f.Feedback)
	f.UsefulPhrase = strings.TrimSpace(f.UsefulPhrase)
	f.UsefulPhraseRu = strings.TrimSpace(f.UsefulPhraseRu)
	f.StyleNote = strings.TrimSpace(f.StyleNote)
	f.RewriteNeutral = strings.TrimSpace(f.RewriteNeutral)
	return f
}

func trimSBI(s dialogue.SBI) dialogue.SBI {
	return dialogue.SBI{
		Situation: strings.TrimSpace(s.Situation),
		Behavior:  strings.TrimSpace(s.Behavior),
		Impact:    strings.TrimSpace(s.Impact),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// settleDebate fills the v2 fields from legacy keys the model may have used
// and mirrors them back into the legacy fields.
func settleDebate(f dialogue.DebateFeedback) dialogue.DebateFeedback {
	f.FeedbackShortRu = firstNonEmpty(f.FeedbackShortRu, f.Feedback)
	f.NextTryPhraseEn = firstNonEmpty(f.NextTryPhraseEn, f.UsefulPhrase)
	f.NextTryPhraseRu = firstNonEmpty(f.NextTryPhraseRu, f.UsefulPhraseRu)
	f.Strength = trimSBI(f.Strength)
	f.Improvement = trimSBI(f.Improvement)
	f.Feedback = f.FeedbackShortRu
	f.UsefulPhrase = f.NextTryPhraseEn
	f.UsefulPhraseRu = f.NextTryPhraseRu
	return f
}
