package server

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// fuzzyStepThreshold is the minimum Jaro-Winkler similarity for a model id to
// count as a known step id.
const fuzzyStepThreshold = 0.92

const stepCheckSystem = `You are a step checker for a roleplay scenario. Your job is to output a JSON object with one key: "completedStepIds" (array of step identifiers that the user has completed in the conversation).

Rules:
- For steps that require CONCRETE information (e.g. pickup address, destination, time, confirmation of booking): the user must have actually stated that information. Mere "hello" or "I need a taxi" without address/destination does NOT count.
- For steps that mean "start a conversation about X" / "begin discussing X" / "bring up topic X": the step IS completed when the user has clearly introduced or raised the topic X in their message(s), even if they started with a greeting. The assistant replying on the same topic confirms the step.
- If a step has criteria, treat those criteria as mandatory. Do not mark the step unless criteria are satisfied.
- For other step types: include the step if the user's messages clearly satisfy what the step requires.
- If the evidence is ambiguous or weak, do NOT mark the step completed.
- For "completedStepIds" use EITHER the exact "id" from the step list OR the position: "step1", "step2", "step3" for 1st/2nd/3rd step, or "1", "2", "3".
- Output ONLY the JSON object, nothing else. Example: {"completedStepIds":["step1","step2"]} or {"completedStepIds":["pickup","destination"]}`

var positionRe = regexp.MustCompile(`(?i)^(?:step\s*_?\s*)?(\d+)$`)

func stepTitle(s types.StepDefinition) string {
	switch {
	case s.TitleRu != "":
		return s.TitleRu
	case s.TitleEn != "":
		return s.TitleEn
	}
	return string(s.ID)
}

func stepCriteria(s types.StepDefinition) string {
	c := s.Criteria
	if c == nil {
		return ""
	}
	var parts []string
	if c.MinUserTurns > 0 {
		parts = append(parts, fmt.Sprintf("min_user_turns=%d", c.MinUserTurns))
	}
	if c.MinSentences > 0 {
		parts = append(parts, fmt.Sprintf("min_sentences=%d", c.MinSentences))
	}
	if len(c.RequiredMarkers) > 0 {
		parts = append(parts, "required_markers=["+strings.Join(c.RequiredMarkers, ", ")+"]")
	}
	if c.MustReferenceOpponent {
		parts = append(parts, "must_reference_opponent=true")
	}
	if h := strings.TrimSpace(c.EvidenceHint); h != "" {
		parts = append(parts, fmt.Sprintf("evidence_hint=%q", h))
	}
	if len(parts) == 0 {
		return ""
	}
	return " | criteria: " + strings.Join(parts, "; ")
}

// stepCheckPrompt renders the step list and the conversation including the
// fresh reply.
func stepCheckPrompt(steps []types.StepDefinition, history []types.Message, reply string) string {
	var b strings.Builder
	b.WriteString("Steps (what each step means):\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "Step %d (id: %s): %s%s\n", i+1, s.ID, stepTitle(s), stepCriteria(s))
	}
	b.WriteString("\nConversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "%s: %s", types.RoleAssistant, reply)
	return b.String()
}

// checkSteps asks the model which steps the conversation completed.
func (s *Server) checkSteps(ctx context.Context, steps []types.StepDefinition, history []types.Message, reply string) ([]types.StepID, error) {
	prompt := stepCheckPrompt(steps, history, reply)
	out, err := s.complete(ctx, llm.CompletionRequest{
		SystemPrompt: stepCheckSystem,
		Messages:     []types.Message{{Role: types.RoleUser, Content: prompt}},
		MaxTokens:    s.settings().CheckerMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("server: step check: %w", err)
	}

	var parsed struct {
		CompletedStepIDs []json.RawMessage `json:"completedStepIds"`
	}
	if err := extractJSON(out, s.stepSchema, &parsed); err != nil {
		return nil, fmt.Errorf("server: step check: %w", err)
	}
	raw := make([]string, 0, len(parsed.CompletedStepIDs))
	for _, r := range parsed.CompletedStepIDs {
		var str string
		if json.Unmarshal(r, &str) == nil {
			raw = append(raw, str)
			continue
		}
		var n json.Number
		if json.Unmarshal(r, &n) == nil {
			raw = append(raw, n.String())
		}
	}
	return NormalizeStepIDs(raw, steps), nil
}

// NormalizeStepIDs maps the ids a model returned onto known step ids. Each
// raw id is tried as an exact id, then case- and space-insensitively, then
// as a 1-based position ("step_2", "2"), then by Jaro-Winkler similarity of
// at least 0.92. Unmatched ids are dropped and the result holds each step at
// most once, in the order first matched.
func NormalizeStepIDs(raw []string, steps []types.StepDefinition) []types.StepID {
	out := make([]types.StepID, 0, len(raw))
	seen := make(map[types.StepID]bool, len(raw))
	add := func(id types.StepID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if id, ok := matchStep(r, steps); ok {
			add(id)
		}
	}
	return out
}

func squash(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

func matchStep(r string, steps []types.StepDefinition) (types.StepID, bool) {
	for _, s := range steps {
		if string(s.ID) == r {
			return s.ID, true
		}
	}
	sr := squash(r)
	for _, s := range steps {
		if squash(string(s.ID)) == sr {
			return s.ID, true
		}
	}
	if m := positionRe.FindStringSubmatch(r); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(steps) {
			return steps[n-1].ID, true
		}
	}
	var (
		best  types.StepID
		score float64
	)
	for _, s := range steps {
		if v := matchr.JaroWinkler(sr, squash(string(s.ID)), false); v > score {
			best, score = s.ID, v
		}
	}
	if score >= fuzzyStepThreshold {
		return best, true
	}
	return "", false
}

// complete runs a non-streaming completion and meters it. Reported usage
// wins; without it tokens are estimated from the text.
func (s *Server) complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	resp, err := s.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}
	u := billing.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		in := req.SystemPrompt
		for _, m := range req.Messages {
			in += m.Content
		}
		u = billing.Usage{InputTokens: billing.EstimateTokens(in), OutputTokens: billing.EstimateTokens(resp.Content)}
	}
	s.meter.Charge(ctx, billing.ServiceChat, u)
	return resp.Content, nil
}
