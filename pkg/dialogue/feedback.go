package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/types"
)

// Feedback routes.
const (
	RoleplayFeedbackPath = "/api/agent/roleplay-feedback"
	DebateFeedbackPath   = "/api/agent/debate-feedback"
)

// FeedbackRequest asks for coaching on a finished attempt. Scenario fields
// are read for roleplay and freestyle, debate fields for debates.
type FeedbackRequest struct {
	Mode     types.Mode      `json:"-"`
	Messages []types.Message `json:"messages"`

	ScenarioID    string `json:"scenario_id,omitempty"`
	ScenarioTitle string `json:"scenario_title,omitempty"`
	Goal          string `json:"goal,omitempty"`

	Topic        string `json:"topic,omitempty"`
	UserPosition string `json:"user_position,omitempty"`
	AIPosition   string `json:"ai_position,omitempty"`

	RoleplaySettings *StyleSettings `json:"roleplay_settings,omitempty"`
}

// RoleplayFeedback is the coaching returned for roleplay and freestyle.
type RoleplayFeedback struct {
	Feedback       string `json:"feedback"`
	UsefulPhrase   string `json:"useful_phrase,omitempty"`
	UsefulPhraseRu string `json:"useful_phrase_ru,omitempty"`
	StyleNote      string `json:"style_note,omitempty"`
	RewriteNeutral string `json:"rewrite_neutral,omitempty"`
	ScenarioID     string `json:"scenario_id,omitempty"`
	ScenarioTitle  string `json:"scenario_title,omitempty"`
}

// String renders f as display text.
func (f RoleplayFeedback) String() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(f.Feedback))
	line(&b, "Useful phrase", f.UsefulPhrase, f.UsefulPhraseRu)
	line(&b, "Style", f.StyleNote, "")
	line(&b, "Neutral version", f.RewriteNeutral, "")
	return strings.TrimSpace(b.String())
}

// SBI is one situation-behavior-impact observation.
type SBI struct {
	Situation string `json:"situation"`
	Behavior  string `json:"behavior"`
	Impact    string `json:"impact"`
}

func (s SBI) empty() bool { return s.Situation == "" && s.Behavior == "" && s.Impact == "" }

func (s SBI) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{s.Situation, s.Behavior, s.Impact} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// DebateFeedback is the coaching returned for debates. The legacy fields
// mirror [RoleplayFeedback] for older readers.
type DebateFeedback struct {
	FeedbackShortRu string `json:"feedback_short_ru"`
	Strength        SBI    `json:"strength_sbi"`
	Improvement     SBI    `json:"improvement_sbi"`
	NextTryPhraseEn string `json:"next_try_phrase_en,omitempty"`
	NextTryPhraseRu string `json:"next_try_phrase_ru,omitempty"`

	Feedback       string `json:"feedback,omitempty"`
	UsefulPhrase   string `json:"useful_phrase,omitempty"`
	UsefulPhraseRu string `json:"useful_phrase_ru,omitempty"`
	Topic          string `json:"topic,omitempty"`
	UserPosition   string `json:"user_position,omitempty"`
}

// String renders f as display text.
func (f DebateFeedback) String() string {
	var b strings.Builder
	summary := f.FeedbackShortRu
	if summary == "" {
		summary = f.Feedback
	}
	b.WriteString(strings.TrimSpace(summary))
	if !f.Strength.empty() {
		line(&b, "Strength", f.Strength.String(), "")
	}
	if !f.Improvement.empty() {
		line(&b, "Improve", f.Improvement.String(), "")
	}
	line(&b, "Next time try", f.NextTryPhraseEn, f.NextTryPhraseRu)
	return strings.TrimSpace(b.String())
}

func line(b *strings.Builder, label, text, gloss string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	fmt.Fprintf(b, "\n%s: %s", label, text)
	if gloss = strings.TrimSpace(gloss); gloss != "" {
		fmt.Fprintf(b, " (%s)", gloss)
	}
}

// RoleplayFeedback requests coaching for a roleplay or freestyle attempt.
func (c *Client) RoleplayFeedback(ctx context.Context, req FeedbackRequest) (RoleplayFeedback, error) {
	var out RoleplayFeedback
	err := c.postJSON(ctx, RoleplayFeedbackPath, req, &out)
	return out, err
}

// DebateFeedback requests coaching for a debate attempt.
func (c *Client) DebateFeedback(ctx context.Context, req FeedbackRequest) (DebateFeedback, error) {
	var out DebateFeedback
	err := c.postJSON(ctx, DebateFeedbackPath, req, &out)
	return out, err
}

// Feedback requests coaching for req.Mode and returns it as display text.
func (c *Client) Feedback(ctx context.Context, req FeedbackRequest) (string, error) {
	if req.Mode == types.ModeDebate {
		fb, err := c.DebateFeedback(ctx, req)
		if err != nil {
			return "", err
		}
		return fb.String(), nil
	}
	fb, err := c.RoleplayFeedback(ctx, req)
	if err != nil {
		return "", err
	}
	return fb.String(), nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("dialogue: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dialogue: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return fmt.Errorf("dialogue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dialogue: %w", provider.ReadStatusError("feedback", resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dialogue: decode %s: %w", path, err)
	}
	return nil
}
