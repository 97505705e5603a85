// Package dialogue is the client side of the streaming chat protocol: it
// posts the conversation to the dialogue server and folds the NDJSON frame
// stream into a reply and a completed-step set.
package dialogue

import (
	"github.com/MrWong99/parley/pkg/types"
)

// Path is the server route that streams replies.
const Path = "/api/agent/chat"

// DefaultMaxTokens is the completion budget sent with every turn.
const DefaultMaxTokens = 1500

// Slang levels for [StyleSettings.SlangMode].
const (
	SlangOff   = "off"
	SlangLight = "light"
	SlangHeavy = "heavy"
)

// Profanity tiers for [StyleSettings.ProfanityIntensity].
const (
	IntensityLight  = "light"
	IntensityMedium = "medium"
	IntensityHard   = "hard"
)

// StyleSettings are the slang and profanity knobs shared by every mode. They
// travel as roleplay_settings regardless of mode.
type StyleSettings struct {
	SlangMode          string `json:"slang_mode"`
	AllowProfanity     bool   `json:"allow_profanity"`
	AIMayUseProfanity  bool   `json:"ai_may_use_profanity"`
	ProfanityIntensity string `json:"profanity_intensity"`
}

// Normalized returns s with unknown values replaced by defaults. The AI may
// only swear when the user allowed profanity at all.
func (s StyleSettings) Normalized() StyleSettings {
	switch s.SlangMode {
	case SlangOff, SlangLight, SlangHeavy:
	default:
		s.SlangMode = SlangOff
	}
	switch s.ProfanityIntensity {
	case IntensityLight, IntensityMedium, IntensityHard:
	default:
		s.ProfanityIntensity = IntensityLight
	}
	s.AIMayUseProfanity = s.AllowProfanity && s.AIMayUseProfanity
	return s
}

// FreestyleContext carries the freestyle coaching sliders. It is sent only
// in freestyle mode.
type FreestyleContext struct {
	RoleHint       string   `json:"role_hint"`
	ToneFormality  int      `json:"tone_formality"`
	ToneDirectness int      `json:"tone_directness"`
	MicroGoals     []string `json:"micro_goals"`
}

// MaxMicroGoals bounds FreestyleContext.MicroGoals.
const MaxMicroGoals = 3

// Normalized clamps the sliders to 0..100, defaults the role hint to "none"
// and keeps at most [MaxMicroGoals] non-empty goals.
func (c FreestyleContext) Normalized() FreestyleContext {
	if c.RoleHint == "" {
		c.RoleHint = "none"
	}
	c.ToneFormality = clampPercent(c.ToneFormality)
	c.ToneDirectness = clampPercent(c.ToneDirectness)
	goals := make([]string, 0, MaxMicroGoals)
	for _, g := range c.MicroGoals {
		if g == "" {
			continue
		}
		goals = append(goals, g)
		if len(goals) == MaxMicroGoals {
			break
		}
	}
	c.MicroGoals = goals
	return c
}

func clampPercent(v int) int {
	return min(100, max(0, v))
}

// Request is the body of a chat call.
type Request struct {
	Messages         []types.Message        `json:"messages"`
	MaxTokens        int                    `json:"max_tokens,omitempty"`
	ScenarioSteps    []types.StepDefinition `json:"scenario_steps,omitempty"`
	RoleplaySettings *StyleSettings         `json:"roleplay_settings,omitempty"`
	FreestyleContext *FreestyleContext      `json:"freestyle_context,omitempty"`
}
