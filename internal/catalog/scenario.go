// Package catalog loads the roleplay scenario catalog and renders scenario
// system prompts.
//
// Scenarios are authored in YAML, checked against a JSON schema and indexed
// by id, theme and category. A [Scenario] converts to a [mode.Roleplay] ready
// for the mode controller.
package catalog

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parley/internal/mode"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/types"
)

// Category groups scenarios by kind.
type Category string

const (
	CategoryEveryday     Category = "everyday"
	CategoryProfessional Category = "professional"
	CategoryFun          Category = "fun"
)

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryEveryday, CategoryProfessional, CategoryFun:
		return true
	}
	return false
}

// Scenario is one roleplay script.
//
// Example:
//
//	- id: coffee-1
//	  theme_id: coffee
//	  title: Morning coffee
//	  category: everyday
//	  system_prompt: You are a friendly barista at a busy cafe.
//	  goal: order a coffee and pay for it
//	  steps:
//	    - {id: greet, order: 1, title_ru: Поздороваться}
type Scenario struct {
	ID          string   `yaml:"id"`
	ThemeID     string   `yaml:"theme_id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Category    Category `yaml:"category"`
	Language    string   `yaml:"language"`

	SystemPrompt       string `yaml:"system_prompt"`
	SuggestedFirstLine string `yaml:"suggested_first_line"`
	OpeningInstruction string `yaml:"opening_instruction"`
	CharacterOpening   string `yaml:"character_opening"`
	OptionalTwist      string `yaml:"optional_twist"`

	Setting      string `yaml:"setting"`
	ScenarioText string `yaml:"scenario_text"`
	YourRole     string `yaml:"your_role"`
	SettingRu    string `yaml:"setting_ru"`
	ScenarioRu   string `yaml:"scenario_text_ru"`
	YourRoleRu   string `yaml:"your_role_ru"`

	Difficulty     string `yaml:"difficulty"`
	Level          string `yaml:"level"`
	Goal           string `yaml:"goal"`
	GoalRu         string `yaml:"goal_ru"`
	MaxScoreTipsRu string `yaml:"max_score_tips_ru"`

	Steps []types.StepDefinition `yaml:"steps"`

	// SlangMode is empty when the scenario leaves slang to the theme default.
	SlangMode          string `yaml:"slang_mode"`
	AllowProfanity     bool   `yaml:"allow_profanity"`
	AIMayUseProfanity  bool   `yaml:"ai_may_use_profanity"`
	ProfanityIntensity string `yaml:"profanity_intensity"`
}

// Validate checks a scenario for required fields and unique step ids.
func Validate(s Scenario) error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if s.Title == "" {
		errs = append(errs, errors.New("title must not be empty"))
	}
	if s.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must not be empty"))
	}
	if !s.Category.IsValid() {
		errs = append(errs, fmt.Errorf("category %q is not recognised", s.Category))
	}
	seen := make(map[types.StepID]bool, len(s.Steps))
	for i, st := range s.Steps {
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("steps[%d]: id must not be empty", i))
			continue
		}
		if seen[st.ID] {
			errs = append(errs, fmt.Errorf("steps[%d]: duplicate id %q", i, st.ID))
		}
		seen[st.ID] = true
	}
	return errors.Join(errs...)
}

// Style returns the scenario's slang and profanity settings.
func (s Scenario) Style() dialogue.StyleSettings {
	return dialogue.StyleSettings{
		SlangMode:          s.SlangMode,
		AllowProfanity:     s.AllowProfanity,
		AIMayUseProfanity:  s.AIMayUseProfanity,
		ProfanityIntensity: s.ProfanityIntensity,
	}.Normalized()
}

// Roleplay converts s into a mode configuration with its prompt rendered.
func (s Scenario) Roleplay() mode.Roleplay {
	steps := make([]types.StepDefinition, len(s.Steps))
	copy(steps, s.Steps)
	return mode.Roleplay{
		ScenarioID:   s.ID,
		Title:        s.Title,
		Level:        s.Level,
		SystemPrompt: BuildSystemPrompt(s),
		Steps:        steps,
		Goal:         s.Goal,
		Opening:      trim(s.CharacterOpening),
		Style:        s.Style(),
	}
}
