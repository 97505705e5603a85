package mode

import (
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/types"
)

// Freestyle is the configuration of an open conversation. It carries style
// knobs and coaching sliders but no steps and no goal.
type Freestyle struct {
	Style   dialogue.StyleSettings
	Context dialogue.FreestyleContext
}

// Roleplay is the configuration of a scripted scenario conversation.
type Roleplay struct {
	ScenarioID string
	Title      string
	Level      string

	// SystemPrompt is the fully rendered scenario prompt, sent as the leading
	// system message of every request.
	SystemPrompt string

	Steps []types.StepDefinition
	Goal  string

	// Opening, when set, is the character's fixed first line. It is spoken
	// without a model call when the conversation starts.
	Opening string

	Style dialogue.StyleSettings
}

// Link returns the persistence linkage fields for r.
func (r Roleplay) Link() *types.ScenarioLink {
	return &types.ScenarioLink{ScenarioID: r.ScenarioID, ScenarioTitle: r.Title}
}
