package mode

import (
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/types"
)

// Position is a side of a debate.
type Position string

const (
	PositionFor     Position = "for"
	PositionAgainst Position = "against"
)

// Opposite returns the other side. Unknown values map to [PositionAgainst].
func (p Position) Opposite() Position {
	if p == PositionAgainst {
		return PositionFor
	}
	return PositionAgainst
}

func (p Position) label() string {
	if p == PositionFor {
		return "FOR"
	}
	return "AGAINST"
}

// Difficulty selects the debate step tier and micro-goal set.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// OrDefault returns d, or [DifficultyMedium] when d is unknown.
func (d Difficulty) OrDefault() Difficulty {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d
	}
	return DifficultyMedium
}

// Starter says who speaks first in a debate.
type Starter string

const (
	StarterAI   Starter = "ai"
	StarterUser Starter = "user"
)

// DebateOpenerPrompt is the synthetic user line sent when the AI opens.
const DebateOpenerPrompt = "The debate is starting now. Open the conversation naturally."

// MicroGoalID names one practice goal.
type MicroGoalID string

const (
	GoalConnectors         MicroGoalID = "connectors"
	GoalConcession         MicroGoalID = "concession"
	GoalExampleSupport     MicroGoalID = "example_support"
	GoalConditionals       MicroGoalID = "conditionals"
	GoalClarifyingQuestion MicroGoalID = "clarifying_question"
)

// MicroGoal is a language skill the AI nudges the user to practise.
type MicroGoal struct {
	ID      MicroGoalID
	LabelRu string
	LabelEn string
	HintRu  string
}

var microGoals = map[MicroGoalID]MicroGoal{
	GoalConnectors: {
		ID: GoalConnectors, LabelRu: "Связки", LabelEn: "Use connectors",
		HintRu: "Используйте however, moreover, on the other hand",
	},
	GoalConcession: {
		ID: GoalConcession, LabelRu: "Уступка + контраргумент", LabelEn: "Concede then counter",
		HintRu: `Используйте фразу: "I see your point, but..."`,
	},
	GoalExampleSupport: {
		ID: GoalExampleSupport, LabelRu: "Аргумент с примером", LabelEn: "Support with an example",
		HintRu: "Подкрепите аргумент примером или кейсом",
	},
	GoalConditionals: {
		ID: GoalConditionals, LabelRu: "Условные конструкции", LabelEn: "Use conditionals",
		HintRu: "Используйте if-условия в аргументации",
	},
	GoalClarifyingQuestion: {
		ID: GoalClarifyingQuestion, LabelRu: "Уточняющий вопрос", LabelEn: "Ask a clarifying question",
		HintRu: "Задайте оппоненту уточняющий вопрос",
	},
}

var microGoalsByLevel = map[Difficulty][]MicroGoalID{
	DifficultyEasy:   {GoalConnectors, GoalExampleSupport, GoalClarifyingQuestion},
	DifficultyMedium: {GoalConnectors, GoalConcession, GoalExampleSupport, GoalClarifyingQuestion},
	DifficultyHard:   {GoalConnectors, GoalConcession, GoalExampleSupport, GoalConditionals, GoalClarifyingQuestion},
}

// MicroGoals returns the goals offered at difficulty d.
func MicroGoals(d Difficulty) []MicroGoal {
	ids := microGoalsByLevel[d.OrDefault()]
	out := make([]MicroGoal, 0, len(ids))
	for _, id := range ids {
		out = append(out, microGoals[id])
	}
	return out
}

// LookupMicroGoal returns the goal with the given id.
func LookupMicroGoal(id MicroGoalID) (MicroGoal, bool) {
	g, ok := microGoals[id]
	return g, ok
}

func criteria(turns, sentences int, opponent bool, hint string, markers ...string) *types.CompletionCriteria {
	return &types.CompletionCriteria{
		MinUserTurns:          turns,
		MinSentences:          sentences,
		RequiredMarkers:       markers,
		MustReferenceOpponent: opponent,
		EvidenceHint:          hint,
	}
}

// Step ids are shared by every tier so progress stays comparable.
var debateSteps = map[Difficulty][]types.StepDefinition{
	DifficultyEasy: {
		{ID: "opening", Order: 1, TitleRu: "Кратко обозначить свою позицию", TitleEn: "State your position briefly",
			Criteria: criteria(1, 1, false, "User clearly says they are for/against the topic in a direct way.")},
		{ID: "main-argument", Order: 2, TitleRu: "Привести 1 понятный аргумент", TitleEn: "Give one clear supporting argument",
			Criteria: criteria(1, 1, false, "User gives at least one reason why their position is correct.",
				"because", "for example", "например")},
		{ID: "counter-argument", Order: 3, TitleRu: "Коротко ответить на аргумент оппонента", TitleEn: "Briefly respond to opponent argument",
			Criteria: criteria(2, 1, true, "User directly references opponent point and responds, not just repeats own claim.",
				"but", "however", "i disagree", "но", "однако")},
		{ID: "defense", Order: 4, TitleRu: "Подтвердить и защитить свою позицию", TitleEn: "Defend your position clearly",
			Criteria: criteria(2, 1, false, "User restates and defends their position after challenge.")},
	},
	DifficultyMedium: {
		{ID: "opening", Order: 1, TitleRu: "Представить свою позицию", TitleEn: "Present your position",
			Criteria: criteria(1, 1, false, "User clearly states position with at least one supporting thought.")},
		{ID: "main-argument", Order: 2, TitleRu: "Привести основной аргумент с примером", TitleEn: "Present a main argument with an example",
			Criteria: criteria(1, 2, false, "User provides reason + example or explanation, not only a short claim.",
				"because", "for example", "for instance", "потому что", "например")},
		{ID: "counter-argument", Order: 3, TitleRu: "Ответить на аргумент оппонента", TitleEn: "Respond to opponent's argument",
			Criteria: criteria(2, 2, true, "User acknowledges opponent argument and then counters it with reasoning.",
				"however", "on the other hand", "i disagree because", "однако", "с другой стороны")},
		{ID: "defense", Order: 4, TitleRu: "Защитить свою позицию", TitleEn: "Defend your position",
			Criteria: criteria(2, 2, false, "User maintains consistency and defends own stance after pushback.")},
	},
	DifficultyHard: {
		{ID: "opening", Order: 1, TitleRu: "Четко обозначить позицию и рамку аргумента", TitleEn: "State position with a clear framing",
			Criteria: criteria(1, 2, false, "User states stance and frames why this criterion matters.")},
		{ID: "main-argument", Order: 2, TitleRu: "Дать развернутый аргумент с логикой и примером", TitleEn: "Present a structured argument with logic and example",
			Criteria: criteria(1, 3, false, "User builds a multi-part argument (claim + reason + evidence/example).",
				"because", "therefore", "for example", "moreover", "потому что", "поэтому")},
		{ID: "counter-argument", Order: 3, TitleRu: "Содержательно опровергнуть довод оппонента", TitleEn: "Substantively rebut opponent argument",
			Criteria: criteria(2, 2, true, "User addresses a specific opponent point and explains why it is weak/limited.",
				"however", "that assumes", "i disagree because", "однако", "это предполагает")},
		{ID: "defense", Order: 4, TitleRu: "Защитить позицию и удержать последовательность", TitleEn: "Defend position and keep consistency",
			Criteria: criteria(3, 2, false, "User remains consistent and strengthens defense after counter-pressure.")},
	},
}

// DebateSteps returns a copy of the step checklist for difficulty d.
func DebateSteps(d Difficulty) []types.StepDefinition {
	src := debateSteps[d.OrDefault()]
	out := make([]types.StepDefinition, len(src))
	copy(out, src)
	return out
}

// Debate is the configuration of a debate conversation.
type Debate struct {
	Topic        Topic
	UserPosition Position
	Difficulty   Difficulty
	MicroGoals   []MicroGoalID
	Starter      Starter
	Style        dialogue.StyleSettings
}

// AIPosition is always the opposite of the user's.
func (d Debate) AIPosition() Position { return d.UserPosition.Opposite() }

// Steps returns the checklist for the configured difficulty.
func (d Debate) Steps() []types.StepDefinition { return DebateSteps(d.Difficulty) }

// SystemPrompt renders the opponent instructions for this debate.
func (d Debate) SystemPrompt() string { return BuildDebateSystemPrompt(d) }

// Link returns the persistence linkage fields for d.
func (d Debate) Link() *types.DebateLink {
	topic := d.Topic.Normalized
	if topic == "" {
		topic = Normalize(d.Topic.Original)
	}
	original := d.Topic.Original
	if original == "" {
		original = topic
	}
	return &types.DebateLink{
		Topic:            topic,
		UserPosition:     string(d.UserPosition),
		AIPosition:       string(d.AIPosition()),
		Difficulty:       string(d.Difficulty.OrDefault()),
		TopicSource:      string(d.Topic.Source),
		TopicOriginal:    original,
		TopicNormalized:  topic,
		TopicLanguage:    string(d.Topic.Language),
		ValidationStatus: string(d.Topic.Status),
	}
}
