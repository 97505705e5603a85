package catalog

import (
	"slices"
	"strings"

	"github.com/MrWong99/parley/pkg/dialogue"
)

const (
	adaptToLevel = "Adapt your language to the user's level based on how they actually speak in the conversation. " +
		"If they use simple vocabulary, short phrases, or make basic mistakes: use short, simple sentences, recast gently, offer choices, and be extra patient. " +
		"If they speak fluently and correctly: you may use more natural, varied language and longer replies. " +
		"Match their complexity and pace; there is no fixed level. Observe and adapt."

	naturalDialogue = "Sound like a real person in a natural conversation: use brief backchannels (e.g. \"mm-hmm\", \"right\", \"got it\") when appropriate, " +
		"react to short or hesitant user replies with patience (\"No problem, take your time\"), and vary reply length based on the user's last message. " +
		"Keep things concise, avoid long monologues, and stay in character."

	respondToUser = "Always respond to what the user just said. If the user asks YOU (your character) a question, e.g. about your costume, your opinion, your situation, answer as your character about yourself. " +
		"Do not ignore their question or deflect by talking about the user instead (e.g. do not reply with \"I love your costume\" when they asked about YOUR costume)."

	peerSlang = "Sound youthful and casual, as a friend or peer would. Use some slang and colloquial expressions, but scale them to the user's level: " +
		"if they use simple language or make basic mistakes, use only light, easy slang (e.g. \"cool\", \"no worries\", \"that's awesome\", \"got it\"). " +
		"If they speak more fluently, use more natural colloquial speech and common slang (e.g. \"pretty chill\", \"no biggie\", \"I'm down\", \"that hits different\"). " +
		"Keep it natural and not forced; stay in character."

	adultRoleplay = "This is an adult (18+) roleplay. Mild to strong profanity may appear depending on settings and context. Keep it contextual and purposeful, not random."

	hardSafety = "Hard safety blocks (always forbidden): any sexual content involving minors, pedophilia, extremism/terrorism support, instructions for violent wrongdoing, non-consensual sexual violence, doxxing, or direct real-world threats. " +
		"If user attempts this, refuse briefly and steer back to a safe alternative topic while staying in character."

	goalCompletion = " When the goal is reached, say one short natural closing phrase (e.g. \"Great, see you then!\" or \"Perfect!\") and end the conversation. " +
		"Stay in character; do not say \"Scenario complete\" or add any meta-commentary."
)

// peerThemes are themes where the character is the user's friend or peer.
var peerThemes = []string{"conflict", "party", "datenight", "friend", "lunch"}

func scenarioSlang(mode string) string {
	switch mode {
	case dialogue.SlangOff:
		return "Use neutral conversational English. Avoid slang unless the user explicitly asks for it."
	case dialogue.SlangHeavy:
		return "Use clearly colloquial speech and richer slang. Keep replies natural, short, and context-aware. Do not overuse forced slang in every line."
	case dialogue.SlangLight:
		return "Use light, common colloquial expressions and simple slang naturally, without overloading each reply."
	}
	return ""
}

func scenarioProfanity(s Scenario) string {
	if !s.AllowProfanity {
		return "Avoid profanity and obscenities. Keep language clean and natural."
	}
	var intensity string
	switch s.ProfanityIntensity {
	case dialogue.IntensityHard:
		intensity = "Intensity: hard. Profanity can be frequent in heated moments, but keep dialogue coherent and non-targeted."
	case dialogue.IntensityMedium:
		intensity = "Intensity: medium. Profanity can appear occasionally in emotional moments."
	default:
		intensity = "Intensity: light. Prefer rare, mild profanity only when it sounds natural."
	}
	ai := "User may use profanity, but AI character should respond without profanity and keep tone controlled."
	if s.AIMayUseProfanity {
		ai = "AI character may also use profanity, but avoid slurs and keep wording within context."
	}
	return adultRoleplay + " " + intensity + " " + ai
}

func difficultyNote(d string) string {
	switch d {
	case "":
		return ""
	case "easy":
		return "Difficulty: easy. Keep language very simple and avoid idioms unless the user uses them first."
	case "hard":
		return "Difficulty: hard. Use more natural variety and follow-up questions, while still adapting to the user."
	}
	return "Difficulty: medium. Use balanced, natural language and short follow-up questions."
}

func trim(s string) string { return strings.TrimSpace(s) }

// BuildSystemPrompt renders the system message for s. Sections are joined
// by blank lines in a fixed order: level adaptation, natural dialogue, slang,
// profanity, safety, difficulty, responsiveness, the scenario's own prompt,
// then the optional opening, twist and goal.
func BuildSystemPrompt(s Scenario) string {
	parts := []string{adaptToLevel, naturalDialogue}
	if slang := scenarioSlang(s.SlangMode); slang != "" {
		parts = append(parts, slang)
	} else if slices.Contains(peerThemes, s.ThemeID) {
		parts = append(parts, peerSlang)
	}
	parts = append(parts, scenarioProfanity(s), hardSafety)
	if note := difficultyNote(s.Difficulty); note != "" {
		parts = append(parts, note)
	}
	parts = append(parts, respondToUser, s.SystemPrompt)
	if v := trim(s.OpeningInstruction); v != "" {
		parts = append(parts, "First line instruction: "+v)
	}
	if v := trim(s.CharacterOpening); v != "" {
		parts = append(parts, `If the conversation is just starting, your first line should be: "`+v+`"`)
	}
	if v := trim(s.OptionalTwist); v != "" {
		parts = append(parts, "Optional twist (use only if it fits naturally): "+v)
	}
	if v := trim(s.Goal); v != "" {
		parts = append(parts, "Goal: "+v+"."+goalCompletion)
	}
	return strings.Join(parts, "\n\n")
}
