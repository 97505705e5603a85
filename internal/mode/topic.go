package mode

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Topic length limits, in characters.
const (
	TopicMinLen    = 10
	TopicMaxLen    = 180
	topicPromptCap = 220

	// topicHardLen marks a topic long enough to be considered hard.
	topicHardLen = 120
)

// TopicSource records where a debate topic came from.
type TopicSource string

const (
	SourceCatalog TopicSource = "catalog"
	SourceCustom  TopicSource = "custom"
)

// Language is the detected script of a topic.
type Language string

const (
	LanguageRu      Language = "ru"
	LanguageEn      Language = "en"
	LanguageUnknown Language = "unknown"
)

// ValidationStatus is the verdict of [ValidateTopic].
type ValidationStatus string

const (
	StatusValid    ValidationStatus = "valid"
	StatusWarning  ValidationStatus = "warning"
	StatusRejected ValidationStatus = "rejected"
)

// User-facing validation messages.
const (
	MsgTopicTooShort  = "Тема слишком короткая. Минимум 10 символов."
	MsgTopicTooLong   = "Тема слишком длинная. Максимум 180 символов."
	MsgTopicNoLetters = "Добавьте осмысленную тему (буквы, а не только символы)."
	MsgTopicNewlines  = "Тема содержит переносы строк. Лучше оставить одно предложение."
	MsgTopicInjected  = "Тема похожа на инструкцию для модели. Формулируйте только предмет дебата."
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	cyrillicRe   = regexp.MustCompile(`[А-Яа-яЁё]`)
	latinRe      = regexp.MustCompile(`[A-Za-z]`)
	lettersRe    = regexp.MustCompile(`[A-Za-zА-Яа-яЁё]{3}`)
	injectionRe  = regexp.MustCompile(`(?i)(ignore|disregard|override).{0,80}(instruction|system|prompt|developer)`)
	controlRe    = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	fenceRe      = regexp.MustCompile("`{3,}")

	hardTopicRe = regexp.MustCompile(`(?i)(government|econom|policy|democracy|philosoph|ethic|geopolit|capitalism|socialism|immigration|nuclear|privacy|security|регулирован|демократ|полит|философ|этик|геополит|эконом)`)
	midTopicRe  = regexp.MustCompile(`(?i)(school|student|work|remote|social media|health|climate|education|technology|работ|школ|ученик|соцсет|здоров|климат|образован|технолог)`)
)

// Topic is a debate subject with its validation metadata.
type Topic struct {
	Source     TopicSource
	Original   string
	Normalized string
	Language   Language
	Status     ValidationStatus
}

// Verdict is the outcome of validating a raw topic.
type Verdict struct {
	Status     ValidationStatus
	Normalized string
	Language   Language
	Errors     []string
	Warnings   []string
}

// Rejected reports whether the topic cannot be used.
func (v Verdict) Rejected() bool { return v.Status == StatusRejected }

// NewTopic validates raw and packages the result.
func NewTopic(raw string, src TopicSource) (Topic, Verdict) {
	v := ValidateTopic(raw)
	return Topic{
		Source:     src,
		Original:   raw,
		Normalized: v.Normalized,
		Language:   v.Language,
		Status:     v.Status,
	}, v
}

// Normalize collapses whitespace runs to single spaces and trims the result.
func Normalize(topic string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(topic, " "))
}

// DetectLanguage reports ru for purely Cyrillic text, en for purely Latin
// text, and unknown otherwise.
func DetectLanguage(topic string) Language {
	cyr := cyrillicRe.MatchString(topic)
	lat := latinRe.MatchString(topic)
	switch {
	case cyr && !lat:
		return LanguageRu
	case lat && !cyr:
		return LanguageEn
	}
	return LanguageUnknown
}

// ValidateTopic checks a raw user topic. Errors reject it; warnings let it
// through with a note.
func ValidateTopic(raw string) Verdict {
	norm := Normalize(raw)
	v := Verdict{Normalized: norm, Language: DetectLanguage(norm)}

	n := utf8.RuneCountInString(norm)
	if n < TopicMinLen {
		v.Errors = append(v.Errors, MsgTopicTooShort)
	}
	if n > TopicMaxLen {
		v.Errors = append(v.Errors, MsgTopicTooLong)
	}
	if !lettersRe.MatchString(norm) {
		v.Errors = append(v.Errors, MsgTopicNoLetters)
	}
	if strings.ContainsAny(raw, "\r\n") {
		v.Warnings = append(v.Warnings, MsgTopicNewlines)
	}
	if injectionRe.MatchString(norm) {
		v.Warnings = append(v.Warnings, MsgTopicInjected)
	}

	switch {
	case len(v.Errors) > 0:
		v.Status = StatusRejected
	case len(v.Warnings) > 0:
		v.Status = StatusWarning
	default:
		v.Status = StatusValid
	}
	return v
}

// Sanitize prepares a topic for embedding in a system prompt: control
// characters, instruction-like phrases, code fences and angle brackets are
// neutralised and the result is capped.
func Sanitize(topic string) string {
	s := Normalize(topic)
	s = controlRe.ReplaceAllString(s, " ")
	s = injectionRe.ReplaceAllString(s, "debate topic")
	s = fenceRe.ReplaceAllString(s, "")
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	if utf8.RuneCountInString(s) > topicPromptCap {
		s = string([]rune(s)[:topicPromptCap])
	}
	return strings.TrimSpace(s)
}

// InferDifficulty recommends a tier from the topic's length and subject.
func InferDifficulty(topic string) Difficulty {
	if utf8.RuneCountInString(topic) >= topicHardLen {
		return DifficultyHard
	}
	t := strings.ToLower(topic)
	switch {
	case hardTopicRe.MatchString(t):
		return DifficultyHard
	case midTopicRe.MatchString(t):
		return DifficultyMedium
	}
	return DifficultyEasy
}
