package server

import (
	"net/http"
	"strings"

	"github.com/MrWong99/parley/internal/mode"
)

// difficultyAuto lets the server pick the recommended difficulty.
const difficultyAuto = "auto"

type topicPrepareRequest struct {
	TopicRaw       string `json:"topic_raw"`
	Locale         string `json:"locale"`
	DifficultyMode string `json:"difficulty_mode"`
}

type topicPrepareResponse struct {
	IsValid               bool                  `json:"is_valid"`
	Status                mode.ValidationStatus `json:"status"`
	NormalizedTopic       string                `json:"normalized_topic"`
	DetectedLanguage      mode.Language         `json:"detected_language"`
	RecommendedDifficulty mode.Difficulty       `json:"recommended_difficulty"`
	SelectedDifficulty    mode.Difficulty       `json:"selected_difficulty"`
	DifficultyMode        string                `json:"difficulty_mode"`
	Warnings              []string              `json:"warnings"`
	Errors                []string              `json:"errors"`
	Locale                string                `json:"locale"`
}

// prepareTopic validates a custom debate topic and resolves its difficulty.
func prepareTopic(req topicPrepareRequest) topicPrepareResponse {
	v := mode.ValidateTopic(req.TopicRaw)
	recommended := mode.InferDifficulty(v.Normalized)

	dm := strings.ToLower(strings.TrimSpace(req.DifficultyMode))
	selected := recommended
	switch mode.Difficulty(dm) {
	case mode.DifficultyEasy, mode.DifficultyMedium, mode.DifficultyHard:
		selected = mode.Difficulty(dm)
	default:
		dm = difficultyAuto
	}

	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = "ru"
	}
	out := topicPrepareResponse{
		IsValid:               !v.Rejected(),
		Status:                v.Status,
		NormalizedTopic:       v.Normalized,
		DetectedLanguage:      v.Language,
		RecommendedDifficulty: recommended,
		SelectedDifficulty:    selected,
		DifficultyMode:        dm,
		Warnings:              v.Warnings,
		Errors:                v.Errors,
		Locale:                locale,
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	return out
}

func (s *Server) handleTopicPrepare(w http.ResponseWriter, r *http.Request) {
	var req topicPrepareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, prepareTopic(req))
}
