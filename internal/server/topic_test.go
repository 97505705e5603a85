package server

import (
	"net/http"
	"testing"

	"github.com/MrWong99/parley/internal/mode"
)

func TestPrepareTopic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		req          topicPrepareRequest
		wantValid    bool
		wantMode     string
		wantSelected mode.Difficulty
		wantLocale   string
	}{
		{
			name:         "auto picks recommendation",
			req:          topicPrepareRequest{TopicRaw: "  Nuclear energy   policy is the future  "},
			wantValid:    true,
			wantMode:     "auto",
			wantSelected: mode.DifficultyHard,
			wantLocale:   "ru",
		},
		{
			name:         "explicit difficulty wins",
			req:          topicPrepareRequest{TopicRaw: "Nuclear energy policy is the future", DifficultyMode: "EASY", Locale: "en"},
			wantValid:    true,
			wantMode:     "easy",
			wantSelected: mode.DifficultyEasy,
			wantLocale:   "en",
		},
		{
			name:       "unknown mode falls back to auto",
			req:        topicPrepareRequest{TopicRaw: "Cats are better pets than dogs", DifficultyMode: "brutal"},
			wantValid:  true,
			wantMode:   "auto",
			wantLocale: "ru",
		},
		{
			name:       "too short is rejected",
			req:        topicPrepareRequest{TopicRaw: "cats"},
			wantValid:  false,
			wantMode:   "auto",
			wantLocale: "ru",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := prepareTopic(tc.req)
			if got.IsValid != tc.wantValid {
				t.Errorf("IsValid = %v, want %v (status %s, errors %v)", got.IsValid, tc.wantValid, got.Status, got.Errors)
			}
			if got.DifficultyMode != tc.wantMode {
				t.Errorf("DifficultyMode = %q, want %q", got.DifficultyMode, tc.wantMode)
			}
			if tc.wantSelected != "" && got.SelectedDifficulty != tc.wantSelected {
				t.Errorf("SelectedDifficulty = %q, want %q", got.SelectedDifficulty, tc.wantSelected)
			}
			if tc.wantMode == "auto" && got.SelectedDifficulty != got.RecommendedDifficulty {
				t.Errorf("auto selected %q, recommended %q", got.SelectedDifficulty, got.RecommendedDifficulty)
			}
			if got.Locale != tc.wantLocale {
				t.Errorf("Locale = %q, want %q", got.Locale, tc.wantLocale)
			}
			if got.Warnings == nil || got.Errors == nil {
				t.Error("warnings and errors must encode as arrays")
			}
		})
	}
}

func TestTopicPrepare_Route(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/agent/debate-topic-prepare", topicPrepareRequest{TopicRaw: "Remote   work beats the office"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[topicPrepareResponse](t, rec)
	if got.NormalizedTopic != "Remote work beats the office" {
		t.Errorf("normalized = %q", got.NormalizedTopic)
	}
	if got.DetectedLanguage != mode.LanguageEn {
		t.Errorf("language = %q, want en", got.DetectedLanguage)
	}
	if got.RecommendedDifficulty != mode.DifficultyMedium {
		t.Errorf("recommended = %q, want medium for a work topic", got.RecommendedDifficulty)
	}
}
