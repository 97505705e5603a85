package dialogue_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/types"
)

func feedbackServer(t *testing.T, paths chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		var req dialogue.FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"messages are required"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case dialogue.RoleplayFeedbackPath:
			_, _ = io.WriteString(w, `{"feedback":"Clear order.","useful_phrase":"Could I get","useful_phrase_ru":"Можно мне","style_note":null,"rewrite_neutral":null,"scenario_id":"`+req.ScenarioID+`"}`)
		case dialogue.DebateFeedbackPath:
			_, _ = io.WriteString(w, `{"feedback_short_ru":"Хорошо.","strength_sbi":{"situation":"In your opening","behavior":"you gave an example","impact":"which made it concrete."},"improvement_sbi":{"situation":"","behavior":"","impact":""},"next_try_phrase_en":"To put it simply","next_try_phrase_ru":"Проще говоря","topic":"`+req.Topic+`"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedback(t *testing.T) {
	t.Parallel()

	history := []types.Message{{Role: types.RoleUser, Content: "A latte please"}}
	tests := []struct {
		name     string
		req      dialogue.FeedbackRequest
		wantPath string
		want     string
	}{
		{
			name:     "roleplay",
			req:      dialogue.FeedbackRequest{Mode: types.ModeRoleplay, Messages: history, ScenarioID: "cafe"},
			wantPath: dialogue.RoleplayFeedbackPath,
			want:     "Clear order.\nUseful phrase: Could I get (Можно мне)",
		},
		{
			name:     "freestyle uses the roleplay route",
			req:      dialogue.FeedbackRequest{Mode: types.ModeFreestyle, Messages: history},
			wantPath: dialogue.RoleplayFeedbackPath,
			want:     "Clear order.\nUseful phrase: Could I get (Можно мне)",
		},
		{
			name:     "debate",
			req:      dialogue.FeedbackRequest{Mode: types.ModeDebate, Messages: history, Topic: "Cats"},
			wantPath: dialogue.DebateFeedbackPath,
			want:     "Хорошо.\nStrength: In your opening you gave an example which made it concrete.\nNext time try: To put it simply (Проще говоря)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			paths := make(chan string, 4)
			srv := feedbackServer(t, paths)
			c, _ := dialogue.NewClient(srv.URL)

			got, err := c.Feedback(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Feedback: %v", err)
			}
			if len(paths) != 1 {
				t.Fatalf("calls = %d, want 1", len(paths))
			}
			if p := <-paths; p != tt.wantPath {
				t.Errorf("path = %s, want %s", p, tt.wantPath)
			}
			if got != tt.want {
				t.Errorf("Feedback =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestFeedback_StatusError(t *testing.T) {
	t.Parallel()
	srv := feedbackServer(t, make(chan string, 4))
	c, _ := dialogue.NewClient(srv.URL)

	_, err := c.RoleplayFeedback(context.Background(), dialogue.FeedbackRequest{})
	if err == nil {
		t.Fatal("expected an error for an empty conversation")
	}
	if code := provider.StatusCode(err); code != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", code)
	}
	if !strings.Contains(err.Error(), "messages are required") {
		t.Errorf("err = %v, want server message", err)
	}
}
