package dialogue_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/types"
)

// ndjsonServer answers every chat call with body, flushing after each line.
func ndjsonServer(t *testing.T, body string, gotReq *map[string]json.RawMessage) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != dialogue.Path || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if gotReq != nil {
			_ = json.NewDecoder(r.Body).Decode(gotReq)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fl, _ := w.(http.Flusher)
		for _, line := range strings.SplitAfter(body, "\n") {
			_, _ = io.WriteString(w, line)
			if fl != nil {
				fl.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_EndToEndRoleplayTurn(t *testing.T) {
	t.Parallel()

	body := `{"type":"chunk","delta":"Sure, "}` + "\n" +
		`{"type":"chunk","delta":"what would you like?"}` + "\n" +
		`{"type":"steps","completedStepIds":["S1"]}` + "\n" +
		`{"type":"done"}` + "\n"
	var got map[string]json.RawMessage
	srv := ndjsonServer(t, body, &got)

	c, err := dialogue.NewClient(srv.URL, dialogue.WithReadSize(7))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var deltas []string
	res, err := c.Stream(context.Background(), dialogue.Request{
		Messages:         []types.Message{{Role: types.RoleUser, Content: "Hi"}},
		ScenarioSteps:    []types.StepDefinition{{ID: "S1", TitleRu: "Поздороваться"}, {ID: "S2", TitleRu: "Заказать"}},
		RoleplaySettings: &dialogue.StyleSettings{SlangMode: dialogue.SlangOff, ProfanityIntensity: dialogue.IntensityLight},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Reply != "Sure, what would you like?" {
		t.Errorf("reply = %q", res.Reply)
	}
	if !res.SawSteps || len(res.Steps) != 1 || res.Steps[0] != "S1" {
		t.Errorf("steps = %v (saw %v)", res.Steps, res.SawSteps)
	}
	if strings.Join(deltas, "|") != "Sure, |what would you like?" {
		t.Errorf("deltas = %q", deltas)
	}

	if string(got["max_tokens"]) != "1500" {
		t.Errorf("max_tokens = %s", got["max_tokens"])
	}
	if _, ok := got["freestyle_context"]; ok {
		t.Error("freestyle_context must be omitted outside freestyle")
	}
	if _, ok := got["roleplay_settings"]; !ok {
		t.Error("roleplay_settings missing")
	}
	if _, ok := got["scenario_steps"]; !ok {
		t.Error("scenario_steps missing")
	}
}

func TestStream_ErrorFrame(t *testing.T) {
	t.Parallel()
	body := `{"type":"chunk","delta":"partial"}` + "\n" +
		`{"type":"error","message":"upstream failed"}` + "\n" +
		`{"type":"chunk","delta":"ignored"}` + "\n"
	srv := ndjsonServer(t, body, nil)

	c, _ := dialogue.NewClient(srv.URL)
	res, err := c.Stream(context.Background(), dialogue.Request{Messages: []types.Message{{Role: types.RoleUser, Content: "x"}}}, nil)
	var pe *dialogue.ProtocolError
	if !errors.As(err, &pe) || pe.Message != "upstream failed" {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if res.Reply != "" {
		t.Errorf("reply = %q, want empty after error", res.Reply)
	}
}

func TestStream_NonOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Expected { messages: [...] }"}`)
	}))
	defer srv.Close()

	c, _ := dialogue.NewClient(srv.URL)
	_, err := c.Stream(context.Background(), dialogue.Request{}, nil)
	if provider.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTP 400", err)
	}
}

func TestConsume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantReply string
		wantSteps []types.StepID
		wantSaw   bool
		wantDrop  int
	}{
		{
			name:      "garbage is skipped",
			body:      "not json\n{\"type\":\"chunk\",\"delta\":\"a\"}\n{\"type\":\"mystery\"}\n{\"type\":\"chunk\",\"delta\":\"b\"}\n{\"type\":\"done\"}\n",
			wantReply: "ab",
			wantDrop:  2,
		},
		{
			name:      "later steps replace earlier",
			body:      "{\"type\":\"steps\",\"completedStepIds\":[\"S1\",\"S2\"]}\n{\"type\":\"steps\",\"completedStepIds\":[\"S3\"]}\n{\"type\":\"done\"}\n",
			wantSteps: []types.StepID{"S3"},
			wantSaw:   true,
		},
		{
			name:      "stream end without done keeps reply",
			body:      "{\"type\":\"chunk\",\"delta\":\"hi\"}\n{\"type\":\"chunk\",\"delta\":\" cut",
			wantReply: "hi",
		},
		{
			name:      "frames after done are ignored",
			body:      "{\"type\":\"chunk\",\"delta\":\"x\"}\n{\"type\":\"done\"}\n{\"type\":\"chunk\",\"delta\":\"y\"}\n",
			wantReply: "x",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := dialogue.Consume(strings.NewReader(tc.body), 5, nil)
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if res.Reply != tc.wantReply {
				t.Errorf("reply = %q, want %q", res.Reply, tc.wantReply)
			}
			if res.SawSteps != tc.wantSaw || len(res.Steps) != len(tc.wantSteps) {
				t.Fatalf("steps = %v (saw %v), want %v", res.Steps, res.SawSteps, tc.wantSteps)
			}
			for i := range tc.wantSteps {
				if res.Steps[i] != tc.wantSteps[i] {
					t.Errorf("steps[%d] = %q", i, res.Steps[i])
				}
			}
			if res.Dropped != tc.wantDrop {
				t.Errorf("dropped = %d, want %d", res.Dropped, tc.wantDrop)
			}
		})
	}
}

func TestNormalized(t *testing.T) {
	t.Parallel()

	s := dialogue.StyleSettings{SlangMode: "extreme", AIMayUseProfanity: true}.Normalized()
	if s.SlangMode != dialogue.SlangOff || s.ProfanityIntensity != dialogue.IntensityLight || s.AIMayUseProfanity {
		t.Errorf("style = %+v", s)
	}

	fc := dialogue.FreestyleContext{ToneFormality: 140, ToneDirectness: -5, MicroGoals: []string{"a", "", "b", "c", "d"}}.Normalized()
	if fc.RoleHint != "none" || fc.ToneFormality != 100 || fc.ToneDirectness != 0 {
		t.Errorf("freestyle = %+v", fc)
	}
	if strings.Join(fc.MicroGoals, ",") != "a,b,c" {
		t.Errorf("micro goals = %v", fc.MicroGoals)
	}
}
