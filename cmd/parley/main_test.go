package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/parley/internal/mode"
	"github.com/MrWong99/parley/internal/turn"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/dialogue"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func TestModeConfig(t *testing.T) {
	t.Parallel()

	s := &session{}
	tests := []struct {
		name    string
		args    string
		want    types.Mode
		wantErr string
	}{
		{"freestyle", "freestyle", types.ModeFreestyle, ""},
		{"debate", "debate for school uniforms should be mandatory", types.ModeDebate, ""},
		{"no args", "", "", "usage"},
		{"debate without topic", "debate for", "", "usage"},
		{"roleplay without catalog", "roleplay taxi", "", "no scenario catalog"},
		{"unknown", "quiz", "", "unknown mode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := s.modeConfig(strings.Fields(tc.args))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("modeConfig: %v", err)
			}
			if cfg.Mode != tc.want {
				t.Errorf("mode = %q, want %q", cfg.Mode, tc.want)
			}
		})
	}
}

func TestModeConfig_Debate(t *testing.T) {
	t.Parallel()

	cfg, err := (&session{}).modeConfig([]string{"debate", "against", "remote", "work", "is", "better"})
	if err != nil {
		t.Fatal(err)
	}
	d := cfg.Debate
	if d.UserPosition != mode.PositionAgainst {
		t.Errorf("position = %q", d.UserPosition)
	}
	if d.Topic.Normalized != "remote work is better" {
		t.Errorf("topic = %q", d.Topic.Normalized)
	}
	if d.Difficulty != mode.DifficultyMedium {
		t.Errorf("difficulty = %q, want medium for a work topic", d.Difficulty)
	}
}

func TestReport(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if !report(&out, nil) || out.Len() != 0 {
		t.Fatalf("nil error printed %q", out.String())
	}
	te := &turn.TurnError{Stage: turn.StageTranscribe, Message: "could not hear you"}
	if report(&out, te) {
		t.Fatal("report returned true for an error")
	}
	if got := out.String(); !strings.Contains(got, "transcribe") || !strings.Contains(got, "could not hear you") {
		t.Errorf("output = %q", got)
	}
	out.Reset()
	report(&out, errors.New("boom"))
	if got := out.String(); got != "error: boom\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRepl_QuitAndUnknown(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := &session{out: &out}
	in := strings.NewReader("\nfrobnicate\nhelp\nscenarios\nquit\n")
	if err := s.repl(context.Background(), in, &out); err != nil {
		t.Fatalf("repl: %v", err)
	}
	got := out.String()
	for _, want := range []string{`unknown command "frobnicate"`, "mode debate", "no scenario catalog configured"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRepl_ExitReplaysDebateOpener(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"type":"chunk","delta":"Offices kill focus."}`+"\n"+`{"type":"done"}`+"\n")
	}))
	t.Cleanup(srv.Close)

	dlg, err := dialogue.NewClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := turn.New(&audiomock.Source{}, &audiomock.Sink{}, turn.Providers{
		STT:      &sttmock.Provider{},
		Dialogue: dlg,
		TTS:      &ttsmock.Provider{Result: tts.Speech{Audio: []byte("mp3"), MIME: "audio/mpeg"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	topic, v := mode.NewTopic("remote work is better", mode.SourceCustom)
	if v.Rejected() {
		t.Fatalf("topic rejected: %v", v.Errors)
	}
	ctx := context.Background()
	if err := ctrl.SetMode(ctx, mode.Config{Mode: types.ModeDebate, Debate: mode.Debate{
		Topic:        topic,
		UserPosition: mode.PositionAgainst,
		Starter:      mode.StarterAI,
	}}); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	ctrl.Wait()

	var out bytes.Buffer
	s := &session{ctrl: ctrl, out: &out}
	if err := s.repl(ctx, strings.NewReader("exit\nquit\n"), &out); err != nil {
		t.Fatalf("repl: %v", err)
	}
	ctrl.Wait()

	if n := calls.Load(); n != 2 {
		t.Errorf("opener requests = %d, want one per conversation", n)
	}
	if h := ctrl.History(); len(h) != 1 || h[0].Content != "Offices kill focus." {
		t.Errorf("history = %+v, want the new opener", h)
	}
	if !strings.Contains(out.String(), "conversation ended") || strings.Contains(out.String(), "error") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrinter_StepsPromptsGoal(t *testing.T) {
	t.Parallel()

	dlg, err := dialogue.NewClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := turn.New(&audiomock.Source{}, &audiomock.Sink{}, turn.Providers{
		STT: &sttmock.Provider{}, Dialogue: dlg, TTS: &ttsmock.Provider{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	if err := ctrl.SetMode(context.Background(), mode.Config{Mode: types.ModeRoleplay, Roleplay: mode.Roleplay{
		ScenarioID:   "taxi-1",
		Title:        "Taxi",
		SystemPrompt: "You are a dispatcher.",
		Goal:         "book a taxi",
		Steps: []types.StepDefinition{
			{ID: "greet", Order: 1, TitleRu: "greet"},
			{ID: "address", Order: 2, TitleRu: "address"},
		},
	}}); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	var out bytes.Buffer
	p := printer{s: &session{ctrl: ctrl, out: &out}}

	ctrl.Modes().ApplySteps([]types.StepID{"greet"})
	p.Steps([]types.StepID{"greet"})
	if strings.Contains(out.String(), "type goal") {
		t.Errorf("prompted for goal with a step missing: %q", out.String())
	}

	ctrl.Modes().ApplySteps([]types.StepID{"greet", "address"})
	p.Steps([]types.StepID{"greet", "address"})
	if !strings.Contains(out.String(), "type goal to finish") {
		t.Errorf("no goal prompt once every step is done: %q", out.String())
	}
}
