package mode_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/mode"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/types"
)

func roleplayConfig(steps ...types.StepID) mode.Config {
	defs := make([]types.StepDefinition, 0, len(steps))
	for i, id := range steps {
		defs = append(defs, types.StepDefinition{ID: id, Order: i + 1, TitleRu: string(id)})
	}
	return mode.Config{
		Mode: types.ModeRoleplay,
		Roleplay: mode.Roleplay{
			ScenarioID:   "coffee-1",
			Title:        "Coffee shop",
			SystemPrompt: "You are a barista.",
			Steps:        defs,
			Goal:         "order a coffee",
		},
	}
}

func debateConfig(t *testing.T) mode.Config {
	t.Helper()
	topic, v := mode.NewTopic("Remote work is better than office work", mode.SourceCustom)
	if v.Rejected() {
		t.Fatalf("topic rejected: %v", v.Errors)
	}
	return mode.Config{
		Mode: types.ModeDebate,
		Debate: mode.Debate{
			Topic:        topic,
			UserPosition: mode.PositionFor,
			Difficulty:   mode.DifficultyHard,
			MicroGoals:   []mode.MicroGoalID{mode.GoalConcession},
		},
	}
}

func TestGoalReached_Gating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		steps     []types.StepID
		completed []types.StepID
		wantErr   error
	}{
		{name: "no steps always allowed", wantErr: nil},
		{name: "missing step rejected", steps: []types.StepID{"S1", "S2"}, completed: []types.StepID{"S1"}, wantErr: mode.ErrGoalNotReached},
		{name: "nothing completed rejected", steps: []types.StepID{"S1"}, wantErr: mode.ErrGoalNotReached},
		{name: "all steps allowed", steps: []types.StepID{"S1", "S2"}, completed: []types.StepID{"S2", "S1"}, wantErr: nil},
		{name: "extra ids do not matter", steps: []types.StepID{"S1"}, completed: []types.StepID{"S1", "X"}, wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := mode.NewController(0)
			if err := c.Set(roleplayConfig(tt.steps...)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			c.ApplySteps(tt.completed)

			rec, err := c.GoalReached()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GoalReached err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if rec.Mode != types.ModeRoleplay || rec.Scenario == nil || rec.Scenario.ScenarioID != "coffee-1" {
				t.Errorf("unexpected record %+v", rec)
			}
			if _, err := c.GoalReached(); !errors.Is(err, mode.ErrAlreadyFinished) {
				t.Errorf("second GoalReached err = %v, want ErrAlreadyFinished", err)
			}
		})
	}
}

func TestGoalReached_Freestyle(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	if _, err := c.GoalReached(); !errors.Is(err, mode.ErrNoGoal) {
		t.Fatalf("err = %v, want ErrNoGoal", err)
	}
}

func TestApplySteps_Replaces(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	if err := c.Set(roleplayConfig("S1", "S2", "S3")); err != nil {
		t.Fatal(err)
	}
	c.ApplySteps([]types.StepID{"S1", "S2"})
	c.ApplySteps([]types.StepID{"S3"})

	got := c.CompletedSteps()
	if len(got) != 1 || !got.Has("S3") {
		t.Fatalf("completed = %v, want only S3", got.IDs())
	}
}

func TestApplySteps_IgnoredInFreestyle(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	c.ApplySteps([]types.StepID{"S1"})
	if n := len(c.CompletedSteps()); n != 0 {
		t.Fatalf("completed has %d ids, want 0", n)
	}
}

func TestSet_DebateToFreestyleClearsState(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	if err := c.Set(debateConfig(t)); err != nil {
		t.Fatal(err)
	}
	c.ApplySteps([]types.StepID{"opening"})
	if _, ok := c.ClaimOpener(); !ok {
		t.Fatal("debate opener not claimable")
	}
	if _, err := c.GoalReached(); err != nil {
		t.Fatalf("GoalReached: %v", err)
	}
	c.SetFeedback("Хорошая работа")

	if err := c.Set(mode.Config{Mode: types.ModeFreestyle}); err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if st.Mode != types.ModeFreestyle {
		t.Errorf("mode = %q", st.Mode)
	}
	if st.Debate != nil || st.Roleplay != nil {
		t.Errorf("mode sections leaked: %+v", st)
	}
	if len(st.CompletedSteps) != 0 || st.Finished || st.Feedback != "" {
		t.Errorf("conversation state leaked: %+v", st)
	}
	if _, scen, deb := c.Link(); scen != nil || deb != nil {
		t.Errorf("linkage leaked: %v %v", scen, deb)
	}
	req := c.Request(nil)
	if req.ScenarioSteps != nil {
		t.Errorf("freestyle request carries steps: %v", req.ScenarioSteps)
	}
}

func TestSet_InvalidKeepsPrevious(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	if err := c.Set(roleplayConfig("S1")); err != nil {
		t.Fatal(err)
	}
	c.ApplySteps([]types.StepID{"S1"})

	tests := []struct {
		name string
		cfg  mode.Config
		want error
	}{
		{name: "unknown mode", cfg: mode.Config{Mode: "karaoke"}, want: mode.ErrInvalidMode},
		{name: "roleplay without scenario", cfg: mode.Config{Mode: types.ModeRoleplay}, want: mode.ErrNoScenario},
		{name: "debate rejected topic", cfg: mode.Config{Mode: types.ModeDebate, Debate: mode.Debate{
			Topic: mode.Topic{Original: "short", Status: mode.StatusRejected}, UserPosition: mode.PositionFor,
		}}, want: mode.ErrTopicRejected},
		{name: "debate bad position", cfg: mode.Config{Mode: types.ModeDebate, Debate: mode.Debate{
			Topic: mode.Topic{Original: "Cats are better than dogs", Status: mode.StatusValid}, UserPosition: "maybe",
		}}, want: mode.ErrInvalidPosition},
	}
	for _, tt := range tests {
		if err := c.Set(tt.cfg); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if c.Mode() != types.ModeRoleplay || !c.CompletedSteps().Has("S1") {
		t.Fatalf("state changed by invalid Set: %+v", c.State())
	}
}

func TestRequest_PerMode(t *testing.T) {
	t.Parallel()
	history := []types.Message{{Role: types.RoleUser, Content: "hi"}}

	t.Run("freestyle", func(t *testing.T) {
		t.Parallel()
		c := mode.NewController(0)
		err := c.Set(mode.Config{Mode: types.ModeFreestyle, Freestyle: mode.Freestyle{
			Style:   dialogue.StyleSettings{SlangMode: "extreme", AIMayUseProfanity: true},
			Context: dialogue.FreestyleContext{ToneFormality: 150, MicroGoals: []string{"a", "b", "c", "d"}},
		}})
		if err != nil {
			t.Fatal(err)
		}
		req := c.Request(history)
		if req.MaxTokens != dialogue.DefaultMaxTokens {
			t.Errorf("max tokens = %d", req.MaxTokens)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != types.RoleUser {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.RoleplaySettings == nil || req.RoleplaySettings.SlangMode != dialogue.SlangOff || req.RoleplaySettings.AIMayUseProfanity {
			t.Errorf("settings not normalized: %+v", req.RoleplaySettings)
		}
		if req.FreestyleContext == nil || req.FreestyleContext.ToneFormality != 100 || len(req.FreestyleContext.MicroGoals) != 3 {
			t.Errorf("context not normalized: %+v", req.FreestyleContext)
		}
	})

	t.Run("roleplay", func(t *testing.T) {
		t.Parallel()
		c := mode.NewController(800)
		if err := c.Set(roleplayConfig("S1", "S2")); err != nil {
			t.Fatal(err)
		}
		req := c.Request(history)
		if req.MaxTokens != 800 {
			t.Errorf("max tokens = %d", req.MaxTokens)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem || req.Messages[0].Content != "You are a barista." {
			t.Errorf("messages = %+v", req.Messages)
		}
		if len(req.ScenarioSteps) != 2 || req.FreestyleContext != nil {
			t.Errorf("steps = %v, freestyle = %v", req.ScenarioSteps, req.FreestyleContext)
		}
	})

	t.Run("roleplay without steps omits them", func(t *testing.T) {
		t.Parallel()
		c := mode.NewController(0)
		if err := c.Set(roleplayConfig()); err != nil {
			t.Fatal(err)
		}
		if req := c.Request(history); req.ScenarioSteps != nil {
			t.Errorf("steps = %v", req.ScenarioSteps)
		}
	})

	t.Run("debate", func(t *testing.T) {
		t.Parallel()
		c := mode.NewController(0)
		if err := c.Set(debateConfig(t)); err != nil {
			t.Fatal(err)
		}
		req := c.Request(history)
		if req.Messages[0].Role != types.RoleSystem || !strings.Contains(req.Messages[0].Content, "DIFFICULTY LEVEL: Hard") {
			t.Errorf("system prompt missing difficulty")
		}
		if len(req.ScenarioSteps) != 4 || req.ScenarioSteps[3].Criteria.MinUserTurns != 3 {
			t.Errorf("hard steps not attached: %+v", req.ScenarioSteps)
		}
	})
}

func TestClaimOpener_Once(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	if _, ok := c.ClaimOpener(); ok {
		t.Fatal("freestyle has no opener")
	}

	if err := c.Set(debateConfig(t)); err != nil {
		t.Fatal(err)
	}
	op, ok := c.ClaimOpener()
	if !ok {
		t.Fatal("first claim failed")
	}
	if op.Line != "" || len(op.Request.Messages) != 2 || op.Request.Messages[1].Content != mode.DebateOpenerPrompt {
		t.Errorf("unexpected opener %+v", op)
	}
	if op.Request.ScenarioSteps != nil {
		t.Errorf("opener carries steps")
	}
	if _, ok := c.ClaimOpener(); ok {
		t.Fatal("second claim succeeded")
	}

	c.Reset()
	if _, ok := c.ClaimOpener(); !ok {
		t.Fatal("claim after Reset failed")
	}
}

func TestClaimOpener_UserStartsDebate(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	cfg := debateConfig(t)
	cfg.Debate.Starter = mode.StarterUser
	if err := c.Set(cfg); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.ClaimOpener(); ok {
		t.Fatal("user-started debate produced an opener")
	}
}

func TestClaimOpener_RoleplayLine(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	cfg := roleplayConfig()
	cfg.Roleplay.Opening = "Hi there, what can I get you?"
	if err := c.Set(cfg); err != nil {
		t.Fatal(err)
	}
	op, ok := c.ClaimOpener()
	if !ok || op.Line != "Hi there, what can I get you?" {
		t.Fatalf("opener = %+v, %v", op, ok)
	}
}

func TestGoalReached_DebateRecord(t *testing.T) {
	t.Parallel()
	c := mode.NewController(0)
	if err := c.Set(debateConfig(t)); err != nil {
		t.Fatal(err)
	}
	c.ApplySteps([]types.StepID{"opening"})
	rec, err := c.GoalReached()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Debate == nil || rec.Debate.UserPosition != "for" || rec.Debate.AIPosition != "against" || rec.Debate.Difficulty != "hard" {
		t.Fatalf("debate link = %+v", rec.Debate)
	}
	if len(rec.CompletedSteps) != 1 || rec.CompletedSteps[0] != "opening" {
		t.Fatalf("steps = %v", rec.CompletedSteps)
	}
}

func TestFeedbackRequest(t *testing.T) {
	t.Parallel()
	history := []types.Message{
		{Role: types.RoleSystem, Content: "ignored"},
		{Role: types.RoleUser, Content: "A latte please"},
		{Role: types.RoleAssistant, Content: "Sure."},
	}

	c := mode.NewController(0)
	if err := c.Set(roleplayConfig("s1")); err != nil {
		t.Fatal(err)
	}
	req := c.FeedbackRequest(history)
	if req.Mode != types.ModeRoleplay || req.ScenarioID != "coffee-1" || req.ScenarioTitle != "Coffee shop" || req.Goal != "order a coffee" {
		t.Errorf("roleplay request = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleUser {
		t.Errorf("messages = %+v, want system message dropped", req.Messages)
	}
	if req.RoleplaySettings == nil || req.RoleplaySettings.SlangMode != dialogue.SlangOff {
		t.Errorf("settings = %+v", req.RoleplaySettings)
	}

	if err := c.Set(debateConfig(t)); err != nil {
		t.Fatal(err)
	}
	req = c.FeedbackRequest(history)
	if req.Mode != types.ModeDebate || req.Topic == "" || req.UserPosition != "for" || req.AIPosition != "against" {
		t.Errorf("debate request = %+v", req)
	}
	if req.ScenarioID != "" {
		t.Errorf("debate request carried scenario id %q", req.ScenarioID)
	}
}
