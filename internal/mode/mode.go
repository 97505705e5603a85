// Package mode frames a conversation for the language model. It owns the
// per-conversation state of the three interaction modes: freestyle, roleplay
// and debate.
//
// A [Controller] holds exactly one mode configuration at a time. Switching
// configuration through [Controller.Set] discards every piece of state that
// belonged to the previous mode: completed steps, the opener guard, the goal
// flag and any pending feedback. Nothing is carried across.
//
// All methods on [Controller] are safe for concurrent use.
package mode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrGoalNotReached is returned by [Controller.GoalReached] while at least
	// one scenario step is still missing from the completed set.
	ErrGoalNotReached = errors.New("mode: goal not reached")

	// ErrNoGoal is returned by [Controller.GoalReached] in freestyle mode.
	ErrNoGoal = errors.New("mode: conversation has no goal")

	// ErrAlreadyFinished is returned when the goal was already recorded for
	// the current conversation.
	ErrAlreadyFinished = errors.New("mode: goal already recorded")

	ErrInvalidMode     = errors.New("mode: invalid mode")
	ErrNoScenario      = errors.New("mode: roleplay requires a scenario id")
	ErrTopicRejected   = errors.New("mode: debate topic rejected")
	ErrInvalidPosition = errors.New("mode: debate position must be for or against")
)

// Config selects a mode and carries its settings. Only the section matching
// Mode is read.
type Config struct {
	Mode      types.Mode
	Freestyle Freestyle
	Roleplay  Roleplay
	Debate    Debate
}

// Validate checks the section selected by Mode.
func (c Config) Validate() error {
	switch c.Mode {
	case types.ModeFreestyle:
		return nil
	case types.ModeRoleplay:
		if c.Roleplay.ScenarioID == "" {
			return ErrNoScenario
		}
		return nil
	case types.ModeDebate:
		var errs []error
		if c.Debate.UserPosition != PositionFor && c.Debate.UserPosition != PositionAgainst {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidPosition, c.Debate.UserPosition))
		}
		if c.Debate.Topic.Status == StatusRejected || Normalize(c.Debate.Topic.promptText()) == "" {
			errs = append(errs, ErrTopicRejected)
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
}

// normalized fills defaults and drops the sections Mode does not use.
func (c Config) normalized() Config {
	out := Config{Mode: c.Mode}
	switch c.Mode {
	case types.ModeFreestyle:
		out.Freestyle = Freestyle{
			Style:   c.Freestyle.Style.Normalized(),
			Context: c.Freestyle.Context.Normalized(),
		}
	case types.ModeRoleplay:
		out.Roleplay = c.Roleplay
		out.Roleplay.Style = c.Roleplay.Style.Normalized()
	case types.ModeDebate:
		d := c.Debate
		d.Difficulty = d.Difficulty.OrDefault()
		if d.Starter != StarterUser {
			d.Starter = StarterAI
		}
		if d.Topic.Normalized == "" {
			d.Topic.Normalized = Normalize(d.Topic.Original)
		}
		d.Style = d.Style.Normalized()
		out.Debate = d
	}
	return out
}

// Opener is the first assistant turn of a conversation, produced without
// user audio. Exactly one of Line and Request is meaningful.
type Opener struct {
	// Line is spoken verbatim when non-empty.
	Line string

	// Request is streamed through the dialogue client when Line is empty.
	Request dialogue.Request
}

// State is a point-in-time copy of a [Controller].
type State struct {
	Mode           types.Mode
	Freestyle      *Freestyle
	Roleplay       *Roleplay
	Debate         *Debate
	CompletedSteps []types.StepID
	Finished       bool
	Feedback       string
	OpenerPending  bool
}

// Controller holds the active mode and its per-conversation progress.
type Controller struct {
	maxTokens int

	mu        sync.Mutex
	cfg       Config
	completed types.StepSet
	opened    bool
	finished  bool
	feedback  string
}

// NewController returns a Controller in freestyle mode with default style
// settings. maxTokens is the completion budget put on every request; zero
// selects [dialogue.DefaultMaxTokens].
func NewController(maxTokens int) *Controller {
	if maxTokens <= 0 {
		maxTokens = dialogue.DefaultMaxTokens
	}
	return &Controller{
		maxTokens: maxTokens,
		cfg:       Config{Mode: types.ModeFreestyle}.normalized(),
		completed: types.NewStepSet(),
	}
}

// Set replaces the active configuration and clears all conversation state.
// On a validation error the previous configuration stays in place.
func (c *Controller) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.normalized()
	c.resetLocked()
	return nil
}

// Reset clears conversation state but keeps the configuration, so the next
// turn starts a fresh conversation in the same mode.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.completed = types.NewStepSet()
	c.opened = false
	c.finished = false
	c.feedback = ""
}

// Mode returns the active mode.
func (c *Controller) Mode() types.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Mode
}

// State returns a copy of the controller's state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Mode:           c.cfg.Mode,
		CompletedSteps: c.completed.IDs(),
		Finished:       c.finished,
		Feedback:       c.feedback,
		OpenerPending:  c.openerLocked() && !c.opened,
	}
	switch c.cfg.Mode {
	case types.ModeFreestyle:
		f := c.cfg.Freestyle
		st.Freestyle = &f
	case types.ModeRoleplay:
		r := c.cfg.Roleplay
		st.Roleplay = &r
	case types.ModeDebate:
		d := c.cfg.Debate
		st.Debate = &d
	}
	return st
}

// Steps returns the checklist of the active mode, or nil in freestyle.
func (c *Controller) Steps() []types.StepDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsLocked()
}

func (c *Controller) stepsLocked() []types.StepDefinition {
	switch c.cfg.Mode {
	case types.ModeRoleplay:
		return c.cfg.Roleplay.Steps
	case types.ModeDebate:
		return c.cfg.Debate.Steps()
	}
	return nil
}

// ApplySteps replaces the completed-step set with ids. The latest report is
// authoritative; earlier sets are never merged in. Freestyle ignores it.
func (c *Controller) ApplySteps(ids []types.StepID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Mode == types.ModeFreestyle {
		return
	}
	c.completed = types.NewStepSet(ids...)
}

// CompletedSteps returns a copy of the completed-step set.
func (c *Controller) CompletedSteps() types.StepSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.NewStepSet(c.completed.IDs()...)
}

// CanFinish reports whether [Controller.GoalReached] would succeed.
func (c *Controller) CanFinish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canFinishLocked()
}

func (c *Controller) canFinishLocked() error {
	switch c.cfg.Mode {
	case types.ModeFreestyle:
		return ErrNoGoal
	case types.ModeRoleplay:
		if !c.completed.ContainsAll(c.cfg.Roleplay.Steps) {
			return ErrGoalNotReached
		}
	}
	if c.finished {
		return ErrAlreadyFinished
	}
	return nil
}

// GoalReached marks the conversation finished and returns the completion
// record to persist. A roleplay with steps is rejected with
// [ErrGoalNotReached] until every step is completed; a scenario without
// steps may always finish. Debates may finish at any time.
func (c *Controller) GoalReached() (types.CompletionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.canFinishLocked(); err != nil {
		return types.CompletionRecord{}, err
	}
	c.finished = true
	rec := types.CompletionRecord{
		Mode:           c.cfg.Mode,
		CompletedSteps: c.completed.IDs(),
	}
	switch c.cfg.Mode {
	case types.ModeRoleplay:
		rec.Scenario = c.cfg.Roleplay.Link()
	case types.ModeDebate:
		rec.Debate = c.cfg.Debate.Link()
	}
	return rec, nil
}

// SetFeedback stores coaching text fetched after the goal was reached.
func (c *Controller) SetFeedback(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedback = text
}

// Feedback returns the pending coaching text.
func (c *Controller) Feedback() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedback
}

// Link returns the active mode and its persistence linkage fields.
func (c *Controller) Link() (types.Mode, *types.ScenarioLink, *types.DebateLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.cfg.Mode {
	case types.ModeRoleplay:
		return c.cfg.Mode, c.cfg.Roleplay.Link(), nil
	case types.ModeDebate:
		return c.cfg.Mode, nil, c.cfg.Debate.Link()
	}
	return c.cfg.Mode, nil, nil
}

// FeedbackRequest builds the coaching request for history. System messages
// are not sent.
func (c *Controller) FeedbackRequest(history []types.Message) dialogue.FeedbackRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := dialogue.FeedbackRequest{Mode: c.cfg.Mode}
	for _, m := range history {
		if m.Role != types.RoleSystem {
			req.Messages = append(req.Messages, m)
		}
	}
	var style dialogue.StyleSettings
	switch c.cfg.Mode {
	case types.ModeFreestyle:
		style = c.cfg.Freestyle.Style
	case types.ModeRoleplay:
		r := c.cfg.Roleplay
		style = r.Style
		req.ScenarioID, req.ScenarioTitle, req.Goal = r.ScenarioID, r.Title, r.Goal
	case types.ModeDebate:
		d := c.cfg.Debate
		style = d.Style
		link := d.Link()
		req.Topic, req.UserPosition, req.AIPosition = link.Topic, link.UserPosition, link.AIPosition
	}
	req.RoleplaySettings = &style
	return req
}

// Request builds the chat request for history. Roleplay and debate prepend
// their system prompt and attach the step checklist.
func (c *Controller) Request(history []types.Message) dialogue.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := dialogue.Request{MaxTokens: c.maxTokens}
	var system string
	switch c.cfg.Mode {
	case types.ModeFreestyle:
		style := c.cfg.Freestyle.Style
		fc := c.cfg.Freestyle.Context
		req.RoleplaySettings = &style
		req.FreestyleContext = &fc
	case types.ModeRoleplay:
		style := c.cfg.Roleplay.Style
		req.RoleplaySettings = &style
		system = c.cfg.Roleplay.SystemPrompt
		if len(c.cfg.Roleplay.Steps) > 0 {
			req.ScenarioSteps = c.cfg.Roleplay.Steps
		}
	case types.ModeDebate:
		style := c.cfg.Debate.Style
		req.RoleplaySettings = &style
		system = c.cfg.Debate.SystemPrompt()
		req.ScenarioSteps = c.cfg.Debate.Steps()
	}
	req.Messages = withSystem(system, history)
	return req
}

func withSystem(system string, history []types.Message) []types.Message {
	out := make([]types.Message, 0, len(history)+1)
	if system != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: system})
	}
	return append(out, history...)
}

func (c *Controller) openerLocked() bool {
	switch c.cfg.Mode {
	case types.ModeRoleplay:
		return c.cfg.Roleplay.Opening != ""
	case types.ModeDebate:
		return c.cfg.Debate.Starter == StarterAI
	}
	return false
}

// ClaimOpener returns the conversation's opening turn the first time it is
// called after Set or Reset, and false on every later call or when the mode
// has no opener.
func (c *Controller) ClaimOpener() (Opener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened || !c.openerLocked() {
		return Opener{}, false
	}
	c.opened = true

	if c.cfg.Mode == types.ModeRoleplay {
		return Opener{Line: c.cfg.Roleplay.Opening}, true
	}
	style := c.cfg.Debate.Style
	return Opener{Request: dialogue.Request{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: c.cfg.Debate.SystemPrompt()},
			{Role: types.RoleUser, Content: DebateOpenerPrompt},
		},
		MaxTokens:        c.maxTokens,
		RoleplaySettings: &style,
	}}, true
}
