// Package turn implements the conversation turn controller: the component
// that owns the capture → transcribe → stream → synthesize → persist
// pipeline of a spoken practice conversation.
//
// # State machine
//
//	idle ──Start──▶ listening ──Stop──▶ thinking ──reply audio──▶ speaking
//	  ▲                 │                  │                        │
//	  └─────Cancel──────┘                  └──empty/error──▶ idle ◀─┘ playback ended
//
// Exactly one turn is in flight at a time. Start while listening is the stop
// action; Start while thinking or speaking is refused with [ErrBusy].
//
// # Generations
//
// The controller bumps a conversation generation on every [Controller.Exit],
// [Controller.SetMode] and [Controller.Close]. Each asynchronous phase
// captures the generation when it begins; when its result arrives for a
// generation that is no longer current the result is dropped. Requests are
// never cancelled once sent.
//
// # Persistence
//
// The controller never talks to storage. It hands snapshots to a [Persister]
// (normally a [reconcile.Reconciler]) and ignores its errors: a reply is
// spoken even when the session could not be saved. Snapshots are stamped with
// the persister's epoch, which moves together with the generation, so a save
// still in flight when the conversation ends is refused by the persister.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/mode"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/reconcile"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultRequestTimeout bounds each remote call of a turn.
const DefaultRequestTimeout = 90 * time.Second

// Streamer streams one chat turn. [*dialogue.Client] implements it.
type Streamer interface {
	Stream(ctx context.Context, req dialogue.Request, onDelta func(string)) (dialogue.Result, error)
}

// Persister saves conversations. [*reconcile.Reconciler] implements it.
//
// UpsertSession must refuse a snapshot whose Epoch is older than the current
// one. The controller calls Reset and reads Epoch while holding its own lock,
// so Persister must never call back into the controller.
type Persister interface {
	UpsertSession(ctx context.Context, snap reconcile.Snapshot) (string, error)
	RecordCompletion(ctx context.Context, c types.CompletionRecord) (types.CompletionRecord, error)
	SetFeedback(ctx context.Context, completionID, feedback string) error
	Epoch() uint64
	Reset()
}

// FeedbackSource fetches coaching text for a conversation whose goal was
// reached. [*dialogue.Client] implements it.
type FeedbackSource interface {
	Feedback(ctx context.Context, req dialogue.FeedbackRequest) (string, error)
}

// Providers are the remote services a turn calls.
type Providers struct {
	STT      stt.Provider
	Dialogue Streamer
	TTS      tts.Provider
}

func (p Providers) validate() error {
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("turn: STT provider is required"))
	}
	if p.Dialogue == nil {
		errs = append(errs, errors.New("turn: dialogue streamer is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("turn: TTS provider is required"))
	}
	return errors.Join(errs...)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithModes uses m instead of a fresh freestyle [mode.Controller].
func WithModes(m *mode.Controller) Option {
	return func(c *Controller) { c.modes = m }
}

// WithPersister saves every turn through p.
func WithPersister(p Persister) Option {
	return func(c *Controller) { c.persist = p }
}

// WithFeedback fetches coaching text through f after the goal is reached.
func WithFeedback(f FeedbackSource) Option {
	return func(c *Controller) { c.feedback = f }
}

// WithMeter attributes the cost of every provider call to m.
func WithMeter(m billing.Meter) Option {
	return func(c *Controller) { c.meter = m }
}

// WithObserver delivers state changes, messages and errors to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithVoice selects the synthesis voice. Empty selects the provider default.
func WithVoice(v string) Option {
	return func(c *Controller) { c.voice = v }
}

// WithRequestTimeout overrides [DefaultRequestTimeout].
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRecorderOptions passes extra options to the capture engine.
func WithRecorderOptions(opts ...audio.RecorderOption) Option {
	return func(c *Controller) { c.recOpts = append(c.recOpts, opts...) }
}

// WithPlayerOptions passes extra options to the playback engine.
func WithPlayerOptions(opts ...audio.PlayerOption) Option {
	return func(c *Controller) { c.playOpts = append(c.playOpts, opts...) }
}

// Controller runs the turns of one user's conversations.
//
// All methods are safe for concurrent use.
type Controller struct {
	rec      *audio.Recorder
	player   *audio.Player
	stt      stt.Provider
	dlg      Streamer
	tts      tts.Provider
	modes    *mode.Controller
	persist  Persister
	feedback FeedbackSource
	meter    billing.Meter
	obs      Observer
	metrics  *observe.Metrics
	log      *slog.Logger
	voice    string
	timeout  time.Duration
	recOpts  []audio.RecorderOption
	playOpts []audio.PlayerOption

	// devices is the lifetime of the capture and playback devices. It ends
	// on Close.
	devices context.Context
	release context.CancelFunc

	wg sync.WaitGroup

	mu            sync.Mutex
	state         State
	gen           uint64
	acquiring     bool
	abortAcquire  bool
	closed        bool
	history       []types.Message
	lastCompleted string
}

// New returns an idle Controller capturing from src and playing to sink.
func New(src audio.Source, sink audio.Sink, p Providers, opts ...Option) (*Controller, error) {
	if src == nil || sink == nil {
		return nil, errors.New("turn: audio source and sink are required")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		stt:     p.STT,
		dlg:     p.Dialogue,
		tts:     p.TTS,
		meter:   billing.Nop{},
		obs:     NopObserver{},
		log:     slog.Default(),
		timeout: DefaultRequestTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.modes == nil {
		c.modes = mode.NewController(0)
	}
	if c.persist == nil {
		c.persist = nopPersister{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.devices, c.release = context.WithCancel(context.Background())

	recOpts := append([]audio.RecorderOption{
		audio.WithRecorderLevel(func(v float64) { c.obs.Level(LevelCapture, v) }),
	}, c.recOpts...)
	playOpts := append([]audio.PlayerOption{
		audio.WithPlayerLevel(func(v float64) { c.obs.Level(LevelPlayback, v) }),
	}, c.playOpts...)
	c.rec = audio.NewRecorder(src, recOpts...)
	c.player = audio.NewPlayer(sink, playOpts...)
	return c, nil
}

// ─── State ───────────────────────────────────────────────────────────────────

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the current conversation.
func (c *Controller) History() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Modes returns the mode controller. Use [Controller.SetMode] to switch
// modes; the returned value is for reading progress.
func (c *Controller) Modes() *mode.Controller { return c.modes }

// Recording reports how long the current recording has been running and
// whether it passed the soft maximum. Both are zero when not listening.
func (c *Controller) Recording() (elapsed time.Duration, overSoftMax bool) {
	return c.rec.Elapsed(), c.rec.OverSoftMax()
}

// Wait blocks until no turn goroutine is running.
func (c *Controller) Wait() { c.wg.Wait() }

// setLocked moves to state to. The caller holds c.mu.
func (c *Controller) setLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	c.log.Debug("turn: state", "from", from, "to", to, "gen", c.gen)
	c.obs.StateChanged(from, to)
}

// move sets state to if gen is current and the state is one of from. It
// reports whether it moved.
func (c *Controller) move(gen uint64, to State, from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !slices.Contains(from, c.state) {
		return false
	}
	c.setLocked(to)
	return true
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.closed
}

// finish ends the turn of gen quietly.
func (c *Controller) finish(gen uint64) {
	c.move(gen, StateIdle, StateThinking, StateSpeaking)
}

// fail ends the turn of gen and reports err, unless gen is stale.
func (c *Controller) fail(gen uint64, stage Stage, err error) {
	if !c.current(gen) {
		c.log.Debug("turn: dropping stale failure", "stage", stage, "err", err)
		return
	}
	te := classify(stage, err)
	c.log.Warn("turn: failed", "stage", stage, "kind", te.Kind, "err", err)
	c.metrics.RecordTurnError(context.Background(), string(te.Kind))
	c.finish(gen)
	c.obs.Error(te)
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Start begins recording. While listening it stops the recording instead and
// hands it to the turn pipeline. While thinking or speaking it returns
// [ErrBusy] and does nothing.
//
// A capture device that cannot be acquired is reported to the observer as a
// [KindPermission] error and returned; the controller stays idle.
func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateListening:
		c.mu.Unlock()
		return c.Stop(ctx)
	case c.state != StateIdle || c.acquiring:
		c.mu.Unlock()
		return ErrBusy
	}
	c.acquiring = true
	c.abortAcquire = false
	gen := c.gen
	c.mu.Unlock()

	err := c.rec.Start(c.devices)

	c.mu.Lock()
	c.acquiring = false
	if err != nil {
		c.mu.Unlock()
		if c.current(gen) {
			te := classify(StageCapture, err)
			c.log.Warn("turn: capture unavailable", "err", err)
			c.metrics.RecordTurnError(ctx, string(te.Kind))
			c.obs.Error(te)
		}
		return err
	}
	if c.abortAcquire || c.gen != gen || c.closed || c.state != StateIdle {
		closed := c.closed
		c.mu.Unlock()
		c.rec.Cancel()
		if closed {
			return ErrClosed
		}
		return nil
	}
	c.setLocked(StateListening)
	c.mu.Unlock()
	return nil
}

// Stop ends the recording and starts the turn pipeline in the background.
// It returns [ErrNotListening] when no recording is active.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return ErrNotListening
	}
	gen := c.gen
	c.setLocked(StateThinking)
	c.mu.Unlock()

	recording, err := c.rec.Stop()
	if err != nil {
		c.finish(gen)
		return err
	}
	c.wg.Go(func() { c.runTurn(gen, recording) })
	return nil
}

// Cancel discards the current recording without any network call and
// returns to idle. It is idempotent and a no-op outside listening.
func (c *Controller) Cancel() {
	c.mu.Lock()
	listening := c.state == StateListening
	if listening {
		c.setLocked(StateIdle)
	}
	if c.acquiring {
		c.abortAcquire = true
	}
	c.mu.Unlock()
	if listening {
		c.rec.Cancel()
	}
}

// ─── Turn pipeline ───────────────────────────────────────────────────────────

func (c *Controller) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Controller) runTurn(gen uint64, recording audio.Recording) {
	start := time.Now()
	ctx, cancel := c.requestContext()
	defer cancel()
	defer func() {
		c.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if !c.current(gen) {
		return
	}
	if recording.Empty() {
		c.log.Debug("turn: nothing recorded")
		c.finish(gen)
		return
	}

	sttStart := time.Now()
	tr, err := c.stt.Transcribe(ctx, stt.Audio{Data: recording.Data, MIME: recording.MIME})
	c.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		c.fail(gen, StageTranscribe, err)
		return
	}
	billed := tr.Duration
	if billed <= 0 {
		billed = recording.Duration
	}
	c.meter.Charge(ctx, billing.ServiceTranscription, billing.Usage{Duration: billed})
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		c.log.Debug("turn: empty transcript")
		c.finish(gen)
		return
	}

	history, ok := c.appendMessage(gen, types.Message{Role: types.RoleUser, Content: text})
	if !ok {
		return
	}
	c.respond(ctx, gen, c.modes.Request(history))
}

// appendMessage adds m to the history of gen and returns a copy of the
// result. It reports false when gen is stale.
func (c *Controller) appendMessage(gen uint64, m types.Message) ([]types.Message, bool) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.history = append(c.history, m)
	history := slices.Clone(c.history)
	c.mu.Unlock()
	c.obs.Message(m)
	return history, true
}

// respond streams req, applies the step report, persists and speaks the
// reply.
func (c *Controller) respond(ctx context.Context, gen uint64, req dialogue.Request) {
	llmStart := time.Now()
	c.metrics.ActiveStreams.Add(ctx, 1)
	res, err := c.dlg.Stream(ctx, req, func(delta string) {
		if c.current(gen) {
			c.obs.Delta(delta)
		}
	})
	c.metrics.ActiveStreams.Add(ctx, -1)
	c.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	c.metrics.RecordFrames(ctx, res.Frames, res.Dropped)
	if err != nil {
		c.fail(gen, StageDialogue, err)
		return
	}
	c.meter.Charge(ctx, billing.ServiceChat, billing.Usage{
		InputTokens:  promptTokens(req.Messages),
		OutputTokens: billing.EstimateTokens(res.Reply),
	})
	if !c.applySteps(gen, res) {
		c.log.Debug("turn: dropping stale reply")
		return
	}
	if strings.TrimSpace(res.Reply) == "" {
		c.log.Debug("turn: empty reply")
		c.finish(gen)
		return
	}

	history, ok := c.appendMessage(gen, types.Message{Role: types.RoleAssistant, Content: res.Reply})
	if !ok {
		return
	}
	c.save(ctx, gen, history)
	c.speak(ctx, gen, res.Reply)
}

// applySteps records the step report of res for gen. The check and the
// update share c.mu so that a report from an ended conversation never reaches
// the next one. It reports false when gen is stale.
func (c *Controller) applySteps(gen uint64, res dialogue.Result) bool {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return false
	}
	if res.SawSteps {
		c.modes.ApplySteps(res.Steps)
	}
	c.mu.Unlock()
	if res.SawSteps {
		c.obs.Steps(res.Steps)
	}
	return true
}

// speak synthesizes text and plays it. The controller enters speaking once
// playback has started and returns to idle when it ends.
func (c *Controller) speak(ctx context.Context, gen uint64, text string) {
	ttsStart := time.Now()
	sp, err := c.tts.Synthesize(ctx, text, c.voice)
	c.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
	if err != nil {
		if errors.Is(err, tts.ErrEmptyText) {
			c.finish(gen)
			return
		}
		c.fail(gen, StageSynthesize, err)
		return
	}
	chars := sp.Characters
	if chars == 0 {
		chars = utf8.RuneCountInString(text)
	}
	c.meter.Charge(ctx, billing.ServiceSpeech, billing.Usage{Characters: chars})
	if !c.current(gen) {
		return
	}

	done, err := c.player.Play(c.devices, sp.Audio)
	if err != nil {
		c.log.Warn("turn: reply not playable", "err", err)
		c.finish(gen)
		return
	}
	if !c.move(gen, StateSpeaking, StateThinking) {
		c.player.Stop()
		<-done
		return
	}
	<-done
	c.move(gen, StateIdle, StateSpeaking)
}

// save upserts the conversation of gen. Failures are the persister's to
// report; the turn goes on.
func (c *Controller) save(ctx context.Context, gen uint64, history []types.Message) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	m, scenario, debate := c.modes.Link()
	snap := reconcile.Snapshot{
		Epoch:          c.persist.Epoch(),
		Mode:           m,
		Messages:       history,
		CompletedSteps: c.modes.CompletedSteps().IDs(),
		Scenario:       scenario,
		Debate:         debate,
	}
	c.mu.Unlock()

	_, err := c.persist.UpsertSession(ctx, snap)
	switch {
	case errors.Is(err, reconcile.ErrStale):
		c.log.Debug("turn: conversation ended before save", "err", err)
	case err != nil:
		c.log.Warn("turn: session not saved", "err", err)
	}
}

func promptTokens(msgs []types.Message) int {
	n := 0
	for _, m := range msgs {
		n += billing.EstimateTokens(m.Content)
	}
	return n
}

// ─── Conversation ────────────────────────────────────────────────────────────

// Open plays the conversation's opener when the active mode has one that has
// not been played yet: a roleplay opening line is spoken as is, a debate
// where the AI starts streams its first argument. It does nothing otherwise.
// The opener runs in the background like any other turn.
func (c *Controller) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle || c.acquiring {
		c.mu.Unlock()
		return ErrBusy
	}
	if len(c.history) > 0 {
		c.mu.Unlock()
		return nil
	}
	op, ok := c.modes.ClaimOpener()
	if !ok {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.setLocked(StateThinking)
	c.mu.Unlock()

	c.wg.Go(func() { c.runOpener(gen, op) })
	return nil
}

func (c *Controller) runOpener(gen uint64, op mode.Opener) {
	ctx, cancel := c.requestContext()
	defer cancel()

	if op.Line == "" {
		c.respond(ctx, gen, op.Request)
		return
	}
	history, ok := c.appendMessage(gen, types.Message{Role: types.RoleAssistant, Content: op.Line})
	if !ok {
		return
	}
	c.save(ctx, gen, history)
	c.speak(ctx, gen, op.Line)
}

// Exit ends the current conversation: recording and playback stop, the
// history and mode progress are cleared, and the next turn starts a new
// session row. Results of requests still in flight are dropped.
func (c *Controller) Exit() {
	c.endConversation()
	c.modes.Reset()
}

// SetMode ends the current conversation, switches to cfg and plays the new
// mode's opener, if any. On a validation error nothing changes.
func (c *Controller) SetMode(ctx context.Context, cfg mode.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.endConversation()
	if err := c.modes.Set(cfg); err != nil {
		return err
	}
	c.log.Info("turn: mode switched", "mode", cfg.Mode)
	return c.Open(ctx)
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) endConversation() {
	c.mu.Lock()
	c.gen++
	c.history = nil
	c.lastCompleted = ""
	if c.acquiring {
		c.abortAcquire = true
	}
	c.setLocked(StateIdle)
	c.persist.Reset()
	c.mu.Unlock()

	c.rec.Cancel()
	c.player.Stop()
}

// GoalReached finishes a roleplay or debate attempt. It fails with
// [mode.ErrGoalNotReached] while scenario steps are missing, and with
// [ErrBusy] while a turn is in flight. The session row is brought up to
// date, a completion record is written and, when a [FeedbackSource] is
// configured, coaching text is fetched and stored with it.
func (c *Controller) GoalReached(ctx context.Context) (types.CompletionRecord, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.CompletionRecord{}, ErrClosed
	}
	if c.state != StateIdle || c.acquiring {
		c.mu.Unlock()
		return types.CompletionRecord{}, ErrBusy
	}
	gen := c.gen
	history := slices.Clone(c.history)
	c.mu.Unlock()

	rec, err := c.modes.GoalReached()
	if err != nil {
		return types.CompletionRecord{}, err
	}
	if len(history) > 0 {
		c.save(ctx, gen, history)
	}
	rec, err = c.persist.RecordCompletion(ctx, rec)
	if err != nil {
		c.log.Debug("turn: completion not saved", "err", err)
	}
	c.mu.Lock()
	if c.gen == gen {
		c.lastCompleted = rec.ID
	}
	c.mu.Unlock()
	c.log.Info("turn: goal reached", "mode", rec.Mode, "steps", len(rec.CompletedSteps), "completion_id", rec.ID)

	if c.feedback == nil || len(history) == 0 {
		return rec, nil
	}
	fb, err := c.feedback.Feedback(ctx, c.modes.FeedbackRequest(history))
	if err != nil {
		c.log.Warn("turn: feedback unavailable", "err", err)
		return rec, nil
	}
	if !c.current(gen) {
		return rec, nil
	}
	c.modes.SetFeedback(fb)
	if rec.ID != "" {
		if err := c.persist.SetFeedback(ctx, rec.ID, fb); err != nil {
			c.log.Debug("turn: feedback not saved", "err", err)
		}
	}
	rec.Feedback = fb
	return rec, nil
}

// LastCompletion returns the id of the completion record written by the
// last GoalReached of the current conversation, or "".
func (c *Controller) LastCompletion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCompleted
}

// Close stops recording and playback and refuses further turns. Requests in
// flight run to completion and their results are dropped; use Wait to block
// until they have.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.setLocked(StateIdle)
	c.mu.Unlock()

	c.rec.Cancel()
	c.player.Stop()
	c.release()
	return nil
}

type nopPersister struct{}

func (nopPersister) UpsertSession(context.Context, reconcile.Snapshot) (string, error) {
	return "", nil
}

func (nopPersister) RecordCompletion(_ context.Context, c types.CompletionRecord) (types.CompletionRecord, error) {
	return c, nil
}

func (nopPersister) SetFeedback(context.Context, string, string) error { return nil }
func (nopPersister) Epoch() uint64 { return 0 }
func (nopPersister) Reset() {}
