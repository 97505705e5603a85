package turn_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/mode"
	"github.com/MrWong99/parley/internal/reconcile"
	"github.com/MrWong99/parley/internal/store/memstore"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type transition struct{ from, to turn.State }

// recorder is an Observer that keeps every event.
type recorder struct {
	turn.NopObserver

	mu          sync.Mutex
	transitions []transition
	messages    []types.Message
	deltas      []string
	errs        []*turn.TurnError
}

func (r *recorder) StateChanged(from, to turn.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from, to})
}

func (r *recorder) Message(m types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) Delta(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, s)
}

func (r *recorder) Error(err *turn.TurnError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transitions)
}

func (r *recorder) Errors() []*turn.TurnError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

func (r *recorder) Deltas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deltas)
}

// chatServer answers chat calls with the queued responses in order and
// repeats the last one when the queue runs out.
type chatServer struct {
	*httptest.Server

	mu      sync.Mutex
	replies []func(w http.ResponseWriter)
	calls   int
	last    dialogue.Request
}

func ndjson(lines ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
		}
	}
}

func status(code int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func newChatServer(t *testing.T, replies ...func(w http.ResponseWriter)) *chatServer {
	t.Helper()
	cs := &chatServer{replies: replies}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != dialogue.Path {
			http.NotFound(w, r)
			return
		}
		var req dialogue.Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		cs.mu.Lock()
		cs.calls++
		cs.last = req
		reply := cs.replies[0]
		if len(cs.replies) > 1 {
			cs.replies = cs.replies[1:]
		}
		cs.mu.Unlock()
		reply(w)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) Calls() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calls
}

func (cs *chatServer) Last() dialogue.Request {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.last
}

// brokenStore fails session writes and keeps everything else.
type brokenStore struct {
	*memstore.Store
	failCreate, failUpdate bool
}

var errDiskFull = errors.New("disk full")

func (s *brokenStore) CreateSession(ctx context.Context, sess *types.Session) error {
	if s.failCreate {
		return errDiskFull
	}
	return s.Store.CreateSession(ctx, sess)
}

func (s *brokenStore) UpdateSession(ctx context.Context, sess *types.Session) error {
	if s.failUpdate {
		return errDiskFull
	}
	return s.Store.UpdateSession(ctx, sess)
}

// exitingPersister ends the conversation right before its n-th upsert
// reaches the store, as if the user exited while the save was in flight.
type exitingPersister struct {
	*reconcile.Reconciler
	ctl *turn.Controller
	n   int

	mu    sync.Mutex
	calls int
	errs  []error
}

func (p *exitingPersister) UpsertSession(ctx context.Context, snap reconcile.Snapshot) (string, error) {
	p.mu.Lock()
	p.calls++
	exit := p.calls == p.n
	p.mu.Unlock()
	if exit {
		p.ctl.Exit()
	}
	id, err := p.Reconciler.UpsertSession(ctx, snap)
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
	return id, err
}

func (p *exitingPersister) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.errs)
}

type staticFeedback string

func (f staticFeedback) Feedback(context.Context, dialogue.FeedbackRequest) (string, error) {
	return string(f), nil
}

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	ctl    *turn.Controller
	src    *audiomock.Source
	sink   *audiomock.Sink
	stt    *sttmock.Provider
	tts    *ttsmock.Provider
	chat   *chatServer
	store  *memstore.Store
	obs    *recorder
	ledger *billing.Ledger
}

func newHarness(t *testing.T, chat *chatServer, opts ...turn.Option) *harness {
	t.Helper()
	h := &harness{
		src: &audiomock.Source{Frames: []audio.AudioFrame{
			{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1},
		}},
		sink:   &audiomock.Sink{},
		stt:    &sttmock.Provider{Result: stt.Transcript{Text: "I'd like a coffee"}},
		tts:    &ttsmock.Provider{Result: tts.Speech{Audio: []byte("mp3-bytes"), MIME: "audio/mpeg"}},
		chat:   chat,
		store:  memstore.New(),
		obs:    &recorder{},
		ledger: billing.NewLedger(nil),
	}
	client, err := dialogue.NewClient(chat.URL)
	if err != nil {
		t.Fatal(err)
	}
	base := []turn.Option{
		turn.WithPersister(reconcile.New(h.store, "owner-1")),
		turn.WithObserver(h.obs),
		turn.WithMeter(h.ledger),
		turn.WithRequestTimeout(5 * time.Second),
	}
	h.ctl, err = turn.New(h.src, h.sink, turn.Providers{STT: h.stt, Dialogue: client, TTS: h.tts}, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.ctl.Close() })
	return h
}

// speak runs one full user turn and waits for it to settle.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.ctl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.ctl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.ctl.Wait()
}

func (h *harness) sessions(t *testing.T) []types.Session {
	t.Helper()
	list, err := h.store.ListSessions(context.Background(), "owner-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func roleplay(steps ...types.StepID) mode.Config {
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

func debate(t *testing.T) mode.Config {
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
			Starter:      mode.StarterAI,
		},
	}
}

var roleplayReply = ndjson(
	`{"type":"chunk","delta":"Sure, "}`,
	`{"type":"chunk","delta":"what would you like?"}`,
	`{"type":"steps","completedStepIds":["S1"]}`,
	`{"type":"done"}`,
)

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestTurn_RoleplayEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, newChatServer(t, roleplayReply))
	if err := h.ctl.SetMode(ctx, roleplay("S1", "S2")); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	h.speak(t)

	const want = "Sure, what would you like?"
	got := h.ctl.History()
	if len(got) != 2 || got[0].Content != "I'd like a coffee" || got[1].Role != types.RoleAssistant || got[1].Content != want {
		t.Fatalf("history = %+v", got)
	}
	if ids := h.ctl.Modes().CompletedSteps().IDs(); !slices.Equal(ids, []types.StepID{"S1"}) {
		t.Errorf("completed = %v, want [S1]", ids)
	}
	if d := h.obs.Deltas(); !slices.Equal(d, []string{"Sure, ", "what would you like?"}) {
		t.Errorf("deltas = %q", d)
	}
	wantTr := []transition{
		{turn.StateIdle, turn.StateListening},
		{turn.StateListening, turn.StateThinking},
		{turn.StateThinking, turn.StateSpeaking},
		{turn.StateSpeaking, turn.StateIdle},
	}
	if tr := h.obs.Transitions(); !slices.Equal(tr, wantTr) {
		t.Errorf("transitions = %v, want %v", tr, wantTr)
	}
	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state = %v, want idle", h.ctl.State())
	}

	if texts := h.tts.Texts(); !slices.Equal(texts, []string{want}) {
		t.Errorf("spoken = %q, want the reply verbatim", texts)
	}
	if p := h.sink.Payloads(); len(p) != 1 || string(p[0]) != "mp3-bytes" {
		t.Errorf("played = %q", p)
	}

	req := h.chat.Last()
	if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem || len(req.ScenarioSteps) != 2 {
		t.Errorf("request = %+v", req)
	}

	rows := h.sessions(t)
	if len(rows) != 1 {
		t.Fatalf("sessions = %d, want 1", len(rows))
	}
	if rows[0].Title != "Coffee shop" || len(rows[0].Messages) != 2 || !slices.Equal(rows[0].CompletedSteps, []types.StepID{"S1"}) {
		t.Errorf("session = %+v", rows[0])
	}

	if n := len(h.ledger.Entries()); n != 3 {
		t.Errorf("billed calls = %d, want 3", n)
	}
	if h.ledger.Total(billing.ServiceSpeech) <= 0 {
		t.Error("speech was not billed")
	}
}

func TestTurn_SecondTurnUpdatesSameSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, ndjson(`{"type":"chunk","delta":"Hello!"}`, `{"type":"done"}`)))

	h.speak(t)
	h.speak(t)

	if n := len(h.ctl.History()); n != 4 {
		t.Errorf("history = %d messages, want 4", n)
	}
	rows := h.sessions(t)
	if len(rows) != 1 || len(rows[0].Messages) != 4 {
		t.Fatalf("sessions = %+v", rows)
	}
	if rows[0].Title != "I'd like a coffee" {
		t.Errorf("title = %q", rows[0].Title)
	}
}

func TestTurn_CancelMakesNoNetworkCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	ctx := context.Background()

	if err := h.ctl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	h.ctl.Cancel()
	h.ctl.Cancel()
	h.ctl.Wait()

	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state = %v", h.ctl.State())
	}
	if h.src.Held() {
		t.Error("capture device still held")
	}
	if n := h.stt.CallCount(); n != 0 {
		t.Errorf("STT calls = %d, want 0", n)
	}
	if n := h.chat.Calls(); n != 0 {
		t.Errorf("chat calls = %d, want 0", n)
	}
	if n := len(h.ctl.History()); n != 0 {
		t.Errorf("history = %d messages", n)
	}
	if err := h.ctl.Stop(ctx); !errors.Is(err, turn.ErrNotListening) {
		t.Errorf("Stop after Cancel = %v", err)
	}
}

func TestTurn_StartWhileListeningStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	ctx := context.Background()

	if err := h.ctl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.ctl.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	h.ctl.Wait()
	if n := h.stt.CallCount(); n != 1 {
		t.Errorf("STT calls = %d, want 1", n)
	}
}

func TestTurn_BusyWhileThinking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	ctx := context.Background()
	block := make(chan struct{})
	h.stt.Block = block

	if err := h.ctl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.ctl.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if h.ctl.State() != turn.StateThinking {
		t.Fatalf("state = %v, want thinking", h.ctl.State())
	}
	if err := h.ctl.Start(ctx); !errors.Is(err, turn.ErrBusy) {
		t.Errorf("Start while thinking = %v, want ErrBusy", err)
	}
	if err := h.ctl.Stop(ctx); !errors.Is(err, turn.ErrNotListening) {
		t.Errorf("Stop while thinking = %v", err)
	}
	if _, err := h.ctl.GoalReached(ctx); !errors.Is(err, turn.ErrBusy) {
		t.Errorf("GoalReached while thinking = %v", err)
	}
	if n := h.src.Starts(); n != 1 {
		t.Errorf("device acquired %d times, want 1", n)
	}

	close(block)
	h.ctl.Wait()
	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state after turn = %v", h.ctl.State())
	}
}

func TestTurn_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	h.src.StartErr = audio.ErrPermissionDenied

	err := h.ctl.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state = %v", h.ctl.State())
	}
	errs := h.obs.Errors()
	if len(errs) != 1 || errs[0].Kind != turn.KindPermission || errs[0].Message != "microphone access denied" {
		t.Fatalf("errors = %+v", errs)
	}
	if tr := h.obs.Transitions(); len(tr) != 0 {
		t.Errorf("transitions = %v, want none", tr)
	}
}

func TestTurn_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reply     func(w http.ResponseWriter)
		wantKind  turn.ErrorKind
		wantStage turn.Stage
		wantMsg   string
	}{
		{
			name:      "error frame",
			reply:     ndjson(`{"type":"chunk","delta":"Par"}`, `{"type":"error","message":"model overloaded"}`),
			wantKind:  turn.KindProtocol,
			wantStage: turn.StageDialogue,
			wantMsg:   "model overloaded",
		},
		{
			name:      "non-OK status",
			reply:     status(http.StatusBadGateway, `{"error":"upstream down"}`),
			wantKind:  turn.KindTransport,
			wantStage: turn.StageDialogue,
			wantMsg:   "upstream down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, newChatServer(t, tt.reply))
			h.speak(t)

			errs := h.obs.Errors()
			if len(errs) != 1 {
				t.Fatalf("errors = %+v, want 1", errs)
			}
			e := errs[0]
			if e.Kind != tt.wantKind || e.Stage != tt.wantStage || e.Message != tt.wantMsg {
				t.Errorf("error = %+v", e)
			}
			if h.ctl.State() != turn.StateIdle {
				t.Errorf("state = %v", h.ctl.State())
			}
			hist := h.ctl.History()
			if len(hist) != 1 || hist[0].Role != types.RoleUser {
				t.Errorf("history = %+v, want the user message only", hist)
			}
			if n := len(h.tts.Texts()); n != 0 {
				t.Errorf("TTS calls = %d, want 0", n)
			}
			if rows := h.sessions(t); len(rows) != 0 {
				t.Errorf("sessions = %d, want 0", len(rows))
			}
		})
	}
}

func TestTurn_TranscriptionFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	h.stt.Err = errors.New("connection reset")

	h.speak(t)

	errs := h.obs.Errors()
	if len(errs) != 1 || errs[0].Kind != turn.KindTransport || errs[0].Stage != turn.StageTranscribe {
		t.Fatalf("errors = %+v", errs)
	}
	if n := h.chat.Calls(); n != 0 {
		t.Errorf("chat calls = %d", n)
	}
	if n := len(h.ledger.Entries()); n != 0 {
		t.Errorf("failed transcription billed %d entries", n)
	}
}

func TestTurn_EmptyTranscript(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	h.stt.Result = stt.Transcript{Text: "   "}

	h.speak(t)

	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state = %v", h.ctl.State())
	}
	if n := h.chat.Calls(); n != 0 {
		t.Errorf("chat calls = %d, want 0", n)
	}
	if n := len(h.ctl.History()); n != 0 {
		t.Errorf("history = %d messages", n)
	}
	if errs := h.obs.Errors(); len(errs) != 0 {
		t.Errorf("errors = %+v, want none", errs)
	}
}

func TestTurn_UnplayableReplyReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	h.tts.Result = tts.Speech{}

	h.speak(t)

	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state = %v", h.ctl.State())
	}
	if errs := h.obs.Errors(); len(errs) != 0 {
		t.Errorf("errors = %+v", errs)
	}
	if n := len(h.ctl.History()); n != 2 {
		t.Errorf("history = %d messages, want 2", n)
	}
}

func TestTurn_ExitDropsInflightResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	ctx := context.Background()
	block := make(chan struct{})
	h.stt.Block = block

	if err := h.ctl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.ctl.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	h.ctl.Exit()
	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state after Exit = %v", h.ctl.State())
	}

	close(block)
	h.ctl.Wait()

	if n := h.chat.Calls(); n != 0 {
		t.Errorf("chat calls = %d, want 0", n)
	}
	if n := len(h.ctl.History()); n != 0 {
		t.Errorf("history = %d messages, want 0", n)
	}
	if rows := h.sessions(t); len(rows) != 0 {
		t.Errorf("sessions = %d, want 0", len(rows))
	}
	if h.ctl.State() != turn.StateIdle {
		t.Errorf("state = %v", h.ctl.State())
	}
}

func TestTurn_StoreFailureStillSpeaks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		store    *brokenStore
		wantRows int
	}{
		{"create fails", &brokenStore{Store: memstore.New(), failCreate: true}, 0},
		{"update fails", &brokenStore{Store: memstore.New(), failUpdate: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chat := newChatServer(t, ndjson(`{"type":"chunk","delta":"Hello!"}`, `{"type":"done"}`))
			h := newHarness(t, chat, turn.WithPersister(reconcile.New(tt.store, "owner-1")))

			h.speak(t)
			h.speak(t)

			hist := h.ctl.History()
			if len(hist) != 4 || hist[3].Content != "Hello!" {
				t.Fatalf("history = %+v, want both turns", hist)
			}
			if texts := h.tts.Texts(); len(texts) != 2 {
				t.Errorf("spoken = %q, want both replies", texts)
			}
			wantTurn := []transition{
				{turn.StateIdle, turn.StateListening},
				{turn.StateListening, turn.StateThinking},
				{turn.StateThinking, turn.StateSpeaking},
				{turn.StateSpeaking, turn.StateIdle},
			}
			if tr := h.obs.Transitions(); !slices.Equal(tr, append(slices.Clone(wantTurn), wantTurn...)) {
				t.Errorf("transitions = %v", tr)
			}
			if errs := h.obs.Errors(); len(errs) != 0 {
				t.Errorf("observer errors = %v, want none for a failed save", errs)
			}
			list, _ := tt.store.ListSessions(context.Background(), "owner-1", 0)
			if len(list) != tt.wantRows {
				t.Errorf("rows = %d, want %d", len(list), tt.wantRows)
			}
		})
	}
}

func TestTurn_ExitDuringSaveStartsFreshSession(t *testing.T) {
	t.Parallel()
	chat := newChatServer(t, ndjson(`{"type":"chunk","delta":"Hello!"}`, `{"type":"done"}`))
	st := memstore.New()
	p := &exitingPersister{Reconciler: reconcile.New(st, "owner-1"), n: 2}
	h := newHarness(t, chat, turn.WithPersister(p))
	p.ctl = h.ctl

	h.speak(t) // conversation A, saved
	h.speak(t) // conversation A, exit lands before the save
	if n := len(h.ctl.History()); n != 0 {
		t.Fatalf("history after exit = %d messages, want 0", n)
	}
	if errs := p.Errors(); len(errs) != 2 || !errors.Is(errs[1], reconcile.ErrStale) {
		t.Fatalf("upsert errors = %v, want the second one stale", errs)
	}
	if id := p.SessionID(); id != "" {
		t.Fatalf("session id %q re-armed by an ended conversation", id)
	}

	h.speak(t) // conversation B

	list, _ := st.ListSessions(context.Background(), "owner-1", 0)
	if len(list) != 2 {
		t.Fatalf("rows = %d, want one per conversation", len(list))
	}
	for _, sess := range list {
		if len(sess.Messages) != 2 {
			t.Errorf("session %s has %d messages, want 2", sess.ID, len(sess.Messages))
		}
	}
	if p.SessionID() == "" {
		t.Error("conversation B has no session id")
	}
}

func TestTurn_ModeSwitchDropsInflightSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	release := make(chan struct{})
	chat := newChatServer(t, func(w http.ResponseWriter) {
		<-release
		ndjson(`{"type":"steps","completedStepIds":["S1"]}`, `{"type":"chunk","delta":"Sure."}`, `{"type":"done"}`)(w)
	})
	h := newHarness(t, chat)
	if err := h.ctl.SetMode(ctx, roleplay("S1", "S2")); err != nil {
		t.Fatal(err)
	}

	if err := h.ctl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.ctl.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for chat.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.ctl.SetMode(ctx, roleplay("S1", "S3")); err != nil {
		t.Fatal(err)
	}
	close(release)
	h.ctl.Wait()

	if ids := h.ctl.Modes().CompletedSteps().IDs(); len(ids) != 0 {
		t.Errorf("completed = %v, want none carried into the new mode", ids)
	}
	if n := len(h.ctl.History()); n != 0 {
		t.Errorf("history = %d messages, want 0", n)
	}
	if rows := h.sessions(t); len(rows) != 0 {
		t.Errorf("sessions = %d, want 0", len(rows))
	}
}

func TestTurn_GoalReached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chat := newChatServer(t,
		roleplayReply,
		ndjson(`{"type":"chunk","delta":"One latte."}`, `{"type":"steps","completedStepIds":["S1","S2"]}`, `{"type":"done"}`),
	)
	h := newHarness(t, chat, turn.WithFeedback(staticFeedback("Clear order.")))
	if err := h.ctl.SetMode(ctx, roleplay("S1", "S2")); err != nil {
		t.Fatal(err)
	}

	h.speak(t)
	if _, err := h.ctl.GoalReached(ctx); !errors.Is(err, mode.ErrGoalNotReached) {
		t.Fatalf("GoalReached with S2 missing = %v", err)
	}

	h.speak(t)
	rec, err := h.ctl.GoalReached(ctx)
	if err != nil {
		t.Fatalf("GoalReached: %v", err)
	}
	if rec.ID == "" || rec.Feedback != "Clear order." || !slices.Equal(rec.CompletedSteps, []types.StepID{"S1", "S2"}) {
		t.Errorf("record = %+v", rec)
	}
	if h.ctl.LastCompletion() != rec.ID {
		t.Errorf("LastCompletion = %q", h.ctl.LastCompletion())
	}
	if h.ctl.Modes().Feedback() != "Clear order." {
		t.Errorf("mode feedback = %q", h.ctl.Modes().Feedback())
	}
	stored, err := h.store.GetCompletion(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	rows := h.sessions(t)
	if len(rows) != 1 || stored.SessionID != rows[0].ID || stored.Feedback != "Clear order." {
		t.Errorf("stored = %+v, sessions = %+v", stored, rows)
	}

	if _, err := h.ctl.GoalReached(ctx); !errors.Is(err, mode.ErrAlreadyFinished) {
		t.Errorf("second GoalReached = %v", err)
	}
}

func TestTurn_DebateOpenerOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, newChatServer(t, ndjson(`{"type":"chunk","delta":"Offices build culture."}`, `{"type":"done"}`)))

	if err := h.ctl.SetMode(ctx, debate(t)); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	h.ctl.Wait()

	if n := h.chat.Calls(); n != 1 {
		t.Fatalf("chat calls = %d, want 1", n)
	}
	req := h.chat.Last()
	if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem || req.Messages[1].Content != mode.DebateOpenerPrompt {
		t.Errorf("opener request = %+v", req.Messages)
	}
	hist := h.ctl.History()
	if len(hist) != 1 || hist[0].Role != types.RoleAssistant || hist[0].Content != "Offices build culture." {
		t.Errorf("history = %+v, want only the opener reply", hist)
	}
	if texts := h.tts.Texts(); !slices.Equal(texts, []string{"Offices build culture."}) {
		t.Errorf("spoken = %q", texts)
	}

	if err := h.ctl.Open(ctx); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()
	if n := h.chat.Calls(); n != 1 {
		t.Errorf("opener fired again: %d calls", n)
	}

	rows := h.sessions(t)
	if len(rows) != 1 || rows[0].Debate == nil || !strings.HasPrefix(rows[0].Title, "Remote work") {
		t.Errorf("sessions = %+v", rows)
	}
}

func TestTurn_DebateToFreestyleClearsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	chat := newChatServer(t,
		ndjson(`{"type":"chunk","delta":"Offices build culture."}`, `{"type":"done"}`),
		ndjson(`{"type":"chunk","delta":"Fair point."}`, `{"type":"steps","completedStepIds":["d_position"]}`, `{"type":"done"}`),
	)
	h := newHarness(t, chat)

	if err := h.ctl.SetMode(ctx, debate(t)); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()
	h.speak(t)
	if len(h.ctl.Modes().CompletedSteps().IDs()) == 0 {
		t.Fatal("debate steps were not applied")
	}

	if err := h.ctl.SetMode(ctx, mode.Config{Mode: types.ModeFreestyle}); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()

	if m := h.ctl.Modes().Mode(); m != types.ModeFreestyle {
		t.Errorf("mode = %q", m)
	}
	if ids := h.ctl.Modes().CompletedSteps().IDs(); len(ids) != 0 {
		t.Errorf("steps carried into freestyle: %v", ids)
	}
	if n := len(h.ctl.History()); n != 0 {
		t.Errorf("history = %d messages, want 0", n)
	}
	if n := h.chat.Calls(); n != 2 {
		t.Errorf("chat calls = %d, want 2 (freestyle has no opener)", n)
	}
	if h.ctl.LastCompletion() != "" {
		t.Error("completion id survived the switch")
	}
}

func TestTurn_RoleplayOpeningLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, newChatServer(t, roleplayReply))
	cfg := roleplay("S1")
	cfg.Roleplay.Opening = "Hi! What can I get you?"

	if err := h.ctl.SetMode(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()

	if n := h.chat.Calls(); n != 0 {
		t.Errorf("chat calls = %d, want 0", n)
	}
	if texts := h.tts.Texts(); !slices.Equal(texts, []string{"Hi! What can I get you?"}) {
		t.Errorf("spoken = %q", texts)
	}
	rows := h.sessions(t)
	if len(rows) != 1 || rows[0].Title != "Coffee shop" {
		t.Errorf("sessions = %+v", rows)
	}
}

func TestTurn_Close(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newChatServer(t, roleplayReply))
	if err := h.ctl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.Start(context.Background()); !errors.Is(err, turn.ErrClosed) {
		t.Errorf("Start after Close = %v", err)
	}
	if err := h.ctl.SetMode(context.Background(), mode.Config{Mode: types.ModeFreestyle}); !errors.Is(err, turn.ErrClosed) {
		t.Errorf("SetMode after Close = %v", err)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := turn.New(&audiomock.Source{}, &audiomock.Sink{}, turn.Providers{})
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"STT", "dialogue", "TTS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
