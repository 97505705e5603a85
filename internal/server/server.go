// Package server is the dialogue backend the practice client talks to.
//
// It exposes the streaming chat route, speech-to-text and text-to-speech
// proxies, coaching feedback, debate topic preparation, speaking assessment
// and completion bookkeeping over a chi router. Every provider call is
// metered through a [billing.Meter].
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// maxAudioBody bounds multipart uploads to the transcription route.
const maxAudioBody = 25 << 20

// Deps are the collaborators a [Server] calls into.
type Deps struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Store store.Store

	// Meter prices provider calls. Nil disables metering.
	Meter billing.Meter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Checks are added to /readyz.
	Checks []health.Checker
}

// Config holds the request-independent settings.
type Config struct {
	// OwnerID owns every stored row.
	OwnerID string

	// Token, when set, is required as a bearer credential on /api routes.
	Token string

	// RequestsPerMinute is the per-client budget on /api routes. Zero
	// disables limiting.
	RequestsPerMinute int

	Dialogue config.DialogueConfig
}

// Server serves the dialogue API.
type Server struct {
	llm     llm.Provider
	stt     stt.Provider
	tts     tts.Provider
	store   store.Store
	meter   billing.Meter
	metrics *observe.Metrics
	checks  []health.Checker

	ownerID  string
	token    string
	limiter  *clientLimiter
	dialogue atomic.Pointer[config.DialogueConfig]

	stepSchema     *jsonschema.Schema
	assessSchema   *jsonschema.Schema
	feedbackSchema *jsonschema.Schema
	debateSchema   *jsonschema.Schema
}

// New validates deps and compiles the response schemas.
func New(deps Deps, cfg Config) (*Server, error) {
	var errs []error
	if deps.LLM == nil {
		errs = append(errs, errors.New("server: an LLM provider is required"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("server: an STT provider is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("server: a TTS provider is required"))
	}
	if deps.Store == nil {
		errs = append(errs, errors.New("server: a store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s := &Server{
		llm:     deps.LLM,
		stt:     deps.STT,
		tts:     deps.TTS,
		store:   deps.Store,
		meter:   deps.Meter,
		metrics: deps.Metrics,
		checks:  deps.Checks,
		ownerID: cfg.OwnerID,
		token:   cfg.Token,
	}
	if s.meter == nil {
		s.meter = billing.Nop{}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.ownerID == "" {
		s.ownerID = config.DefaultOwnerID
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = newClientLimiter(cfg.RequestsPerMinute)
	}
	s.SetDialogue(cfg.Dialogue)

	var err error
	if s.stepSchema, err = compile("steps.json", stepSchemaJSON); err != nil {
		return nil, err
	}
	if s.assessSchema, err = compile("assessment.json", assessSchemaJSON); err != nil {
		return nil, err
	}
	if s.feedbackSchema, err = compile("roleplay-feedback.json", feedbackSchemaJSON); err != nil {
		return nil, err
	}
	if s.debateSchema, err = compile("debate-feedback.json", debateFeedbackSchemaJSON); err != nil {
		return nil, err
	}
	return s, nil
}

// SetDialogue swaps the dialogue settings used by later requests. Zero fields
// take their defaults.
func (s *Server) SetDialogue(d config.DialogueConfig) {
	c := config.Config{Dialogue: d}.WithDefaults()
	s.dialogue.Store(&c.Dialogue)
	slog.Debug("server: dialogue settings applied", "max_tokens", c.Dialogue.MaxTokens, "voice", c.Dialogue.DefaultVoice)
}

func (s *Server) settings() config.DialogueConfig {
	return *s.dialogue.Load()
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	health.New(s.checks...).Register(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Route("/agent", func(r chi.Router) {
			r.Post("/chat", s.handleChat)
			r.Post("/stt", s.handleSTT)
			r.Post("/tts", s.handleTTS)
			r.Post("/roleplay-feedback", s.handleRoleplayFeedback)
			r.Post("/debate-feedback", s.handleDebateFeedback)
			r.Post("/debate-topic-prepare", s.handleTopicPrepare)
			r.Post("/assess-speaking", s.handleAssess)
		})
		// The scorer is also reachable without the agent prefix.
		r.Post("/assess-speaking", s.handleAssess)
		r.Post("/sessions/{id}/completion", s.handleCompletion)
		r.Get("/sessions/{id}/assessment", s.handleSessionAssessment)
		r.Get("/completions", s.handleCompletions)
		r.Get("/completions/{id}/assessment", s.handleCompletionAssessment)
	})
	return r
}

// authenticate requires the configured bearer token. Without one every
// request passes.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := "Bearer " + s.token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
