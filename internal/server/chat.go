package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

const defaultAssistantPrompt = "You are a helpful assistant. Always reply in the SAME language the user writes in " +
	"(e.g. Russian if they write in Russian, English if in English). Do not switch to Chinese or other " +
	"languages unless the user explicitly writes in that language."

func safetyPrompt(s dialogue.StyleSettings) string {
	return fmt.Sprintf("Safety and style policy: follow provided style settings and keep responses contextual. "+
		"slang_mode=%s; allow_profanity=%t; ai_may_use_profanity=%t; profanity_intensity=%s. "+
		"Never include prohibited content: sexual content involving minors/pedophilia, extremism/terrorism support, "+
		"instructions for violent wrongdoing, non-consensual sexual violence, doxxing, or direct real-world threats. "+
		"If the user requests prohibited content, refuse briefly and steer the dialogue to a safe alternative.",
		s.SlangMode, s.AllowProfanity, s.AIMayUseProfanity, s.ProfanityIntensity)
}

func freestylePrompt(c dialogue.FreestyleContext) string {
	goals := "none"
	if len(c.MicroGoals) > 0 {
		goals = strings.Join(c.MicroGoals, ", ")
	}
	return fmt.Sprintf("Freestyle coaching context (ephemeral, no progress tracking): role_hint=%s; "+
		"tone_formality=%d/100; tone_directness=%d/100; micro_goals=%s. "+
		"Apply this softly: stay natural and conversational, do not mention these settings explicitly.",
		c.RoleHint, c.ToneFormality, c.ToneDirectness, goals)
}

// chatMessages prepends the server-side system messages to the client's
// conversation.
func chatMessages(req dialogue.Request) []types.Message {
	msgs := make([]types.Message, 0, len(req.Messages)+3)
	if req.RoleplaySettings != nil {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: safetyPrompt(req.RoleplaySettings.Normalized())})
	}
	if req.FreestyleContext != nil {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: freestylePrompt(req.FreestyleContext.Normalized())})
	}
	if len(req.ScenarioSteps) == 0 {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: defaultAssistantPrompt})
	}
	return append(msgs, req.Messages...)
}

// handleChat streams a reply as NDJSON frames. A steps frame follows the text
// when the request carried a step list, and the stream always ends with done
// or error.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req dialogue.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages array is required")
		return
	}
	ctx := r.Context()
	log := observe.Logger(ctx)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.settings().MaxTokens
	}
	msgs := chatMessages(req)
	chunks, err := s.llm.StreamCompletion(ctx, llm.CompletionRequest{Messages: msgs, MaxTokens: maxTokens})
	if err != nil {
		log.Error("chat: stream open failed", "err", err)
		writeError(w, http.StatusBadGateway, "dialogue provider unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	enc := frame.NewEncoder(w)

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	reply, streamErr := s.relay(ctx, enc, chunks)
	s.chargeStream(ctx, msgs, reply)
	if streamErr != nil {
		log.Warn("chat: stream failed", "err", streamErr)
		_ = enc.Encode(frame.Error(streamErr.Error()))
		return
	}

	if len(req.ScenarioSteps) > 0 && strings.TrimSpace(reply) != "" {
		ids, err := s.checkSteps(ctx, req.ScenarioSteps, req.Messages, reply)
		if err != nil {
			log.Warn("chat: step check failed", "err", err)
		} else {
			log.Debug("chat: steps checked", "completed", len(ids), "total", len(req.ScenarioSteps))
			_ = enc.Encode(frame.Steps(ids))
		}
	}
	_ = enc.Encode(frame.Done())
}

// relay forwards chunk text as frames until the provider closes the channel.
// It returns the accumulated reply and the in-stream failure, if any.
func (s *Server) relay(ctx context.Context, enc *frame.Encoder, chunks <-chan llm.Chunk) (string, error) {
	var reply strings.Builder
	for {
		select {
		case <-ctx.Done():
			return reply.String(), ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return reply.String(), nil
			}
			if c.FinishReason == llm.FinishReasonError {
				return reply.String(), fmt.Errorf("dialogue provider: %s", c.Text)
			}
			if c.Text == "" {
				continue
			}
			reply.WriteString(c.Text)
			if err := enc.Encode(frame.Chunk(c.Text)); err != nil {
				return reply.String(), err
			}
		}
	}
}

// chargeStream meters a streamed reply. Streams carry no usage, so both
// sides are estimated from text length.
func (s *Server) chargeStream(ctx context.Context, msgs []types.Message, reply string) {
	var in strings.Builder
	for _, m := range msgs {
		in.WriteString(m.Content)
	}
	cost := s.meter.Charge(ctx, billing.ServiceChat, billing.Usage{
		InputTokens:  billing.EstimateTokens(in.String()),
		OutputTokens: billing.EstimateTokens(reply),
	})
	slog.Debug("chat: charged", "cost", cost, "reply_chars", len(reply))
}
