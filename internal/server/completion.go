package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/reconcile"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/types"
)

// completionRequest records a finished attempt. When Coach is set and
// Messages is non-empty the server also produces coaching text and stores it
// on the record.
type completionRequest struct {
	Mode           types.Mode              `json:"mode"`
	Scenario       *types.ScenarioLink     `json:"scenario"`
	Debate         *types.DebateLink       `json:"debate"`
	CompletedSteps []types.StepID          `json:"completed_step_ids"`
	AssessmentID   string                  `json:"assessment_id"`
	Feedback       string                  `json:"feedback"`
	Coach          bool                    `json:"coach"`
	Messages       []types.Message         `json:"messages"`
	Settings       *dialogue.StyleSettings `json:"roleplay_settings"`
}

// feedbackRequest reshapes the completion into a coaching request.
func (c completionRequest) feedbackRequest() dialogue.FeedbackRequest {
	req := dialogue.FeedbackRequest{Mode: c.Mode, Messages: c.Messages, RoleplaySettings: c.Settings}
	if c.Scenario != nil {
		req.ScenarioID = c.Scenario.ScenarioID
		req.ScenarioTitle = c.Scenario.ScenarioTitle
	}
	if c.Debate != nil {
		req.Topic = c.Debate.Topic
		req.UserPosition = c.Debate.UserPosition
		req.AIPosition = c.Debate.AIPosition
	}
	return req
}

func (s *Server) reconciler(ctx context.Context) *reconcile.Reconciler {
	return reconcile.New(s.store, s.ownerID,
		reconcile.WithWindow(s.settings().ReconcileWindow),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithLogger(observe.Logger(ctx)),
	)
}

// handleCompletion writes a completion record for session id. The session row
// may live in the client's own store, so a missing row is not an error.
// Coaching, when requested, runs while the record is inserted.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req completionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Mode {
	case types.ModeRoleplay, types.ModeDebate:
	default:
		writeError(w, http.StatusBadRequest, "mode must be roleplay or debate")
		return
	}
	ctx := r.Context()
	log := observe.Logger(ctx).With("session_id", sessionID)

	owner := s.ownerID
	sess, err := s.store.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		owner = sess.OwnerID
	case errors.Is(err, store.ErrNotFound):
		log.Debug("completion: session not stored here, recording by link only")
	default:
		log.Error("completion: session lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	rec := types.CompletionRecord{
		OwnerID:        owner,
		Mode:           req.Mode,
		SessionID:      sessionID,
		Scenario:       req.Scenario,
		Debate:         req.Debate,
		CompletedSteps: req.CompletedSteps,
		AssessmentID:   req.AssessmentID,
		Feedback:       req.Feedback,
	}
	rc := s.reconciler(ctx)

	var coaching string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = rc.RecordCompletion(gctx, rec)
		return err
	})
	if lines := userLines(req.Messages, feedbackWindow); req.Coach && len(lines) > 0 {
		g.Go(func() error {
			coaching = s.coach(gctx, req.feedbackRequest(), lines)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("completion: insert failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not record completion")
		return
	}

	if coaching != "" && rec.Feedback == "" {
		if err := rc.SetFeedback(ctx, rec.ID, coaching); err == nil {
			rec.Feedback = coaching
		}
	}
	log.Info("completion: recorded", "completion_id", rec.ID, "mode", rec.Mode, "steps", len(rec.CompletedSteps))
	writeJSON(w, http.StatusCreated, rec)
}

// coach returns display text for a finished attempt, or "" when the coach
// failed. Failures are logged only.
func (s *Server) coach(ctx context.Context, req dialogue.FeedbackRequest, lines []string) string {
	if req.Mode == types.ModeDebate {
		fb, err := s.debateCoach(ctx, req, lines)
		if err != nil {
			observe.Logger(ctx).Warn("completion: coaching failed", "err", err)
			return ""
		}
		return fb.String()
	}
	fb, err := s.roleplayCoach(ctx, req, lines)
	if err != nil {
		observe.Logger(ctx).Warn("completion: coaching failed", "err", err)
		return ""
	}
	return fb.String()
}

type linkedAssessment struct {
	Rule       reconcile.Rule         `json:"rule"`
	Assessment types.AssessmentRecord `json:"assessment"`
}

// handleCompletionAssessment resolves the assessment that belongs to
// completion id.
func (s *Server) handleCompletionAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	m, err := s.reconciler(ctx).LinkAssessment(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "completion not found")
		return
	case err != nil:
		observe.Logger(ctx).Error("completion: link failed", "completion_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "assessment lookup failed")
		return
	case !m.Found():
		writeError(w, http.StatusNotFound, "no assessment for this completion")
		return
	}
	writeJSON(w, http.StatusOK, linkedAssessment{Rule: m.Rule, Assessment: m.Assessment})
}

// handleSessionAssessment resolves the assessment of a live session without
// writing anything back.
func (s *Server) handleSessionAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	m, err := s.reconciler(ctx).LinkSessionAssessment(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		observe.Logger(ctx).Error("session: link failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "assessment lookup failed")
		return
	case !m.Found():
		writeError(w, http.StatusNotFound, "no assessment for this session")
		return
	}
	writeJSON(w, http.StatusOK, linkedAssessment{Rule: m.Rule, Assessment: m.Assessment})
}

// assessedCompletion is one row of the completion history.
type assessedCompletion struct {
	types.CompletionRecord
	Rule       reconcile.Rule          `json:"assessment_rule"`
	Assessment *types.AssessmentRecord `json:"assessment,omitempty"`
}

// handleCompletions lists the owner's completions, oldest first, each with
// the assessment that belongs to it.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.reconciler(ctx).AssessedCompletions(ctx)
	if err != nil {
		observe.Logger(ctx).Error("completion: list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list completions")
		return
	}
	out := make([]assessedCompletion, 0, len(list))
	for _, a := range list {
		row := assessedCompletion{CompletionRecord: a.Completion, Rule: a.Match.Rule}
		if a.Match.Found() {
			row.Assessment = &a.Match.Assessment
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}
