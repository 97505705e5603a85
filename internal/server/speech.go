package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/parley/internal/billing"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/remote"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// bytesPerSecond approximates compressed speech for billing when the backend
// does not report a duration.
const bytesPerSecond = 128 * 1024

type transcribeResponse struct {
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

// handleSTT transcribes the uploaded recording.
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	if err := r.ParseMultipartForm(maxAudioBody); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	f, hdr, err := r.FormFile(remote.FormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read audio file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "audio file is empty")
		return
	}

	tr, err := s.stt.Transcribe(r.Context(), stt.Audio{
		Data:     data,
		MIME:     hdr.Header.Get("Content-Type"),
		Filename: hdr.Filename,
	})
	switch {
	case errors.Is(err, stt.ErrAudioTooShort):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "recording is too short", Code: "audio_too_short"})
		return
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("stt: timed out", "bytes", len(data))
		writeError(w, http.StatusGatewayTimeout, "transcription timed out")
		return
	case err != nil:
		log.Error("stt: transcription failed", "err", err)
		writeError(w, http.StatusBadGateway, "transcription failed")
		return
	}

	dur := tr.Duration
	if dur <= 0 {
		dur = time.Duration(max(1, int(math.Ceil(float64(len(data))/bytesPerSecond)))) * time.Second
	}
	s.meter.Charge(r.Context(), billing.ServiceTranscription, billing.Usage{Duration: dur})
	log.Debug("stt: transcribed", "bytes", len(data), "chars", len(tr.Text))
	writeJSON(w, http.StatusOK, transcribeResponse{OK: true, Text: tr.Text})
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// handleTTS synthesizes text and returns the audio bytes.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg := s.settings()
	text, err := tts.PrepareText(req.Text, cfg.TTSMaxChars)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Text is required")
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = cfg.DefaultVoice
	}

	speech, err := s.tts.Synthesize(r.Context(), text, voice)
	if err != nil {
		observe.Logger(r.Context()).Error("tts: synthesis failed", "err", err, "voice", voice)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, "speech synthesis failed")
		return
	}
	chars := speech.Characters
	if chars <= 0 {
		chars = len([]rune(text))
	}
	s.meter.Charge(r.Context(), billing.ServiceSpeech, billing.Usage{Characters: chars})

	mime := speech.MIME
	if mime == "" {
		mime = "audio/mpeg"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", `inline; filename="agent_tts.mp3"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(speech.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(speech.Audio)
}
