// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A turn hands one finished recording to the provider and gets back the text
// the user said. Implementations include a hosted model (OpenAI whisper-1), a
// self-hosted whisper.cpp server, and the remote client that goes through the
// parley dialogue server.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrAudioTooShort is returned when the backend rejects a recording as too
// short to transcribe.
var ErrAudioTooShort = errors.New("stt: audio too short")

// Audio is one recorded utterance.
type Audio struct {
	// Data is the encoded payload.
	Data []byte

	// MIME is the content type of Data, for example "audio/wav".
	MIME string

	// Filename is the name reported to multipart backends. Defaults to
	// "recording.wav" when empty.
	Filename string
}

// FilenameOrDefault returns Filename or a name derived from MIME.
func (a Audio) FilenameOrDefault() string {
	if a.Filename != "" {
		return a.Filename
	}
	switch a.MIME {
	case "audio/webm":
		return "recording.webm"
	case "audio/ogg":
		return "recording.ogg"
	case "audio/mpeg":
		return "recording.mp3"
	}
	return "recording.wav"
}

// Transcript is the recognition result. An empty Text is a valid result and
// means nothing intelligible was said.
type Transcript struct {
	// Text is the recognised text, trimmed.
	Text string

	// Language is the detected language, when the backend reports it.
	Language string

	// Duration is the audio length the backend billed for, if known.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe sends audio to the backend and waits for the transcript.
	// Errors wrap [provider.StatusError] for HTTP failures.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}
