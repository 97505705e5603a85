// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (whisper-1 by default).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "whisper-1"

// bytesPerBilledSecond approximates compressed speech at 128 kbit/s. The
// hosted API bills by duration, which is not reported back.
const bytesPerBilledSecond = 128 * 1024

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

type config struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage pins the input language (ISO-639-1). Empty auto-detects.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI transcription provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	if len(a.Data) == 0 {
		return stt.Transcript{}, stt.ErrAudioTooShort
	}
	mime := a.MIME
	if mime == "" {
		mime = "audio/wav"
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(a.Data), a.FilenameOrDefault(), mime),
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, mapError(err)
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: p.language,
		Duration: BilledDuration(len(a.Data)),
	}, nil
}

// BilledDuration estimates the billed length of an upload of size bytes,
// never less than one second.
func BilledDuration(size int) time.Duration {
	secs := (size + bytesPerBilledSecond - 1) / bytesPerBilledSecond
	return time.Duration(max(1, secs)) * time.Second
}

// mapError converts SDK API errors into provider.StatusError so callers can
// classify them without importing the SDK.
func mapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		se := &provider.StatusError{Service: "openai stt", Code: apiErr.StatusCode, Message: apiErr.Message}
		if strings.Contains(strings.ToLower(apiErr.Message), "too short") {
			return fmt.Errorf("%w: %w", stt.ErrAudioTooShort, se)
		}
		return fmt.Errorf("openai stt: %w", se)
	}
	return fmt.Errorf("openai stt: transcribe: %w", err)
}
