// Package coqui provides a TTS provider for a self-hosted Coqui server.
//
// Two server flavours are supported:
//
//   - [APIModeStandard] (default): the stock Coqui TTS image, synthesizing via
//     GET /api/tts with query parameters.
//   - [APIModeXTTS]: the XTTS v2 API server, synthesizing via
//     POST /tts_to_audio/ with a JSON body. XTTS always needs a speaker.
//
// Both return a WAV file, which is handed to the player unchanged.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	standardPath    = "/api/tts"
	xttsPath        = "/tts_to_audio/"
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second
)

// APIMode selects the Coqui server API.
type APIMode string

const (
	// APIModeStandard targets the stock Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with every request.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithAPIMode selects the server flavour. Unknown values keep the default.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		if mode == APIModeStandard || mode == APIModeXTTS {
			p.apiMode = mode
		}
	}
}

// WithVoices maps logical voice names (for example "nova") to Coqui speaker
// ids. Unmapped names are sent verbatim.
func WithVoices(m map[string]string) Option {
	return func(p *Provider) {
		p.voices = m
	}
}

// WithDefaultSpeaker sets the speaker used when a request names no voice.
func WithDefaultSpeaker(id string) Option {
	return func(p *Provider) {
		p.defaultSpeaker = id
	}
}

// WithHTTPClient replaces the HTTP client, which otherwise has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against a Coqui server.
type Provider struct {
	serverURL      string
	language       string
	apiMode        APIMode
	defaultSpeaker string
	voices         map[string]string
	httpClient     *http.Client
}

// New creates a Provider for the server at serverURL, for example
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// xttsRequest is the JSON body of POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	input, err := tts.PrepareText(text, 0)
	if err != nil {
		return tts.Speech{}, err
	}
	speaker := p.speaker(voice)

	var req *http.Request
	switch p.apiMode {
	case APIModeXTTS:
		if speaker == "" {
			return tts.Speech{}, errors.New("coqui: xtts mode requires a speaker")
		}
		req, err = p.xttsRequest(ctx, input, speaker)
	default:
		req, err = p.standardRequest(ctx, input, speaker)
	}
	if err != nil {
		return tts.Speech{}, err
	}
	req.Header.Set("Accept", audio.WAVMIME)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Speech{}, fmt.Errorf("coqui: %w", provider.ReadStatusError("coqui", resp))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: read audio: %w", err)
	}
	if _, err := audio.DecodeWAV(wav); err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: %w", err)
	}
	return tts.Speech{Audio: wav, MIME: audio.WAVMIME, Characters: len([]rune(input))}, nil
}

func (p *Provider) standardRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	q := url.Values{}
	q.Set("text", text)
	if speaker != "" {
		q.Set("speaker_id", speaker)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+standardPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	return req, nil
}

func (p *Provider) xttsRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	body, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: speaker, Language: p.language})
	if err != nil {
		return nil, fmt.Errorf("coqui: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *Provider) speaker(voice string) string {
	if voice == "" {
		return p.defaultSpeaker
	}
	if id, ok := p.voices[voice]; ok {
		return id
	}
	return voice
}
