// Package remote provides a TTS provider that asks the parley dialogue
// server to synthesize speech.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Path is the server route that synthesizes speech.
const Path = "/api/agent/tts"

var _ tts.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(p *Provider) { p.token = token }
}

// Provider implements tts.Provider against a parley server.
type Provider struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote tts: baseURL must not be empty")
	}
	p := &Provider{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider. The text is trimmed before sending;
// the server does the rest of the cleaning.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Speech{}, tts.ErrEmptyText
	}
	if voice == "" {
		voice = tts.DefaultVoice
	}
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{text, voice})
	if err != nil {
		return tts.Speech{}, fmt.Errorf("remote tts: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+Path, bytes.NewReader(body))
	if err != nil {
		return tts.Speech{}, fmt.Errorf("remote tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("remote tts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Speech{}, fmt.Errorf("remote tts: %w", provider.ReadStatusError("tts", resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("remote tts: read audio: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return tts.Speech{Audio: data, MIME: mime, Characters: len([]rune(text))}, nil
}
