// Package remote provides an STT provider that uploads recordings to the
// parley dialogue server, which forwards them to its own STT backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Path is the server route that accepts recordings.
const Path = "/api/agent/stt"

// FormField is the multipart field carrying the recording.
const FormField = "audio"

var _ stt.Provider = (*Provider)(nil)

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

// Provider implements stt.Provider against a parley server.
type Provider struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote stt: baseURL must not be empty")
	}
	p := &Provider{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider. A non-OK response yields an error
// wrapping [provider.StatusError]; the server's "audio_too_short" code also
// matches [stt.ErrAudioTooShort].
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (stt.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormField, a.FilenameOrDefault()))
	if a.MIME != "" {
		h.Set("Content-Type", a.MIME)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	fw, err := mw.CreatePart(h)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("remote stt: create part: %w", err)
	}
	if _, err := fw.Write(a.Data); err != nil {
		return stt.Transcript{}, fmt.Errorf("remote stt: write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("remote stt: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+Path, &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("remote stt: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("remote stt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := provider.ReadStatusError("stt", resp)
		if se.Reason == "audio_too_short" {
			return stt.Transcript{}, fmt.Errorf("%w: %w", stt.ErrAudioTooShort, se)
		}
		return stt.Transcript{}, fmt.Errorf("remote stt: %w", se)
	}

	var out struct {
		OK   bool   `json:"ok"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Transcript{}, fmt.Errorf("remote stt: decode response: %w", err)
	}
	return stt.Transcript{Text: strings.TrimSpace(out.Text)}, nil
}
