// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. Audio is requested as raw PCM and
// returned wrapped in a WAV container so the player can meter it.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	wsPathFmt        = "%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// defaultVoiceID is the premade "Rachel" voice.
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. "pcm_<rate>" formats are
// wrapped as WAV; "mp3_*" formats are passed through.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket base URL, for tests and proxies.
func WithEndpoint(base string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(base, "/")
	}
}

// WithVoices maps logical voice names (for example "nova") to ElevenLabs
// voice ids. Unmapped names are used as ids verbatim.
func WithVoices(m map[string]string) Option {
	return func(p *Provider) {
		p.voices = m
	}
}

// WithDefaultVoice sets the voice id used when a request names no voice.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) {
		p.defaultVoice = id
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	defaultVoice string
	voices       map[string]string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
		defaultVoice: defaultVoiceID,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider. It opens one WebSocket per reply,
// sends the whole text followed by the flush command, and collects audio
// until the final message or the server closes the connection.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	input, err := tts.PrepareText(text, 0)
	if err != nil {
		return tts.Speech{}, err
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(p.voiceID(voice)), nil)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(16 << 20)

	// ElevenLabs requires a non-empty first text value carrying the key.
	msgs := []textMessage{
		{Text: " ", XiAPIKey: p.apiKey, VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}},
		{Text: input + " "},
		{Text: ""},
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return tts.Speech{}, fmt.Errorf("elevenlabs: encode message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return tts.Speech{}, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				break
			}
			return tts.Speech{}, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return tts.Speech{}, fmt.Errorf("elevenlabs: %w", &provider.StatusError{Service: "elevenlabs", Code: 502, Message: resp.Message, Reason: resp.Error})
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				buf.Write(chunk)
			}
		}
		if resp.IsFinal {
			break
		}
	}

	return p.wrap(buf.Bytes(), len([]rune(input))), nil
}

// wrap packages raw PCM output as WAV; other formats pass through.
func (p *Provider) wrap(data []byte, chars int) tts.Speech {
	if rate, ok := pcmRate(p.outputFormat); ok {
		return tts.Speech{Audio: audio.EncodeWAV(data, rate, 1), MIME: audio.WAVMIME, Characters: chars}
	}
	return tts.Speech{Audio: data, MIME: "audio/mpeg", Characters: chars}
}

func (p *Provider) voiceID(voice string) string {
	if voice == "" {
		return p.defaultVoice
	}
	if id, ok := p.voices[voice]; ok {
		return id
	}
	return voice
}

// buildURL constructs the WebSocket URL for a given voice.
func (p *Provider) buildURL(voiceID string) string {
	return fmt.Sprintf(wsPathFmt, p.endpoint, voiceID, p.model, p.outputFormat)
}

// pcmRate parses "pcm_16000" into 16000.
func pcmRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
