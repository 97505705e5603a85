// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A turn hands the final assembled reply to the provider once and plays the
// returned audio blob. Implementations include OpenAI speech, Amazon Polly,
// ElevenLabs, a self-hosted Coqui server and the remote client that goes
// through the parley dialogue server.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// DefaultVoice is used when a request names no voice.
const DefaultVoice = "nova"

// DefaultMaxChars caps the text sent for synthesis.
const DefaultMaxChars = 2000

// ErrEmptyText is returned when nothing speakable remains after cleaning.
var ErrEmptyText = errors.New("tts: text is empty")

// Speech is a synthesized, directly playable audio blob.
type Speech struct {
	// Audio is the encoded payload.
	Audio []byte

	// MIME is the content type of Audio, for example "audio/mpeg".
	MIME string

	// Characters is the billed input length.
	Characters int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice. An empty voice selects the
	// provider's default.
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
}

// emojiRanges are the pictographic blocks stripped before synthesis.
var emojiRanges = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x2600, Hi: 0x26FF, Stride: 1},
		{Lo: 0x2700, Hi: 0x27BF, Stride: 1},
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F1E0, Hi: 0x1F1FF, Stride: 1},
		{Lo: 0x1F300, Hi: 0x1F5FF, Stride: 1},
		{Lo: 0x1F600, Hi: 0x1F64F, Stride: 1},
		{Lo: 0x1F680, Hi: 0x1F6FF, Stride: 1},
		{Lo: 0x1F900, Hi: 0x1F9FF, Stride: 1},
		{Lo: 0x1FA00, Hi: 0x1FA6F, Stride: 1},
		{Lo: 0x1FA70, Hi: 0x1FAFF, Stride: 1},
	},
}

// PrepareText strips emoji, trims whitespace and caps the result at maxChars
// runes, appending "…" when it had to cut. maxChars <= 0 means
// [DefaultMaxChars]. It returns [ErrEmptyText] when nothing is left.
func PrepareText(text string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	cleaned := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.Is(emojiRanges, r) {
			return -1
		}
		return r
	}, text))
	if cleaned == "" {
		return "", ErrEmptyText
	}
	if r := []rune(cleaned); len(r) > maxChars {
		cleaned = string(r[:maxChars]) + "…"
	}
	return cleaned, nil
}
