package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across speech backends.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// Empty text is never a provider failure.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	classify := cfg.CircuitBreaker.IsFailure
	if classify == nil {
		classify = IsProviderFailure
	}
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		return !errors.Is(err, tts.ErrEmptyText) && classify(err)
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional speech backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// Group exposes the underlying group for health reporting.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// Synthesize renders text on the first healthy backend. Voices are passed
// through unchanged; a fallback that does not know the voice uses its own
// default.
func (f *TTSFallback) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (tts.Speech, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
