package app

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	oaistt "github.com/MrWong99/parley/pkg/provider/stt/openai"
	remotestt "github.com/MrWong99/parley/pkg/provider/stt/remote"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/parley/pkg/provider/tts/openai"
	"github.com/MrWong99/parley/pkg/provider/tts/polly"
	remotetts "github.com/MrWong99/parley/pkg/provider/tts/remote"
)

// deepSeekBaseURL is the OpenAI-compatible DeepSeek endpoint.
const deepSeekBaseURL = "https://api.deepseek.com/v1"

// Providers holds one value per provider slot. Nil means not configured.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// anyLLMVendors are reached through any-llm-go with an API key and optional
// base URL.
var anyLLMVendors = []string{"anthropic", "gemini", "mistral", "groq", "llamacpp", "llamafile"}

// RegisterBuiltins wires every provider implementation that ships with
// parley into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		if org := optString(e.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})

	// DeepSeek speaks the OpenAI wire format.
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		base := e.BaseURL
		if base == "" {
			base = deepSeekBaseURL
		}
		model := e.Model
		if model == "" {
			model = "deepseek-chat"
		}
		return oaillm.New(e.APIKey, model, oaillm.WithBaseURL(base))
	})

	for _, vendor := range anyLLMVendors {
		reg.RegisterLLM(vendor, func(e config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(vendor, e.Model, anyLLMOptions(e)...)
		})
	}

	// ollama is a local server; it needs a base URL at most.
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.NewOllama(e.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if e.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, oaistt.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterSTT("remote", func(e config.ProviderEntry) (stt.Provider, error) {
		return remotestt.New(e.BaseURL, remotestt.WithToken(e.APIKey))
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if e.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, oaitts.WithModel(e.Model))
		}
		return oaitts.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("polly", func(e config.ProviderEntry) (tts.Provider, error) {
		return polly.New(polly.Config{
			Region:       optString(e.Options, "region"),
			Engine:       optString(e.Options, "engine"),
			DefaultVoice: e.Model,
			Voices:       optStringMap(e.Options, "voices"),
		}), nil
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := optString(e.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(e.BaseURL))
		}
		if v := optString(e.Options, "default_voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		if m := optStringMap(e.Options, "voices"); m != nil {
			opts = append(opts, elevenlabs.WithVoices(m))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithAPIMode(coqui.APIMode(optString(e.Options, "api_mode")))}
		if l := optString(e.Options, "language"); l != "" {
			opts = append(opts, coqui.WithLanguage(l))
		}
		if e.Model != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(e.Model))
		}
		if m := optStringMap(e.Options, "voices"); m != nil {
			opts = append(opts, coqui.WithVoices(m))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterTTS("remote", func(e config.ProviderEntry) (tts.Provider, error) {
		return remotetts.New(e.BaseURL, remotetts.WithToken(e.APIKey))
	})
}

func anyLLMOptions(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

// BuildProviders instantiates the providers named in cfg. An entry with
// fallbacks is wrapped in a failover group; fallbacks that fail to build are
// skipped with a warning.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	var errs []error

	if e := cfg.Providers.LLM; e.Name != "" {
		p, err := buildSlot(e, reg.CreateLLM, func(primary llm.Provider) (llm.Provider, func(string, llm.Provider)) {
			fb := resilience.NewLLMFallback(primary, e.Name, resilience.FallbackConfig{Kind: "llm", Metrics: metrics})
			return fb, fb.AddFallback
		})
		errs = append(errs, err)
		ps.LLM = p
	}
	if e := cfg.Providers.STT; e.Name != "" {
		p, err := buildSlot(e, reg.CreateSTT, func(primary stt.Provider) (stt.Provider, func(string, stt.Provider)) {
			fb := resilience.NewSTTFallback(primary, e.Name, resilience.FallbackConfig{Kind: "stt", Metrics: metrics})
			return fb, fb.AddFallback
		})
		errs = append(errs, err)
		ps.STT = p
	}
	if e := cfg.Providers.TTS; e.Name != "" {
		p, err := buildSlot(e, reg.CreateTTS, func(primary tts.Provider) (tts.Provider, func(string, tts.Provider)) {
			fb := resilience.NewTTSFallback(primary, e.Name, resilience.FallbackConfig{Kind: "tts", Metrics: metrics})
			return fb, fb.AddFallback
		})
		errs = append(errs, err)
		ps.TTS = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ps, nil
}

// buildSlot creates the primary provider for e and, when e lists fallbacks,
// the failover wrapper returned by wrap.
func buildSlot[T any](e config.ProviderEntry, create func(config.ProviderEntry) (T, error), wrap func(T) (T, func(string, T))) (T, error) {
	primary, err := create(e)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("app: create provider %q: %w", e.Name, err)
	}
	slog.Info("provider created", "name", e.Name, "model", e.Model)
	if len(e.Fallbacks) == 0 {
		return primary, nil
	}
	group, add := wrap(primary)
	for _, fe := range e.Fallbacks {
		p, err := create(fe)
		if err != nil {
			slog.Warn("fallback provider skipped", "name", fe.Name, "err", err)
			continue
		}
		add(fe.Name, p)
		slog.Info("fallback provider added", "primary", e.Name, "name", fe.Name)
	}
	return group, nil
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStringMap extracts a string-to-string map from a provider Options map.
// YAML decodes nested maps as map[string]any; non-string values are skipped.
func optStringMap(opts map[string]any, key string) map[string]string {
	raw, ok := opts[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
