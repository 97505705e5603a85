// Package polly provides a TTS provider backed by Amazon Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// MIME is the content type of synthesized audio.
const MIME = "audio/mpeg"

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config selects the Polly region, engine and voices.
type Config struct {
	// Region defaults to us-east-1.
	Region string

	// Engine is "neural" (default) or "standard".
	Engine string

	// DefaultVoice is the Polly voice used for unmapped names. Defaults to
	// Joanna.
	DefaultVoice string

	// Voices maps logical voice names (for example "nova") to Polly voice ids.
	Voices map[string]string

	// MaxChars overrides [tts.DefaultMaxChars].
	MaxChars int
}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider with Amazon Polly. The AWS client is
// created lazily from the default credential chain on first use.
type Provider struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// New returns a Provider for cfg.
func New(cfg Config) *Provider {
	return NewWithClient(cfg, nil)
}

// NewWithClient returns a Provider using client, for tests.
func NewWithClient(cfg Config, client synthClient) *Provider {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if strings.TrimSpace(cfg.DefaultVoice) == "" {
		cfg.DefaultVoice = "Joanna"
	}
	return &Provider{client: client, cfg: cfg}
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	input, err := tts.PrepareText(text, p.cfg.MaxChars)
	if err != nil {
		return tts.Speech{}, err
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return tts.Speech{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &input,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(p.voiceID(voice)),
	})
	if err != nil {
		return tts.Speech{}, normalizeError(err)
	}
	if out == nil || out.AudioStream == nil {
		return tts.Speech{}, errors.New("polly: empty audio stream")
	}
	defer out.AudioStream.Close()

	data, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("polly: read audio: %w", err)
	}
	var chars int
	if out.RequestCharacters != 0 {
		chars = int(out.RequestCharacters)
	} else {
		chars = len([]rune(input))
	}
	return tts.Speech{Audio: data, MIME: MIME, Characters: chars}, nil
}

func (p *Provider) voiceID(voice string) string {
	if voice == "" {
		return p.cfg.DefaultVoice
	}
	if id, ok := p.cfg.Voices[voice]; ok {
		return id
	}
	// Polly voice ids are capitalised; lower-case names come from other
	// vendors and fall back to the default.
	if voice[0] >= 'A' && voice[0] <= 'Z' {
		return voice
	}
	return p.cfg.DefaultVoice
}

// normalizeError maps smithy API errors onto provider.StatusError codes so
// resilience wrappers can tell client errors from overload.
func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := 502
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			code = 429
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException", "ValidationException":
			code = 400
		}
		return fmt.Errorf("polly: %w", &provider.StatusError{
			Service: "polly",
			Code:    code,
			Message: apiErr.ErrorMessage(),
			Reason:  apiErr.ErrorCode(),
		})
	}
	return fmt.Errorf("polly: synthesize: %w", err)
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
