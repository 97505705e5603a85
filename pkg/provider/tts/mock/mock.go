// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: tts.Speech{Audio: wav, MIME: "audio/wav"}}
//	sp, _ := p.Synthesize(ctx, "Sure, what would you like?", "nova")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Call records a single invocation of Synthesize.
type Call struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize when Err is nil.
	Result tts.Speech

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Block, if non-nil, makes Synthesize wait until it is closed.
	Block chan struct{}

	// Calls records every call to Synthesize.
	Calls []Call
}

// Synthesize records the call and returns Result, Err.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Text: text, Voice: voice})
	block, res, err := p.Block, p.Result, p.Err
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	return res, err
}

// Texts returns the text of every recorded call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

var _ tts.Provider = (*Provider)(nil)
