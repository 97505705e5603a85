package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrNoBody is returned when the server answered OK without a body.
var ErrNoBody = errors.New("dialogue: response has no body")

// ProtocolError reports an error frame sent by the server.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "dialogue: error frame"
	}
	return "dialogue: error frame: " + e.Message
}

// Result is the outcome of one streamed turn.
type Result struct {
	// Reply is the concatenation of every chunk delta before the first done,
	// error or end of stream.
	Reply string

	// Steps is the completed-step list of the last steps frame.
	Steps []types.StepID

	// SawSteps reports whether any steps frame arrived. When false, Steps
	// carries no information and the caller keeps its current set.
	SawSteps bool

	// Frames counts decoded frames; Dropped counts discarded lines.
	Frames  int
	Dropped int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithReadSize sets the size of each body read. Small sizes are useful in
// tests that exercise partial lines.
func WithReadSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.readSize = n
		}
	}
}

// Client streams chat turns from a dialogue server.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	readSize int
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("dialogue: baseURL must not be empty")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     http.DefaultClient,
		readSize: 4096,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Stream posts req and consumes the frame stream. onDelta, when non-nil, is
// called with every chunk delta as it arrives.
//
// A non-OK status yields an error wrapping [provider.StatusError]. An error
// frame yields a [*ProtocolError] and an empty Result. Unparseable lines are
// skipped. Reading stops at the first done or error frame.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (Result, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("dialogue: encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+Path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("dialogue: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("dialogue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("dialogue: %w", provider.ReadStatusError("dialogue", resp))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return Result{}, ErrNoBody
	}
	return Consume(resp.Body, c.readSize, onDelta)
}

// Consume folds an NDJSON frame stream read from r into a Result. It is the
// transport-free half of [Client.Stream].
func Consume(r io.Reader, readSize int, onDelta func(string)) (Result, error) {
	if readSize <= 0 {
		readSize = 4096
	}
	var (
		asm    frame.Assembler
		st     frame.DecoderState
		frames int
		buf    = make([]byte, readSize)
	)

	open := true
	for open {
		n, err := r.Read(buf)
		if n > 0 {
			var decoded []frame.Frame
			decoded, st = frame.Decode(buf[:n], st)
			frames += len(decoded)
			for _, f := range decoded {
				if f.Kind == frame.KindChunk && onDelta != nil && asm.Outcome() == frame.OutcomeOpen {
					onDelta(f.Delta)
				}
				if !asm.Push(f) {
					open = false
					break
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("dialogue: read stream: %w", err)
		}
	}
	st = frame.Flush(st)

	if asm.Outcome() == frame.OutcomeError {
		return Result{}, &ProtocolError{Message: asm.ErrorMessage()}
	}
	steps, saw := asm.Steps()
	return Result{
		Reply:    asm.Reply(),
		Steps:    steps,
		SawSteps: saw,
		Frames:   frames,
		Dropped:  st.Dropped,
	}, nil
}
