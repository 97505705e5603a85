package frame

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes frames as NDJSON lines. If the underlying writer implements
// [http.Flusher] every frame is flushed immediately so that clients see chunks
// as they are produced.
//
// Encoder is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes f followed by a newline.
func (e *Encoder) Encode(f Frame) error {
	b, err := Marshal(f)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("frame: write %s: %w", f.Kind, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Marshal returns the newline-terminated wire form of f.
func Marshal(f Frame) ([]byte, error) {
	w := wire{Type: f.Kind}
	switch f.Kind {
	case KindChunk:
		w.Delta = &f.Delta
	case KindSteps:
		ids := f.Steps
		if ids == nil {
			ids = Steps(nil).Steps
		}
		w.CompletedStepIDs = &ids
	case KindDone:
	case KindError:
		w.Message = &f.Message
	default:
		return nil, fmt.Errorf("frame: unknown kind %q", f.Kind)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal %s: %w", f.Kind, err)
	}
	return append(b, '\n'), nil
}
