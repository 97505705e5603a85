// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{Frames: []audio.AudioFrame{{Data: pcm, SampleRate: 16000, Channels: 1}}}
//	rec := audio.NewRecorder(src)
//	_ = rec.Start(ctx)
//	got, _ := rec.Stop()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. On Start it emits Frames, then keeps the
// stream open until Stop is called or ctx is done.
type Source struct {
	mu sync.Mutex

	// Frames are emitted in order after Start.
	Frames []audio.AudioFrame

	// StartErr is returned by Start when non-nil.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// CallCountStart and CallCountStop record invocations.
	CallCountStart int
	CallCountStop  int

	held bool
	stop chan struct{}
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	s.held = true
	s.stop = make(chan struct{})
	stop := s.stop
	frames := append([]audio.AudioFrame(nil), s.Frames...)

	out := make(chan audio.AudioFrame)
	go func() {
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Stop implements [audio.Source]. It is idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.held {
		s.held = false
		close(s.stop)
	}
	return s.StopErr
}

// Held reports whether the device is currently acquired.
func (s *Source) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Starts returns how many times Start was called.
func (s *Source) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStart
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink]. Play emits Frames and then ends playback,
// unless Hold is set, in which case playback lasts until Stop.
type Sink struct {
	mu sync.Mutex

	// Frames are emitted in order after Play.
	Frames []audio.AudioFrame

	// Hold keeps playback open after Frames are exhausted.
	Hold bool

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// Played records every payload passed to Play.
	Played [][]byte

	// CallCountStop records Stop invocations.
	CallCountStop int

	held bool
	stop chan struct{}
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, data []byte) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Played = append(s.Played, append([]byte(nil), data...))
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	s.held = true
	s.stop = make(chan struct{})
	stop := s.stop
	hold := s.Hold
	frames := append([]audio.AudioFrame(nil), s.Frames...)

	out := make(chan audio.AudioFrame)
	go func() {
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if hold {
			select {
			case <-stop:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Stop implements [audio.Sink]. It is idempotent.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.held {
		s.held = false
		close(s.stop)
	}
	return nil
}

// Held reports whether the playback graph is currently acquired.
func (s *Sink) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Payloads returns a copy of every payload passed to Play.
func (s *Sink) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Played...)
}
