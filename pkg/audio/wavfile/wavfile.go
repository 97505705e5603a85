// Package wavfile adapts files on disk to the [audio.Source] and [audio.Sink]
// interfaces, for terminal use where no sound device is available.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// frameDuration is the length of each emitted frame.
const frameDuration = 20 * time.Millisecond

// Source streams a WAV file as if it were being captured live.
type Source struct {
	path     string
	realtime bool

	mu   sync.Mutex
	stop chan struct{}
}

// NewSource returns a Source reading path. When realtime is true frames are
// paced at wall-clock speed.
func NewSource(path string, realtime bool) *Source {
	return &Source{path: path, realtime: realtime}
}

var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source]. A missing or unreadable file is reported
// as [audio.ErrPermissionDenied], the closest analogue of a denied device.
func (s *Source) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("wavfile: %w: %v", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("wavfile: read %s: %w", s.path, err)
	}
	pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	out := make(chan audio.AudioFrame, 8)
	go func() {
		defer close(out)
		emit(ctx, stop, pcm, s.realtime, out)
		// A live device keeps running after the speaker goes quiet.
		select {
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return nil
}

// Sink writes every payload to a directory. WAV payloads are additionally
// rendered as PCM frames so that playback can be metered; other encodings
// finish immediately.
type Sink struct {
	dir      string
	realtime bool

	mu   sync.Mutex
	n    int
	stop chan struct{}
}

// NewSink returns a Sink writing into dir, which is created if missing.
func NewSink(dir string, realtime bool) *Sink {
	return &Sink{dir: dir, realtime: realtime}
}

var _ audio.Sink = (*Sink)(nil)

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, data []byte) (<-chan audio.AudioFrame, error) {
	if len(data) == 0 {
		return nil, audio.ErrUndecodable
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.n++
	name := filepath.Join(s.dir, fmt.Sprintf("reply-%03d%s", s.n, extension(data)))
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	if err := os.WriteFile(name, data, 0o644); err != nil {
		return nil, fmt.Errorf("wavfile: write %s: %w", name, err)
	}

	out := make(chan audio.AudioFrame, 8)
	pcm, err := audio.DecodeWAV(data)
	go func() {
		defer close(out)
		if err == nil {
			emit(ctx, stop, pcm, s.realtime, out)
		}
	}()
	return out, nil
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return nil
}

func emit(ctx context.Context, stop <-chan struct{}, pcm audio.AudioFrame, realtime bool, out chan<- audio.AudioFrame) {
	ch := max(pcm.Channels, 1)
	step := pcm.SampleRate * ch * 2 * int(frameDuration/time.Millisecond) / 1000
	if step <= 0 {
		return
	}
	var ts time.Duration
	for off := 0; off < len(pcm.Data); off += step {
		end := min(off+step, len(pcm.Data))
		f := audio.AudioFrame{Data: pcm.Data[off:end], SampleRate: pcm.SampleRate, Channels: ch, Timestamp: ts}
		select {
		case out <- f:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
		ts += frameDuration
		if realtime {
			select {
			case <-time.After(frameDuration):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func extension(data []byte) string {
	switch {
	case len(data) >= 4 && string(data[:4]) == "RIFF":
		return ".wav"
	case len(data) >= 3 && string(data[:3]) == "ID3", len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ".mp3"
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return ".ogg"
	default:
		return ".bin"
	}
}
