package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSoftMax is the recording length past which the UI should nudge the
// user to stop. Recording is never cut at this boundary.
const DefaultSoftMax = 60 * time.Second

// DefaultCaptureRate is the sample rate recordings are normalised to.
const DefaultCaptureRate = 16000

// Recording is the result of a completed capture.
type Recording struct {
	// Data is the encoded payload. Empty when nothing was captured.
	Data []byte

	// MIME is the content type of Data.
	MIME string

	// Duration is the wall-clock time between Start and Stop.
	Duration time.Duration
}

// Empty reports whether no audio was captured.
func (r Recording) Empty() bool { return len(r.Data) == 0 }

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithRecorderLevel registers a callback receiving the smoothed input level
// at every metering tick, and a final 0 on stop.
func WithRecorderLevel(fn func(float64)) RecorderOption {
	return func(r *Recorder) { r.onLevel = fn }
}

// WithRecorderTick overrides the metering cadence.
func WithRecorderTick(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.tick = d
		}
	}
}

// WithSoftMax overrides [DefaultSoftMax].
func WithSoftMax(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.softMax = d }
}

// WithCaptureRate overrides [DefaultCaptureRate].
func WithCaptureRate(hz int) RecorderOption {
	return func(r *Recorder) { r.rate = hz }
}

// WithRecorderClock replaces time.Now, for tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the capture engine. It owns a [Source] for the duration of one
// recording, buffers the captured PCM, and meters it.
//
// All methods are safe for concurrent use.
type Recorder struct {
	src      Source
	analyser *Analyser
	meter    *Meter
	tick     time.Duration
	softMax  time.Duration
	rate     int
	onLevel  func(float64)
	now      func() time.Time

	gen generation

	// life serialises Start against Stop and Cancel so a new recording can
	// never begin while the previous collector is still draining.
	life sync.Mutex

	mu        sync.Mutex
	active    bool
	startedAt time.Time
	pcm       bytes.Buffer
	stop      chan struct{}
	collected chan struct{}
	metered   chan struct{}
}

// NewRecorder returns a Recorder driving src.
func NewRecorder(src Source, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		src:      src,
		analyser: NewAnalyser(DefaultFFTSize, 0.75),
		meter:    NewMeter(CaptureMeter),
		tick:     DefaultTickInterval,
		softMax:  DefaultSoftMax,
		rate:     DefaultCaptureRate,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start acquires the source and begins recording. A failure to acquire the
// device is returned wrapped; it matches [ErrPermissionDenied] when the
// source reports that.
func (r *Recorder) Start(ctx context.Context) error {
	r.life.Lock()
	defer r.life.Unlock()
	if r.Active() {
		return ErrBusy
	}

	frames, err := r.src.Start(ctx)
	if err != nil {
		return fmt.Errorf("audio: start capture: %w", err)
	}

	id := r.gen.next()
	r.analyser.Reset()
	r.meter.Reset()
	r.stop = make(chan struct{})
	r.collected = make(chan struct{})
	r.metered = make(chan struct{})

	r.mu.Lock()
	r.active = true
	r.startedAt = r.now()
	r.pcm.Reset()
	r.mu.Unlock()

	go r.collect(frames, r.collected)
	go meterLoop(&r.gen, id, r.stop, r.metered, r.tick, r.analyser, r.meter, r.onLevel)
	return nil
}

func (r *Recorder) collect(frames <-chan AudioFrame, done chan<- struct{}) {
	defer close(done)
	for f := range frames {
		r.analyser.Write(f)
		mono := ToMono16(f, r.rate)
		r.mu.Lock()
		r.pcm.Write(mono.Data)
		r.mu.Unlock()
	}
}

// Stop ends the recording, releases the source and returns what was captured.
func (r *Recorder) Stop() (Recording, error) {
	pcm, dur, err := r.release()
	if err != nil {
		return Recording{}, err
	}
	if len(pcm) == 0 {
		return Recording{MIME: WAVMIME, Duration: dur}, nil
	}
	return Recording{Data: EncodeWAV(pcm, r.rate, 1), MIME: WAVMIME, Duration: dur}, nil
}

// Cancel ends the recording and discards it. It is idempotent and safe to
// call at any point, including when no recording is active.
func (r *Recorder) Cancel() {
	if _, _, err := r.release(); err != nil && err != ErrNotActive {
		slog.Warn("audio: cancel capture", "err", err)
	}
}

// Close is an alias for Cancel, for teardown paths.
func (r *Recorder) Close() error {
	r.Cancel()
	return nil
}

// release performs the shared teardown of Stop and Cancel. The source is
// always stopped, even if it reports an error, and the level is zeroed.
func (r *Recorder) release() ([]byte, time.Duration, error) {
	r.life.Lock()
	defer r.life.Unlock()

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, 0, ErrNotActive
	}
	r.active = false
	dur := r.now().Sub(r.startedAt)
	r.mu.Unlock()

	r.gen.next()
	close(r.stop)
	<-r.metered
	stopErr := r.src.Stop()
	<-r.collected

	r.mu.Lock()
	pcm := bytes.Clone(r.pcm.Bytes())
	r.pcm.Reset()
	r.mu.Unlock()

	r.meter.Reset()
	if r.onLevel != nil {
		r.onLevel(0)
	}
	if stopErr != nil {
		slog.Warn("audio: source stop failed", "err", stopErr)
	}
	return pcm, dur, nil
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Level returns the current smoothed input level in [0, 1].
func (r *Recorder) Level() float64 { return r.meter.Level() }

// Elapsed returns how long the current recording has been running, or zero.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return 0
	}
	return r.now().Sub(r.startedAt)
}

// OverSoftMax reports whether the current recording is past the soft maximum.
func (r *Recorder) OverSoftMax() bool {
	return r.softMax > 0 && r.Elapsed() >= r.softMax
}
