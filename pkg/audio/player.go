package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithPlayerLevel registers a callback receiving the smoothed output level at
// every metering tick, and a final 0 when playback ends.
func WithPlayerLevel(fn func(float64)) PlayerOption {
	return func(p *Player) { p.onLevel = fn }
}

// WithPlayerTick overrides the metering cadence.
func WithPlayerTick(d time.Duration) PlayerOption {
	return func(p *Player) {
		if d > 0 {
			p.tick = d
		}
	}
}

// Player is the playback engine. It owns a [Sink] while a reply is being
// spoken and meters what the sink renders.
//
// All methods are safe for concurrent use.
type Player struct {
	sink     Sink
	analyser *Analyser
	meter    *Meter
	tick     time.Duration
	onLevel  func(float64)

	gen  generation
	life sync.Mutex

	mu       sync.Mutex
	active   bool
	id       uint64
	stop     chan struct{}
	metered  chan struct{}
	drained  chan struct{}
	finished chan struct{}
}

// NewPlayer returns a Player driving sink.
func NewPlayer(sink Sink, opts ...PlayerOption) *Player {
	p := &Player{
		sink:     sink,
		analyser: NewAnalyser(DefaultFFTSize, 0.7),
		meter:    NewMeter(PlaybackMeter),
		tick:     DefaultTickInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play decodes data and starts playback. Decode failures are returned
// synchronously and match [ErrUndecodable]. On success the returned channel
// is closed once playback has ended, naturally or through Stop, and the sink
// has been released.
func (p *Player) Play(ctx context.Context, data []byte) (<-chan struct{}, error) {
	p.life.Lock()
	defer p.life.Unlock()
	if p.Active() {
		return nil, ErrBusy
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio: play: %w: empty payload", ErrUndecodable)
	}

	frames, err := p.sink.Play(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("audio: play: %w", err)
	}

	id := p.gen.next()
	p.analyser.Reset()
	p.meter.Reset()

	p.mu.Lock()
	p.active = true
	p.id = id
	p.stop = make(chan struct{})
	p.metered = make(chan struct{})
	p.drained = make(chan struct{})
	p.finished = make(chan struct{})
	finished := p.finished
	p.mu.Unlock()

	go meterLoop(&p.gen, id, p.stop, p.metered, p.tick, p.analyser, p.meter, p.onLevel)
	go p.render(id, frames, p.drained)
	return finished, nil
}

func (p *Player) render(id uint64, frames <-chan AudioFrame, drained chan<- struct{}) {
	for f := range frames {
		p.analyser.Write(f)
	}
	close(drained)
	p.release(id)
}

// Wait plays data and blocks until playback ends or ctx is done. When ctx is
// done playback is stopped and ctx.Err is returned.
func (p *Player) Wait(ctx context.Context, data []byte) error {
	done, err := p.Play(ctx, data)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.Stop()
		<-done
		return ctx.Err()
	}
}

// Stop ends playback. It is idempotent and safe to call at any point.
func (p *Player) Stop() {
	p.mu.Lock()
	id := p.id
	p.mu.Unlock()
	p.release(id)
}

// Close is an alias for Stop, for teardown paths.
func (p *Player) Close() error {
	p.Stop()
	return nil
}

// release tears down activation id. Calls for a stale or already released
// activation are no-ops.
func (p *Player) release(id uint64) {
	p.life.Lock()
	defer p.life.Unlock()

	p.mu.Lock()
	if !p.active || p.id != id {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.mu.Unlock()

	p.gen.next()
	close(p.stop)
	<-p.metered
	if err := p.sink.Stop(); err != nil {
		slog.Warn("audio: sink stop failed", "err", err)
	}
	<-p.drained

	p.meter.Reset()
	if p.onLevel != nil {
		p.onLevel(0)
	}
	close(p.finished)
}

// Active reports whether playback is in progress.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Level returns the current smoothed output level in [0, 1].
func (p *Player) Level() float64 { return p.meter.Level() }
