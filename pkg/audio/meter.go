package audio

import (
	"math"
	"sync"
)

// MeterConfig holds the smoothing constants of a [Meter].
type MeterConfig struct {
	// PrevWeight is the weight given to the previous level. The new sample
	// gets 1-PrevWeight.
	PrevWeight float64

	// Divisor normalises the mean spectrum byte into [0, 1].
	Divisor float64
}

// Capture and playback metering constants.
var (
	CaptureMeter  = MeterConfig{PrevWeight: 0.6, Divisor: 100}
	PlaybackMeter = MeterConfig{PrevWeight: 0.65, Divisor: 80}
)

// Meter turns successive byte spectra into a smoothed scalar level in [0, 1].
// Meter is safe for concurrent use.
type Meter struct {
	cfg MeterConfig

	mu    sync.Mutex
	level float64
}

// NewMeter returns a Meter at level zero.
func NewMeter(cfg MeterConfig) *Meter {
	if cfg.Divisor <= 0 {
		cfg.Divisor = 100
	}
	cfg.PrevWeight = min(max(cfg.PrevWeight, 0), 1)
	return &Meter{cfg: cfg}
}

// Update folds spectrum into the level and returns the new level.
func (m *Meter) Update(spectrum []byte) float64 {
	var cur float64
	if len(spectrum) > 0 {
		var sum int
		for _, b := range spectrum {
			sum += int(b)
		}
		cur = math.Min(1, float64(sum)/float64(len(spectrum))/m.cfg.Divisor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = m.level*m.cfg.PrevWeight + cur*(1-m.cfg.PrevWeight)
	return m.level
}

// Level returns the current level.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset zeroes the level.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}
