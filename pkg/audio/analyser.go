package audio

import (
	"math"
	"math/bits"
	"sync"
)

// Analyser defaults match the browser AnalyserNode the metering constants
// were tuned against.
const (
	DefaultFFTSize     = 256
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// Analyser keeps the most recent FFTSize samples of a stream and renders them
// as a byte frequency spectrum: Blackman window, FFT, per-bin temporal
// smoothing, then magnitudes in dB mapped linearly from [MinDecibels,
// MaxDecibels] onto [0, 255].
//
// Analyser is safe for concurrent use: [Analyser.Write] is called from the
// device goroutine, [Analyser.ByteFrequencyData] from the metering loop.
type Analyser struct {
	mu sync.Mutex

	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	ring   []float64
	pos    int
	window []float64
	prev   []float64 // smoothed magnitudes, one per bin
	re, im []float64 // FFT scratch
}

// NewAnalyser returns an Analyser with the given FFT size and smoothing time
// constant. size must be a power of two; other values fall back to
// [DefaultFFTSize]. smoothing is clamped to [0, 1).
func NewAnalyser(size int, smoothing float64) *Analyser {
	if size < 32 || size&(size-1) != 0 {
		size = DefaultFFTSize
	}
	smoothing = min(max(smoothing, 0), 0.999)
	a := &Analyser{
		size:      size,
		smoothing: smoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
		ring:      make([]float64, size),
		window:    make([]float64, size),
		prev:      make([]float64, size/2),
		re:        make([]float64, size),
		im:        make([]float64, size),
	}
	for n := range a.window {
		x := 2 * math.Pi * float64(n) / float64(size)
		a.window[n] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return a
}

// BinCount is the number of spectrum bins, half the FFT size.
func (a *Analyser) BinCount() int { return a.size / 2 }

// Write appends the frame's samples to the analysis window.
func (a *Analyser) Write(f AudioFrame) {
	samples := Samples(f)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.size
	}
}

// Reset clears the analysis window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.prev)
	a.pos = 0
}

// ByteFrequencyData fills dst (up to BinCount entries) with the current
// spectrum and returns the number of bins written.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.size {
		// Oldest sample first.
		s := a.ring[(a.pos+i)%a.size]
		a.re[i] = s * a.window[i]
		a.im[i] = 0
	}
	fft(a.re, a.im)

	n := min(len(dst), a.size/2)
	scale := 255 / (a.maxDB - a.minDB)
	for k := range a.size / 2 {
		mag := math.Hypot(a.re[k], a.im[k]) / float64(a.size)
		a.prev[k] = a.smoothing*a.prev[k] + (1-a.smoothing)*mag
		if k >= n {
			continue
		}
		db := math.Inf(-1)
		if a.prev[k] > 0 {
			db = 20 * math.Log10(a.prev[k])
		}
		v := scale * (db - a.minDB)
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return n
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform. len(re) must be
// a power of two and equal to len(im).
func fft(re, im []float64) {
	n := len(re)
	shift := 64 - uint(bits.TrailingZeros(uint(n)))
	for i := range n {
		j := int(bits.Reverse64(uint64(i)) >> shift)
		if j > i {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := range half {
				wr, wi := math.Cos(step*float64(k)), math.Sin(step*float64(k))
				a, b := start+k, start+k+half
				tr := wr*re[b] - wi*im[b]
				ti := wr*im[b] + wi*re[b]
				re[b], im[b] = re[a]-tr, im[a]-ti
				re[a], im[a] = re[a]+tr, im[a]+ti
			}
		}
	}
}
