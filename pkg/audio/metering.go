package audio

import (
	"sync/atomic"
	"time"
)

// DefaultTickInterval approximates a 60 Hz display refresh.
const DefaultTickInterval = 16 * time.Millisecond

// generation identifies one activation of an engine. Loops started for an
// activation compare their captured value against the live one on each tick
// and exit as soon as they differ.
type generation struct{ v atomic.Uint64 }

func (g *generation) next() uint64          { return g.v.Add(1) }
func (g *generation) current(id uint64) bool { return g.v.Load() == id }

// meterLoop samples analyser every tick, folds the spectrum into meter and
// reports the level through onLevel. It returns when gen moves past id or
// stop is closed, and closes done on return.
func meterLoop(gen *generation, id uint64, stop <-chan struct{}, done chan<- struct{},
	every time.Duration, analyser *Analyser, meter *Meter, onLevel func(float64),
) {
	defer close(done)
	t := time.NewTicker(every)
	defer t.Stop()
	spectrum := make([]byte, analyser.BinCount())
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if !gen.current(id) {
			return
		}
		n := analyser.ByteFrequencyData(spectrum)
		level := meter.Update(spectrum[:n])
		if onLevel != nil && gen.current(id) {
			onLevel(level)
		}
	}
}
