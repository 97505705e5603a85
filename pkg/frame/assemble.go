package frame

import (
	"strings"

	"github.com/MrWong99/parley/pkg/types"
)

// Outcome is the terminal condition of an [Assembler].
type Outcome int

const (
	// OutcomeOpen means neither done nor error was seen yet.
	OutcomeOpen Outcome = iota
	// OutcomeDone means a done frame closed the turn.
	OutcomeDone
	// OutcomeError means an error frame aborted the turn.
	OutcomeError
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOpen:
		return "open"
	case OutcomeDone:
		return "done"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Assembler folds the frames of one turn into a reply. The reply is the
// concatenation of every chunk delta seen before the first done or error, in
// arrival order. Only the most recent steps frame is kept.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	reply   strings.Builder
	steps   []types.StepID
	sawStep bool
	outcome Outcome
	errMsg  string
}

// Push applies f. It reports false once the assembler is closed, which tells
// the caller that it can stop reading the stream.
func (a *Assembler) Push(f Frame) bool {
	if a.outcome != OutcomeOpen {
		return false
	}
	switch f.Kind {
	case KindChunk:
		a.reply.WriteString(f.Delta)
	case KindSteps:
		a.steps = append([]types.StepID(nil), f.Steps...)
		a.sawStep = true
	case KindDone:
		a.outcome = OutcomeDone
		return false
	case KindError:
		a.outcome = OutcomeError
		a.errMsg = f.Message
		a.reply.Reset()
		return false
	}
	return true
}

// PushAll applies frames in order and reports whether the assembler is still
// open afterwards.
func (a *Assembler) PushAll(frames []Frame) bool {
	for _, f := range frames {
		if !a.Push(f) {
			return false
		}
	}
	return a.outcome == OutcomeOpen
}

// Reply returns the assembled text. Empty after an error frame.
func (a *Assembler) Reply() string { return a.reply.String() }

// Steps returns the step list of the last steps frame and whether any steps
// frame was seen at all.
func (a *Assembler) Steps() ([]types.StepID, bool) { return a.steps, a.sawStep }

// Outcome returns the terminal condition.
func (a *Assembler) Outcome() Outcome { return a.outcome }

// ErrorMessage returns the message of the error frame, if any.
func (a *Assembler) ErrorMessage() string { return a.errMsg }
