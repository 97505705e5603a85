package turn

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/dialogue"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/types"
)

// State is the phase of the current turn.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

var stateNames = [...]string{"idle", "listening", "thinking", "speaking"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var (
	// ErrBusy is returned when an action needs the controller to be idle
	// and a turn is in flight.
	ErrBusy = errors.New("turn: a turn is already in flight")

	// ErrNotListening is returned by Stop when no recording is active.
	ErrNotListening = errors.New("turn: not recording")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("turn: controller closed")
)

// ErrorKind classifies a user-visible turn failure.
type ErrorKind string

const (
	// KindPermission is a capture device that could not be acquired.
	KindPermission ErrorKind = "permission"

	// KindTransport is a failed or non-OK request to a remote service.
	KindTransport ErrorKind = "transport"

	// KindProtocol is an error frame sent by the dialogue server.
	KindProtocol ErrorKind = "protocol"
)

// Stage names the pipeline step a [TurnError] came from.
type Stage string

const (
	StageCapture    Stage = "capture"
	StageTranscribe Stage = "transcribe"
	StageDialogue   Stage = "dialogue"
	StageSynthesize Stage = "synthesize"
)

// TurnError is a failure surfaced to the user. Every TurnError ends its turn
// in [StateIdle].
type TurnError struct {
	Kind  ErrorKind
	Stage Stage

	// Message is the text to show. For protocol errors it is the server's
	// message verbatim.
	Message string

	Err error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn: %s (%s): %s", e.Stage, e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Err }

// classify maps a pipeline error to a TurnError.
func classify(stage Stage, err error) *TurnError {
	te := &TurnError{Kind: KindTransport, Stage: stage, Message: err.Error(), Err: err}

	var (
		pe *dialogue.ProtocolError
		se *provider.StatusError
	)
	switch {
	case errors.As(err, &pe):
		te.Kind = KindProtocol
		te.Message = pe.Message
		if te.Message == "" {
			te.Message = "dialogue server reported an error"
		}
	case stage == StageCapture:
		te.Kind = KindPermission
		if errors.Is(err, audio.ErrPermissionDenied) {
			te.Message = "microphone access denied"
		}
	case errors.As(err, &se):
		if se.Message != "" {
			te.Message = se.Message
		} else {
			te.Message = fmt.Sprintf("%s failed with HTTP %d", se.Service, se.Code)
		}
	}
	return te
}

// LevelSource tells apart the two amplitude meters.
type LevelSource string

const (
	LevelCapture  LevelSource = "capture"
	LevelPlayback LevelSource = "playback"
)

// Observer receives the controller's events.
//
// StateChanged is called with the controller's lock held, so that observers
// see transitions in order; it must not call back into the Controller. The
// other methods are called without the lock. Level is called from metering
// goroutines at display cadence.
type Observer interface {
	StateChanged(from, to State)
	Message(m types.Message)
	Delta(text string)
	Steps(ids []types.StepID)
	Level(src LevelSource, v float64)
	Error(err *TurnError)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State) {}
func (NopObserver) Message(types.Message) {}
func (NopObserver) Delta(string) {}
func (NopObserver) Steps([]types.StepID) {}
func (NopObserver) Level(LevelSource, float64) {}
func (NopObserver) Error(*TurnError) {}

var _ Observer = NopObserver{}
