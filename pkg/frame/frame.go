// Package frame implements the newline-delimited JSON protocol spoken between
// the dialogue server and its streaming clients.
//
// A response body is a sequence of lines, each one a small tagged record:
//
//	{"type":"chunk","delta":"Sure, "}
//	{"type":"steps","completedStepIds":["greet"]}
//	{"type":"done"}
//	{"type":"error","message":"upstream timeout"}
//
// [Decode] is a pure function over (bytes, state) so that the protocol can be
// unit-tested without any network. [Assembler] folds decoded frames into the
// reply text and the authoritative step set of one turn. [Encoder] writes
// frames on the server side.
package frame

import "github.com/MrWong99/parley/pkg/types"

// Kind tags a [Frame].
type Kind string

const (
	KindChunk Kind = "chunk"
	KindSteps Kind = "steps"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Frame is one decoded unit of the streaming protocol. Only the fields that
// belong to Kind are meaningful.
type Frame struct {
	Kind Kind

	// Delta is the text fragment of a chunk frame.
	Delta string

	// Steps is the full completed-step list of a steps frame. Never nil for
	// a steps frame.
	Steps []types.StepID

	// Message is the human-readable reason of an error frame.
	Message string
}

// Chunk returns a chunk frame.
func Chunk(delta string) Frame { return Frame{Kind: KindChunk, Delta: delta} }

// Steps returns a steps frame. A nil ids slice is normalised to empty.
func Steps(ids []types.StepID) Frame {
	if ids == nil {
		ids = []types.StepID{}
	}
	return Frame{Kind: KindSteps, Steps: ids}
}

// Done returns a done frame.
func Done() Frame { return Frame{Kind: KindDone} }

// Error returns an error frame.
func Error(msg string) Frame { return Frame{Kind: KindError, Message: msg} }

// wire is the JSON shape of every frame kind. Pointer fields distinguish
// "absent" from "empty" so that malformed frames can be rejected.
type wire struct {
	Type             Kind            `json:"type"`
	Delta            *string         `json:"delta,omitempty"`
	CompletedStepIDs *[]types.StepID `json:"completedStepIds,omitempty"`
	Message          *string         `json:"message,omitempty"`
}
