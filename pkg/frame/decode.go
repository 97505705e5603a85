package frame

import (
	"bytes"
	"encoding/json"
	"slices"
)

// DecoderState is the carry-over between successive [Decode] calls. The zero
// value is the state at the start of a stream.
type DecoderState struct {
	// pending holds the trailing bytes of the last chunk that were not yet
	// terminated by a newline.
	pending []byte

	// Dropped counts lines that were skipped because they did not parse or
	// carried an unknown type. Blank lines are not counted.
	Dropped int
}

// Pending reports how many bytes are buffered waiting for a newline.
func (s DecoderState) Pending() int { return len(s.pending) }

// Decode splits chunk, prefixed by any partial line held in st, into complete
// lines and parses each one independently. It returns the decoded frames in
// arrival order and the new state. st is never mutated.
//
// A line that fails to parse is dropped and counted in Dropped; decoding
// continues with the next line.
func Decode(chunk []byte, st DecoderState) ([]Frame, DecoderState) {
	// Clip forces append to copy, so the caller's pending slice stays intact.
	buf := append(slices.Clip(st.pending), chunk...)
	next := DecoderState{Dropped: st.Dropped}

	var frames []Frame
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		f, ok := parseLine(line)
		if !ok {
			next.Dropped++
			continue
		}
		frames = append(frames, f)
	}
	if len(buf) > 0 {
		next.pending = bytes.Clone(buf)
	}
	return frames, next
}

// Flush ends a stream. A trailing line that was never terminated by a newline
// is discarded, so producers must end every frame with '\n'. The returned
// state is the zero state with the drop count preserved.
func Flush(st DecoderState) DecoderState {
	return DecoderState{Dropped: st.Dropped}
}

func parseLine(line []byte) (Frame, bool) {
	var w wire
	if err := json.Unmarshal(line, &w); err != nil {
		return Frame{}, false
	}
	switch w.Type {
	case KindChunk:
		if w.Delta == nil {
			return Frame{}, false
		}
		return Chunk(*w.Delta), true
	case KindSteps:
		if w.CompletedStepIDs == nil {
			return Frame{}, false
		}
		return Steps(*w.CompletedStepIDs), true
	case KindDone:
		return Done(), true
	case KindError:
		var msg string
		if w.Message != nil {
			msg = *w.Message
		}
		return Error(msg), true
	default:
		return Frame{}, false
	}
}
