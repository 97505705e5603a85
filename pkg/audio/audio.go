// Package audio defines the capture and playback abstractions of parley and
// the engines that drive them.
//
// The two platform-facing interfaces are:
//
//   - [Source] acquires a microphone (or any PCM producer) and streams frames
//     until stopped.
//   - [Sink] decodes an encoded audio blob and plays it, streaming the PCM it
//     renders so that it can be metered.
//
// Platform adapters implement these per target. [Recorder] and [Player] sit on
// top of them and add what the turn controller needs: buffering, amplitude
// metering at display cadence, idempotent cancellation and guaranteed release
// of the device on every exit path.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [Source.Start] when the device
	// cannot be acquired.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrUndecodable is returned by [Sink.Play] when the payload cannot be
	// decoded into playable audio.
	ErrUndecodable = errors.New("audio: payload not decodable")

	// ErrNotActive is returned when stopping an engine that is not running.
	ErrNotActive = errors.New("audio: engine not active")

	// ErrBusy is returned when starting an engine that is already running.
	ErrBusy = errors.New("audio: engine already active")
)

// AudioFrame is one block of signed 16-bit little-endian PCM.
type AudioFrame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the offset of the frame from the start of the stream.
	Timestamp time.Duration
}

// Source is a capture device.
//
// Start acquires the device and returns a channel of captured frames. The
// channel is closed after Stop releases the device, or when ctx is done.
// Stop must be idempotent and safe to call before Start has returned.
type Source interface {
	Start(ctx context.Context) (<-chan AudioFrame, error)
	Stop() error
}

// Sink is a playback device.
//
// Play decodes data and starts rendering it. It returns [ErrUndecodable]
// synchronously if the payload cannot be decoded. Otherwise it returns a
// channel of the PCM frames as they are rendered, closed when playback ends
// or Stop is called. Stop must be idempotent.
type Sink interface {
	Play(ctx context.Context, data []byte) (<-chan AudioFrame, error)
	Stop() error
}
