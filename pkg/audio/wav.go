package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVMIME is the content type of payloads produced by [EncodeWAV].
const WAVMIME = "audio/wav"

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	blockAlign := channels * bps / 8
	size := len(pcm)

	buf := make([]byte, 44+size)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV parses a 16-bit PCM WAVE file. Chunks other than "fmt " and
// "data" are skipped. Any other encoding yields [ErrUndecodable].
func DecodeWAV(data []byte) (AudioFrame, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return AudioFrame{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUndecodable)
	}
	var (
		f      AudioFrame
		gotFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		n := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if n < 0 || body+n > len(data) {
			n = len(data) - body
		}
		switch id {
		case "fmt ":
			if n < 16 {
				return AudioFrame{}, fmt.Errorf("%w: short fmt chunk", ErrUndecodable)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			bps := binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 || bps != 16 {
				return AudioFrame{}, fmt.Errorf("%w: format %d/%d-bit unsupported", ErrUndecodable, format, bps)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return AudioFrame{}, fmt.Errorf("%w: data before fmt", ErrUndecodable)
			}
			f.Data = data[body : body+n]
			return f, nil
		}
		off = body + n + n%2
	}
	return AudioFrame{}, fmt.Errorf("%w: no data chunk", ErrUndecodable)
}
