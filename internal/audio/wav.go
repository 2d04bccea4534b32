// Package audio holds small PCM helpers shared by voice backends.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// DefaultSampleRate is the capture rate browsers are asked to use.
const DefaultSampleRate = 16000

const wavHeaderSize = 44

var ErrNotWAV = errors.New("not a PCM16 wav chunk")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container,
// matching the chunks voice services emit as assistant audio.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)

	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * numChannels * bitsPerSample / 8),
		uint16(numChannels * bitsPerSample / 8),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// PCMFromWAV returns the sample rate and data payload of a canonical
// 44-byte-header PCM16 mono WAV chunk.
func PCMFromWAV(chunk []byte) ([]byte, int, error) {
	if len(chunk) < wavHeaderSize ||
		string(chunk[0:4]) != "RIFF" || string(chunk[8:12]) != "WAVE" ||
		string(chunk[12:16]) != "fmt " || string(chunk[36:40]) != "data" {
		return nil, 0, ErrNotWAV
	}
	if binary.LittleEndian.Uint16(chunk[20:22]) != 1 || binary.LittleEndian.Uint16(chunk[34:36]) != 16 {
		return nil, 0, ErrNotWAV
	}
	rate := int(binary.LittleEndian.Uint32(chunk[24:28]))
	size := int(binary.LittleEndian.Uint32(chunk[40:44]))
	data := chunk[wavHeaderSize:]
	if size < len(data) {
		data = data[:size]
	}
	return data, rate, nil
}
