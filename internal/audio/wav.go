package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the fixed-layout PCM WAV header this package
// understands. Streams with extension chunks before "data" are rejected.
const HeaderSize = 44

// ErrMalformedHeader reports a WAV header that is too short or whose magic
// bytes do not match at the fixed offsets.
var ErrMalformedHeader = errors.New("malformed wav header")

// Format describes the PCM layout negotiated from a WAV header.
// FrameSize is channels * bytes-per-sample; device writes must be a whole
// multiple of it.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
	FrameSize     int `json:"frame_size"`
}

// BytesPerSecond returns the PCM byte rate for the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize
}

// ParseHeader decodes the first 44 bytes of a WAV container. Fields are read
// at fixed offsets; variable chunk layouts are not scanned.
func ParseHeader(header []byte) (Format, error) {
	if len(header) < HeaderSize {
		return Format{}, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedHeader, HeaderSize, len(header))
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, fmt.Errorf("%w: RIFF/WAVE magic mismatch", ErrMalformedHeader)
	}
	if string(header[12:16]) != "fmt " {
		return Format{}, fmt.Errorf("%w: fmt chunk not at offset 12", ErrMalformedHeader)
	}

	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(header[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(header[24:28])),
		FrameSize:     int(binary.LittleEndian.Uint16(header[32:34])),
		BitsPerSample: int(binary.LittleEndian.Uint16(header[34:36])),
	}
	if f.FrameSize <= 0 && f.Channels > 0 && f.BitsPerSample > 0 {
		f.FrameSize = f.Channels * f.BitsPerSample / 8
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 || f.FrameSize <= 0 {
		return Format{}, fmt.Errorf("%w: non-positive format field", ErrMalformedHeader)
	}
	return f, nil
}

// ReadHeader reads exactly HeaderSize bytes from r, spanning as many
// underlying reads as needed, and parses them.
func ReadHeader(r io.Reader) (Format, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return ParseHeader(header)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWAVSamples encodes int16 mono samples as a WAV payload.
func EncodeWAVSamples(samples []int16, sampleRate int) ([]byte, error) {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return EncodeWAVPCM16LE(pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
