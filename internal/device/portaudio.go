package device

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/okanis/voicebridge/internal/audio"
)

// outputPeriodFrames is the fixed frame count of one device write period.
const outputPeriodFrames = 1024

// PortAudio is the default hardware backend.
type PortAudio struct{}

func NewPortAudio() *PortAudio { return &PortAudio{} }

func (*PortAudio) Initialize() error { return portaudio.Initialize() }

func (*PortAudio) Terminate() error { return portaudio.Terminate() }

func (*PortAudio) OpenOutput(format audio.Format) (OutputStream, error) {
	switch format.BitsPerSample {
	case 16:
		buf := make([]int16, outputPeriodFrames*format.Channels)
		stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), outputPeriodFrames, buf)
		if err != nil {
			return nil, fmt.Errorf("open output stream: %w", err)
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			return nil, fmt.Errorf("start output stream: %w", err)
		}
		return &paOutput16{stream: stream, pw: periodWriter16{buf: buf, emit: stream.Write}}, nil
	case 32:
		buf := make([]int32, outputPeriodFrames*format.Channels)
		stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), outputPeriodFrames, buf)
		if err != nil {
			return nil, fmt.Errorf("open output stream: %w", err)
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			return nil, fmt.Errorf("start output stream: %w", err)
		}
		return &paOutput32{stream: stream, pw: periodWriter32{buf: buf, emit: stream.Write}}, nil
	default:
		return nil, fmt.Errorf("unsupported bits per sample: %d", format.BitsPerSample)
	}
}

func (*PortAudio) OpenInput(sampleRate, channels, frameSize int) (InputStream, error) {
	buf := make([]int16, frameSize*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &paInput{stream: stream, buf: buf}, nil
}

// periodWriter16 converts little-endian PCM16 bytes into the stream's fixed
// device period buffer, emitting only complete periods. A partial period is
// carried across Write calls; padding it with zeros mid-stream would splice
// audible silence into continuous audio. flush pushes the zero-padded
// remainder out at end of stream.
type periodWriter16 struct {
	buf  []int16
	fill int
	emit func() error
}

func (w *periodWriter16) push(p []byte) error {
	for len(p) > 0 {
		n := (len(w.buf) - w.fill) * 2
		if n > len(p) {
			n = len(p)
		}
		samples := n / 2
		for i := 0; i < samples; i++ {
			w.buf[w.fill+i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
		}
		w.fill += samples
		p = p[n:]
		if w.fill == len(w.buf) {
			if err := w.emit(); err != nil {
				return err
			}
			w.fill = 0
		}
	}
	return nil
}

func (w *periodWriter16) flush() error {
	if w.fill == 0 {
		return nil
	}
	for i := w.fill; i < len(w.buf); i++ {
		w.buf[i] = 0
	}
	w.fill = 0
	return w.emit()
}

type periodWriter32 struct {
	buf  []int32
	fill int
	emit func() error
}

func (w *periodWriter32) push(p []byte) error {
	for len(p) > 0 {
		n := (len(w.buf) - w.fill) * 4
		if n > len(p) {
			n = len(p)
		}
		samples := n / 4
		for i := 0; i < samples; i++ {
			w.buf[w.fill+i] = int32(binary.LittleEndian.Uint32(p[i*4:]))
		}
		w.fill += samples
		p = p[n:]
		if w.fill == len(w.buf) {
			if err := w.emit(); err != nil {
				return err
			}
			w.fill = 0
		}
	}
	return nil
}

func (w *periodWriter32) flush() error {
	if w.fill == 0 {
		return nil
	}
	for i := w.fill; i < len(w.buf); i++ {
		w.buf[i] = 0
	}
	w.fill = 0
	return w.emit()
}

type paOutput16 struct {
	stream    *portaudio.Stream
	pw        periodWriter16
	closeOnce sync.Once
	closeErr  error
}

func (o *paOutput16) Write(p []byte) error {
	if err := o.pw.push(p); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (o *paOutput16) Latency() (time.Duration, error) {
	info := o.stream.Info()
	if info == nil || info.OutputLatency <= 0 {
		return 0, fmt.Errorf("output latency unavailable")
	}
	return info.OutputLatency, nil
}

func (o *paOutput16) Close() error {
	o.closeOnce.Do(func() {
		// Stop blocks until buffered periods finish playing, so the padded
		// tail period flushed here is still audible.
		_ = o.pw.flush()
		_ = o.stream.Stop()
		o.closeErr = o.stream.Close()
	})
	return o.closeErr
}

type paOutput32 struct {
	stream    *portaudio.Stream
	pw        periodWriter32
	closeOnce sync.Once
	closeErr  error
}

func (o *paOutput32) Write(p []byte) error {
	if err := o.pw.push(p); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (o *paOutput32) Latency() (time.Duration, error) {
	info := o.stream.Info()
	if info == nil || info.OutputLatency <= 0 {
		return 0, fmt.Errorf("output latency unavailable")
	}
	return info.OutputLatency, nil
}

func (o *paOutput32) Close() error {
	o.closeOnce.Do(func() {
		_ = o.pw.flush()
		_ = o.stream.Stop()
		o.closeErr = o.stream.Close()
	})
	return o.closeErr
}

type paInput struct {
	stream    *portaudio.Stream
	buf       []int16
	closeOnce sync.Once
	closeErr  error
}

func (in *paInput) ReadFrame() ([]int16, error) {
	if err := in.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input frame: %w", err)
	}
	frame := make([]int16, len(in.buf))
	copy(frame, in.buf)
	return frame, nil
}

func (in *paInput) Close() error {
	in.closeOnce.Do(func() {
		_ = in.stream.Stop()
		in.closeErr = in.stream.Close()
	})
	return in.closeErr
}
