package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/okanis/voicebridge/internal/device"
)

// Source fans one persistent input stream out to the level meter and, while
// a recording is attached, to its buffer. A single open stream serves both
// consumers because concurrent opens of the same input device fail on a lot
// of hardware, Bluetooth mics especially.
//
// The mute flag is a hard gate: muted frames update the meter but are
// dropped before they can reach the recording buffer or the VAD.
type Source struct {
	stream device.InputStream
	meter  *LevelMeter
	muted  func() bool

	mu     sync.Mutex
	rec    *RecordingBuffer
	frames chan<- Frame
}

func NewSource(stream device.InputStream, meter *LevelMeter, muted func() bool) *Source {
	return &Source{stream: stream, meter: meter, muted: muted}
}

// Run pumps frames until ctx is cancelled or the stream fails. Closing the
// underlying stream is the way to unblock a pending read on shutdown.
func (s *Source) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := s.stream.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input stream: %w", err)
		}

		if s.meter != nil {
			s.meter.Update(frame)
		}
		if s.muted != nil && s.muted() {
			continue
		}

		s.mu.Lock()
		rec, frames := s.rec, s.frames
		s.mu.Unlock()
		if rec == nil {
			continue
		}
		rec.Append(frame)
		if frames != nil {
			select {
			case frames <- frame:
			default:
				// Consumer fell behind; the frame is still in the buffer.
			}
		}
	}
}

// Attach routes subsequent unmuted frames into buf and notifies the given
// channel per frame. Only one recording can be attached at a time.
func (s *Source) Attach(buf *RecordingBuffer, frames chan<- Frame) {
	s.mu.Lock()
	s.rec = buf
	s.frames = frames
	s.mu.Unlock()
}

// Detach stops routing frames to the current recording.
func (s *Source) Detach() {
	s.mu.Lock()
	s.rec = nil
	s.frames = nil
	s.mu.Unlock()
}
