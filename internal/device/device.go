// Package device abstracts the audio hardware behind small stream
// interfaces so the playback and capture engines can be exercised without
// real devices.
package device

import (
	"errors"
	"time"

	"github.com/okanis/voicebridge/internal/audio"
)

// ErrWrite reports a driver-level failure while pushing samples to the
// output device. It is fatal to the playback session but not to voice mode.
var ErrWrite = errors.New("device write failed")

// OutputStream is one opened playback stream. Write blocks until the device
// buffer has consumed the bytes, which is what bounds the drain estimate:
// the device can hold at most one latency period of unplayed audio.
type OutputStream interface {
	Write(p []byte) error
	Latency() (time.Duration, error)
	Close() error
}

// InputStream is one opened capture stream delivering fixed-size sample
// frames. ReadFrame blocks until a full frame is available.
type InputStream interface {
	ReadFrame() ([]int16, error)
	Close() error
}

// Backend opens device streams. Exactly one output stream is open per
// playback session and one persistent input stream per capture lifetime;
// concurrent opens of the same hardware are avoided because some inputs
// (wireless headsets in particular) reject them.
type Backend interface {
	Initialize() error
	Terminate() error
	OpenOutput(format audio.Format) (OutputStream, error)
	OpenInput(sampleRate, channels, frameSize int) (InputStream, error)
}
