// Package capture implements the gated microphone pipeline: a persistent
// shared input stream, a level meter, and VAD-gated recording.
package capture

import (
	"context"
	"log"
	"time"

	"github.com/okanis/voicebridge/internal/vad"
)

// Config holds the fixed analysis parameters of the capture state machine.
type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	Detector      vad.Detector
}

// Capturer runs VAD-gated recording sessions on a shared Source.
//
// The state machine is Idle -> Listening -> {SpeechHeard, TimedOut}: VAD
// runs on each newly captured frame only, a constant-time per-tick cost.
// Once speech has been heard, a run of silent frames reaching the silence
// threshold ends the session; otherwise it ends at the max frame count.
type Capturer struct {
	source *Source
	cfg    Config
}

func NewCapturer(source *Source, cfg Config) *Capturer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 30 * time.Millisecond
	}
	if cfg.Detector == nil {
		cfg.Detector = vad.NewEnergy(2)
	}
	return &Capturer{source: source, cfg: cfg}
}

// FrameSize returns the per-frame sample count for the configured rate.
func (c *Capturer) FrameSize() int {
	return int(float64(c.cfg.SampleRate) * c.cfg.FrameDuration.Seconds())
}

// Run records until speech followed by silenceTimeout of silence, or until
// maxDuration elapses. The returned recording is empty when nothing was
// captured; callers treat that as "no audio", not an error.
func (c *Capturer) Run(ctx context.Context, maxDuration, silenceTimeout time.Duration) ([]int16, error) {
	frameSize := c.FrameSize()
	maxFrames := int(maxDuration / c.cfg.FrameDuration)
	if maxFrames <= 0 {
		maxFrames = 1
	}
	silenceThreshold := int(silenceTimeout / c.cfg.FrameDuration)
	if silenceThreshold <= 0 {
		silenceThreshold = 1
	}

	buf := NewRecordingBuffer()
	frames := make(chan Frame, maxFrames+silenceThreshold+8)
	c.source.Attach(buf, frames)
	defer c.source.Detach()

	log.Printf("[capture] listening: max=%s silence_timeout=%s frame=%s", maxDuration, silenceTimeout, c.cfg.FrameDuration)

	// The deadline covers the muted/idle case where no frames arrive at
	// all; when the device is delivering, the frame count is the clock.
	deadline := time.NewTimer(maxDuration + 4*c.cfg.FrameDuration)
	defer deadline.Stop()

	var (
		speechDetected bool
		silenceRun     int
		seen           int
	)

listen:
	for seen < maxFrames {
		select {
		case <-ctx.Done():
			return buf.Take(), ctx.Err()
		case <-deadline.C:
			break listen
		case f := <-frames:
			seen++
			if len(f) != frameSize {
				continue
			}
			if c.cfg.Detector.IsSpeech(f, c.cfg.SampleRate) {
				speechDetected = true
				silenceRun = 0
			} else {
				silenceRun++
			}
			if speechDetected && silenceRun >= silenceThreshold {
				log.Printf("[capture] silence after speech, stopping at %d frames", seen)
				break listen
			}
		}
	}

	recording := buf.Take()
	if len(recording) > 0 {
		log.Printf("[capture] recorded %.1fs of audio", float64(len(recording))/float64(c.cfg.SampleRate))
	}
	return recording, nil
}
