// Package voicemode orchestrates speaking and listening: streaming playback
// with fallback synthesis, stall recovery, and VAD-gated capture.
package voicemode

import "sync/atomic"

// StreamingState tracks whether the streaming synthesis path can be trusted.
// It starts Unknown and is settled by the first streaming attempt.
type StreamingState int32

const (
	StreamingUnknown StreamingState = iota
	StreamingAvailable
	StreamingUnavailable
)

func (s StreamingState) String() string {
	switch s {
	case StreamingAvailable:
		return "available"
	case StreamingUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Flags is the process-wide availability state shared by every speak call.
// It is injected rather than global so tests can run isolated instances.
type Flags struct {
	streaming atomic.Int32
	disabled  atomic.Bool
}

func NewFlags() *Flags { return &Flags{} }

func (f *Flags) Streaming() StreamingState {
	return StreamingState(f.streaming.Load())
}

func (f *Flags) SetStreaming(s StreamingState) {
	f.streaming.Store(int32(s))
}

// Disabled reports whether voice mode has been shut off entirely.
func (f *Flags) Disabled() bool { return f.disabled.Load() }

// Disable turns voice mode off after a total audio failure. Only Reset
// turns it back on; the failure mode it guards against does not self-heal.
func (f *Flags) Disable() { f.disabled.Store(true) }

// Reset restores the initial state. Used at startup and by operators after
// fixing the audio stack.
func (f *Flags) Reset() {
	f.streaming.Store(int32(StreamingUnknown))
	f.disabled.Store(false)
}
