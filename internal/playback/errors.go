package playback

import "errors"

// ErrStreamingStall reports that a streaming playback session received no
// data for the stall threshold after audio had already started. The caller
// is expected to stop trusting the streaming path and fall back.
var ErrStreamingStall = errors.New("streaming playback stalled")

// ErrTotalPlaybackFailure reports that every playback strategy, streaming
// and non-streaming alike, failed to get audio to the speakers.
var ErrTotalPlaybackFailure = errors.New("all playback strategies failed")
