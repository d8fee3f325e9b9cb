package playback

import (
	"time"

	"github.com/google/uuid"

	"github.com/okanis/voicebridge/internal/audio"
)

// ExitReason records how a streaming session ended.
type ExitReason string

const (
	// ExitExhausted means the source delivered EOF and every byte was played.
	ExitExhausted ExitReason = "exhausted"
	// ExitPaused means the pause gate went up between chunks.
	ExitPaused ExitReason = "paused"
	// ExitStalled means the source went silent mid-stream.
	ExitStalled ExitReason = "stalled"
	// ExitWriteError means the output device rejected a write.
	ExitWriteError ExitReason = "write_error"
	// ExitCanceled means the caller's context ended the session.
	ExitCanceled ExitReason = "canceled"
)

// Session is the record of one streaming playback run.
type Session struct {
	ID           uuid.UUID
	Format       audio.Format
	BytesWritten int64
	ChunkCount   int
	ExitReason   ExitReason
	StartedAt    time.Time
	FirstWriteAt time.Time
}

// TimeToFirstWrite reports the latency between format negotiation and the
// first device write, or zero if no audio was ever written.
func (s *Session) TimeToFirstWrite() time.Duration {
	if s.FirstWriteAt.IsZero() {
		return 0
	}
	return s.FirstWriteAt.Sub(s.StartedAt)
}

// PlayedDuration estimates how much audio reached the device.
func (s *Session) PlayedDuration() time.Duration {
	bps := s.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(float64(s.BytesWritten) / float64(bps) * float64(time.Second))
}
