// Package playback streams WAV audio to the output device, detects stalled
// sources, and falls back to buffered clip playback when streaming cannot
// be trusted.
package playback

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/okanis/voicebridge/internal/audio"
	"github.com/okanis/voicebridge/internal/device"
)

// Config holds the playback timing knobs. Zero values get production
// defaults; tests shrink them to keep runs fast.
type Config struct {
	// ChunkSize is the read granularity on the source stream.
	ChunkSize int
	// StallThreshold is the longest gap between chunks tolerated once
	// audio has started.
	StallThreshold time.Duration
	// DrainMargin is added on top of the device latency when waiting for
	// buffered audio to finish.
	DrainMargin time.Duration
	// DrainPoll is the sleep granularity of the drain wait.
	DrainPoll time.Duration
	// FallbackLatency is assumed when the device cannot report its own.
	FallbackLatency time.Duration
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 10 * time.Second
	}
	if c.DrainMargin <= 0 {
		c.DrainMargin = 500 * time.Millisecond
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = 50 * time.Millisecond
	}
	if c.FallbackLatency <= 0 {
		c.FallbackLatency = 200 * time.Millisecond
	}
}

// Engine plays one streaming WAV source at a time on the output backend.
//
// The pause gate is polled between chunks, never mid-write: a raised gate
// ends the session cleanly with ExitPaused. Stall detection arms only after
// the first device write, so a slow time-to-first-byte is not a stall.
type Engine struct {
	backend device.Backend
	pause   func() bool
	cfg     Config
}

// NewEngine builds a streaming engine. pause may be nil when no external
// pause gate exists.
func NewEngine(backend device.Backend, pause func() bool, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{backend: backend, pause: pause, cfg: cfg}
}

type readResult struct {
	data []byte
	err  error
}

// Play negotiates the stream format from the leading WAV header and plays
// the body until EOF, pause, stall, or device failure. The returned Session
// is non-nil whenever the header parsed, regardless of how playback ended.
func (e *Engine) Play(ctx context.Context, body io.Reader) (*Session, error) {
	format, err := audio.ReadHeader(body)
	if err != nil {
		return nil, fmt.Errorf("negotiate stream format: %w", err)
	}

	sess := &Session{ID: uuid.New(), Format: format, StartedAt: time.Now()}
	log.Printf("[playback] session %s: %d Hz, %d ch, %d-bit, frame=%dB",
		sess.ID, format.SampleRate, format.Channels, format.BitsPerSample, format.FrameSize)

	sink, err := e.backend.OpenOutput(format)
	if err != nil {
		sess.ExitReason = ExitWriteError
		return sess, fmt.Errorf("open output: %w", err)
	}
	defer sink.Close()

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	chunks := make(chan readResult)
	go readChunks(readCtx, body, e.cfg.ChunkSize, chunks)

	playErr := e.streamLoop(ctx, sess, sink, chunks)
	if sess.ExitReason != ExitWriteError {
		drainSink(ctx, sink, e.cfg, e.pause)
	}
	return sess, playErr
}

func (e *Engine) streamLoop(ctx context.Context, sess *Session, sink device.OutputStream, chunks <-chan readResult) error {
	var remainder []byte
	for {
		if e.paused() {
			sess.ExitReason = ExitPaused
			log.Printf("[playback] session %s paused after %d bytes", sess.ID, sess.BytesWritten)
			return nil
		}

		var res readResult
		if sess.ChunkCount > 0 {
			stall := time.NewTimer(e.cfg.StallThreshold)
			select {
			case <-ctx.Done():
				stall.Stop()
				sess.ExitReason = ExitCanceled
				return ctx.Err()
			case <-stall.C:
				sess.ExitReason = ExitStalled
				log.Printf("[playback] session %s stalled after %d bytes (%d chunks)",
					sess.ID, sess.BytesWritten, sess.ChunkCount)
				return ErrStreamingStall
			case res = <-chunks:
				stall.Stop()
			}
		} else {
			// Before the first write there is no stall clock; the source
			// gets as long as the caller's context allows.
			select {
			case <-ctx.Done():
				sess.ExitReason = ExitCanceled
				return ctx.Err()
			case res = <-chunks:
			}
		}

		if len(res.data) > 0 {
			buf := append(remainder, res.data...)
			aligned, rest := audio.Align(buf, sess.Format.FrameSize)
			remainder = rest
			if len(aligned) > 0 {
				if err := sink.Write(aligned); err != nil {
					sess.ExitReason = ExitWriteError
					return fmt.Errorf("session %s: %w", sess.ID, err)
				}
				if sess.ChunkCount == 0 {
					sess.FirstWriteAt = time.Now()
				}
				sess.ChunkCount++
				sess.BytesWritten += int64(len(aligned))
			}
		}

		if res.err != nil {
			if res.err != io.EOF {
				sess.ExitReason = ExitStalled
				return fmt.Errorf("read stream: %w", res.err)
			}
			sess.ExitReason = ExitExhausted
			if len(remainder) > 0 {
				// A truncated trailing frame is zero-padded rather than
				// dropped so the tail of the utterance is not clipped.
				padded := audio.AlignFlush(remainder, sess.Format.FrameSize)
				if err := sink.Write(padded); err != nil {
					sess.ExitReason = ExitWriteError
					return fmt.Errorf("session %s: %w", sess.ID, err)
				}
				sess.BytesWritten += int64(len(padded))
			}
			log.Printf("[playback] session %s done: %d bytes in %d chunks (%s)",
				sess.ID, sess.BytesWritten, sess.ChunkCount, sess.PlayedDuration().Round(time.Millisecond))
			return nil
		}
	}
}

func (e *Engine) paused() bool {
	return e.pause != nil && e.pause()
}

// readChunks pumps fixed-size reads from r until EOF or ctx cancellation.
// The channel is unbuffered so delivery time on the consumer side is the
// stall clock.
func readChunks(ctx context.Context, r io.Reader, size int, out chan<- readResult) {
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		res := readResult{err: err}
		if n > 0 {
			res.data = buf[:n]
		}
		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// drainSink waits for the device to play out its buffered audio. Write
// blocks until the device consumes the bytes, so at most one latency period
// plus margin can still be in flight. The pause gate is checked every tick;
// a raised gate cuts the wait short.
func drainSink(ctx context.Context, sink device.OutputStream, cfg Config, pause func() bool) {
	lat, err := sink.Latency()
	if err != nil || lat <= 0 {
		lat = cfg.FallbackLatency
	}
	deadline := time.Now().Add(lat + cfg.DrainMargin)
	ticker := time.NewTicker(cfg.DrainPoll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if pause != nil && pause() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
