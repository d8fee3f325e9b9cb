package playback

import (
	"context"
	"fmt"
	"log"

	"github.com/okanis/voicebridge/internal/audio"
	"github.com/okanis/voicebridge/internal/device"
)

// Strategy fetches one fully synthesized WAV clip for an utterance. Each
// strategy maps to one non-streaming synthesis endpoint.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, text, voice string) ([]byte, error)
}

// Player plays a fully buffered WAV clip through the output backend. It is
// the non-streaming half of the engine: no stall clock, since the clip is
// already in memory.
type Player struct {
	backend device.Backend
	pause   func() bool
	cfg     Config
}

// NewPlayer builds a clip player sharing the engine's backend and pause gate.
func NewPlayer(backend device.Backend, pause func() bool, cfg Config) *Player {
	cfg.applyDefaults()
	return &Player{backend: backend, pause: pause, cfg: cfg}
}

// PlayWAV plays one in-memory WAV clip to completion, honoring the pause
// gate between chunks.
func (p *Player) PlayWAV(ctx context.Context, clip []byte) error {
	format, err := audio.ParseHeader(clip)
	if err != nil {
		return fmt.Errorf("parse clip header: %w", err)
	}
	// A clip whose data chunk ends on a truncated frame still gets its tail
	// played, zero-padded to a whole frame like the streaming path's flush.
	data := audio.AlignFlush(clip[audio.HeaderSize:], format.FrameSize)

	sink, err := p.backend.OpenOutput(format)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer sink.Close()

	// Round the chunk size down to a frame boundary so every slice below
	// is aligned by construction.
	step := p.cfg.ChunkSize - p.cfg.ChunkSize%format.FrameSize
	if step <= 0 {
		step = format.FrameSize
	}
	for off := 0; off < len(data); off += step {
		if p.pause != nil && p.pause() {
			log.Printf("[playback] clip paused at %d/%d bytes", off, len(data))
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		if err := sink.Write(data[off:end]); err != nil {
			return fmt.Errorf("clip write: %w", err)
		}
	}

	drainSink(ctx, sink, p.cfg, p.pause)
	return nil
}

// Chain tries a sequence of synthesis strategies in order and plays the
// first clip that arrives. It is the safety net under the streaming path.
type Chain struct {
	player     *Player
	strategies []Strategy
}

// NewChain builds a fallback chain; strategies are tried in argument order.
func NewChain(player *Player, strategies ...Strategy) *Chain {
	return &Chain{player: player, strategies: strategies}
}

// Speak synthesizes and plays text through the first working strategy and
// returns that strategy's name. When every strategy fails the error wraps
// ErrTotalPlaybackFailure.
func (c *Chain) Speak(ctx context.Context, text, voice string) (string, error) {
	var lastErr error
	for _, s := range c.strategies {
		clip, err := s.Fetch(ctx, text, voice)
		if err != nil {
			log.Printf("[playback] fallback %s: fetch failed: %v", s.Name(), err)
			lastErr = err
			continue
		}
		if err := c.player.PlayWAV(ctx, clip); err != nil {
			log.Printf("[playback] fallback %s: play failed: %v", s.Name(), err)
			lastErr = err
			continue
		}
		return s.Name(), nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrTotalPlaybackFailure, lastErr)
	}
	return "", ErrTotalPlaybackFailure
}
