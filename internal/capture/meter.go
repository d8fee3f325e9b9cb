package capture

import (
	"math"
	"sync/atomic"

	"github.com/okanis/voicebridge/internal/audio"
)

// meterScale maps normalized RMS onto the 0..100 display range used by the
// mic panel's level bar.
const meterScale = 500

// LevelMeter computes a display level from every inbound frame, muted or
// not. Reading the level is lock-free so UI pollers never contend with the
// device loop.
type LevelMeter struct {
	bits   atomic.Uint64
	volume func() float64
}

// NewLevelMeter builds a meter; volume scales the displayed level only and
// may be nil for unity gain.
func NewLevelMeter(volume func() float64) *LevelMeter {
	return &LevelMeter{volume: volume}
}

func (m *LevelMeter) Update(frame []int16) {
	vol := 1.0
	if m.volume != nil {
		vol = m.volume()
	}
	level := audio.RMS(frame) * vol * meterScale
	if level > 100 {
		level = 100
	}
	m.bits.Store(math.Float64bits(level))
}

// Level returns the most recent display level in the 0..100 range.
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}
