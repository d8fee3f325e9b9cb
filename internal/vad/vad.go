// Package vad classifies short audio frames as speech or silence.
package vad

// Detector decides whether one analysis frame contains speech. Detectors
// are stateless per frame; run-length smoothing is the caller's job.
type Detector interface {
	IsSpeech(frame []int16, sampleRate int) bool
}

// energyThresholds maps aggressiveness 0..3 to a normalized RMS level.
// Higher aggressiveness rejects more borderline frames as silence.
var energyThresholds = [...]float64{0.008, 0.012, 0.018, 0.028}

// Energy is an RMS-energy detector. It stands in for a model-based VAD
// with the same frame contract: 10/20/30ms of PCM16 at the capture rate.
type Energy struct {
	threshold float64
}

// NewEnergy returns an energy detector with the given aggressiveness (0-3,
// clamped). Aggressiveness 2 works well for 16kHz mono close-mic input.
func NewEnergy(aggressiveness int) *Energy {
	if aggressiveness < 0 {
		aggressiveness = 0
	}
	if aggressiveness >= len(energyThresholds) {
		aggressiveness = len(energyThresholds) - 1
	}
	return &Energy{threshold: energyThresholds[aggressiveness]}
}

func (e *Energy) IsSpeech(frame []int16, _ int) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	mean := sum / float64(len(frame))
	// Compare against threshold^2 to skip the sqrt in the per-tick path.
	return mean > e.threshold*e.threshold
}
