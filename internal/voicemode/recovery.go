package voicemode

import (
	"context"
	"log"
	"strings"
	"time"
)

// RecoveryOutcome classifies what the stall recovery protocol concluded.
type RecoveryOutcome string

const (
	// RecoveredStreamingDisabled: the user confirmed they can hear the
	// fallback path; streaming stays off.
	RecoveredStreamingDisabled RecoveryOutcome = "recovered_streaming_disabled"
	// UserCannotHear: the user answered that no audio is coming through.
	UserCannotHear RecoveryOutcome = "user_cannot_hear"
	// RecoveredUnclear: no usable confirmation either way.
	RecoveredUnclear RecoveryOutcome = "recovered_unclear"
	// TotalAudioFailure: even the fallback path could not speak.
	TotalAudioFailure RecoveryOutcome = "total_audio_failure"
)

// RecoveryResult carries the outcome plus a machine-readable instruction for
// whatever is driving the bridge.
type RecoveryResult struct {
	Outcome     RecoveryOutcome `json:"outcome"`
	Transcript  string          `json:"transcript,omitempty"`
	Instruction string          `json:"instruction"`
}

const recoveryPrompt = "I'm having trouble with streaming audio, so I switched to a backup method. Can you hear me now?"

var recoveryYesWords = wordSet("yes", "yeah", "yep", "yup", "hear", "ok", "okay", "can", "working")
var recoveryNoWords = wordSet("no", "nope", "can't", "cannot", "nothing", "don't")

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// recover runs the confirmation protocol after streaming has failed: speak a
// notification through the fallback chain, then listen for and classify the
// user's answer.
func (s *Service) recover(ctx context.Context) RecoveryResult {
	if _, err := s.fallback.Speak(ctx, recoveryPrompt, s.Voice()); err != nil {
		log.Printf("[voicemode] recovery prompt failed, disabling voice mode: %v", err)
		s.flags.Disable()
		return s.finishRecovery(RecoveryResult{
			Outcome:     TotalAudioFailure,
			Instruction: "All audio output failed. Voice mode is disabled; respond in text only.",
		})
	}

	answer := s.captureAnswer(ctx)
	if answer == "" {
		return s.finishRecovery(RecoveryResult{
			Outcome:     RecoveredUnclear,
			Instruction: "Could not confirm audio recovery. Keep responses short and include the text of anything spoken.",
		})
	}

	switch classifyConfirmation(answer) {
	case confirmYes:
		return s.finishRecovery(RecoveryResult{
			Outcome:     RecoveredStreamingDisabled,
			Transcript:  answer,
			Instruction: "Audio works through non-streaming synthesis. Continue in voice mode; expect higher latency.",
		})
	case confirmNo:
		return s.finishRecovery(RecoveryResult{
			Outcome:     UserCannotHear,
			Transcript:  answer,
			Instruction: "The user cannot hear audio. Respond in text and keep all content visible.",
		})
	default:
		return s.finishRecovery(RecoveryResult{
			Outcome:     RecoveredUnclear,
			Transcript:  answer,
			Instruction: "Could not confirm audio recovery. Keep responses short and include the text of anything spoken.",
		})
	}
}

func (s *Service) finishRecovery(r RecoveryResult) RecoveryResult {
	log.Printf("[voicemode] recovery outcome: %s", r.Outcome)
	if s.metrics != nil {
		s.metrics.RecoveryOutcomes.WithLabelValues(string(r.Outcome)).Inc()
	}
	return r
}

// captureAnswer records and transcribes the user's reply with the short
// recovery listening windows. Any failure degrades to "no answer".
func (s *Service) captureAnswer(ctx context.Context) string {
	samples, err := s.capture.Run(ctx, s.opts.RecoveryListenMax, s.opts.RecoverySilence)
	if err != nil || len(samples) == 0 {
		return ""
	}
	wav, err := encodeRecording(samples, s.opts.SampleRate)
	if err != nil {
		return ""
	}
	tctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	text, err := s.stt.Transcribe(tctx, wav)
	if err != nil {
		log.Printf("[voicemode] recovery transcription failed: %v", err)
		return ""
	}
	return text
}

type confirmation int

const (
	confirmUnclear confirmation = iota
	confirmYes
	confirmNo
)

// classifyConfirmation does whole-word matching so "cannot" never matches
// "can" and "now" never matches "no". Negative words win because a mixed
// answer most often means the audio is not working.
func classifyConfirmation(answer string) confirmation {
	answer = strings.ToLower(answer)
	fields := strings.FieldsFunc(answer, func(r rune) bool {
		return !(r == '\'' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'))
	})

	yes, no := false, false
	for _, w := range fields {
		w = strings.Trim(w, "'")
		if recoveryNoWords[w] {
			no = true
		}
		if recoveryYesWords[w] {
			yes = true
		}
	}
	switch {
	case no:
		return confirmNo
	case yes:
		return confirmYes
	default:
		return confirmUnclear
	}
}
