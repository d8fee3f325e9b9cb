package voicemode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/okanis/voicebridge/internal/audio"
	"github.com/okanis/voicebridge/internal/device"
	"github.com/okanis/voicebridge/internal/observability"
	"github.com/okanis/voicebridge/internal/playback"
	"github.com/okanis/voicebridge/internal/transcript"
)

// ErrVoiceModeDisabled reports that a confirmed total audio failure has shut
// voice mode off. Every speak/listen/converse short-circuits on it until an
// operator resets the flags.
var ErrVoiceModeDisabled = errors.New("voice mode is disabled after a total audio failure")

// TTSClient is the synthesis server surface the service needs.
type TTSClient interface {
	OpenStream(ctx context.Context, text, voice, language string) (io.ReadCloser, error)
	Voices(ctx context.Context) ([]string, error)
	Ready(ctx context.Context) bool
	StopGeneration(ctx context.Context) error
}

// STTClient is the transcription server surface the service needs.
type STTClient interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
	Health(ctx context.Context) error
}

// StreamPlayer plays one streaming WAV body.
type StreamPlayer interface {
	Play(ctx context.Context, body io.Reader) (*playback.Session, error)
}

// FallbackSpeaker synthesizes and plays text without streaming.
type FallbackSpeaker interface {
	Speak(ctx context.Context, text, voice string) (string, error)
}

// Listener records one VAD-gated capture session.
type Listener interface {
	Run(ctx context.Context, maxDuration, silenceTimeout time.Duration) ([]int16, error)
}

// MicState exposes the externally controlled microphone panel state.
type MicState interface {
	Paused() bool
}

// Options are the per-deployment speaking and listening parameters.
type Options struct {
	Voice                string
	Language             string
	SampleRate           int
	ListenMaxDuration    time.Duration
	ListenSilenceTimeout time.Duration
	RecoveryListenMax    time.Duration
	RecoverySilence      time.Duration
	ServiceProbeInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Voice == "" {
		o.Voice = "Freya.wav"
	}
	if o.Language == "" {
		o.Language = "en"
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.ListenMaxDuration <= 0 {
		o.ListenMaxDuration = 10 * time.Second
	}
	if o.ListenSilenceTimeout <= 0 {
		o.ListenSilenceTimeout = 2 * time.Second
	}
	if o.RecoveryListenMax <= 0 {
		o.RecoveryListenMax = 8 * time.Second
	}
	if o.RecoverySilence <= 0 {
		o.RecoverySilence = 3 * time.Second
	}
	if o.ServiceProbeInterval <= 0 {
		o.ServiceProbeInterval = 30 * time.Second
	}
}

// Deps are the collaborators wired in at startup.
type Deps struct {
	Flags       *Flags
	TTS         TTSClient
	STT         STTClient
	Engine      StreamPlayer
	Fallback    FallbackSpeaker
	Capture     Listener
	Mic         MicState
	Transcripts transcript.Store
	Metrics     *observability.Metrics
	Stages      *observability.StageWindow
}

// Service is the voice-mode front door: it decides per utterance whether to
// stream, fall back, or stay silent, and it owns the recovery protocol.
type Service struct {
	flags       *Flags
	tts         TTSClient
	stt         STTClient
	engine      StreamPlayer
	fallback    FallbackSpeaker
	capture     Listener
	mic         MicState
	transcripts transcript.Store
	metrics     *observability.Metrics
	stages      *observability.StageWindow
	opts        Options

	voiceMu sync.RWMutex
	voice   string

	gateMu        sync.Mutex
	gateAvailable bool
	gateCheckedAt time.Time
}

func NewService(d Deps, opts Options) *Service {
	opts.applyDefaults()
	if d.Flags == nil {
		d.Flags = NewFlags()
	}
	return &Service{
		flags:       d.Flags,
		tts:         d.TTS,
		stt:         d.STT,
		engine:      d.Engine,
		fallback:    d.Fallback,
		capture:     d.Capture,
		mic:         d.Mic,
		transcripts: d.Transcripts,
		metrics:     d.Metrics,
		stages:      d.Stages,
		opts:        opts,
		voice:       opts.Voice,
	}
}

// SpeakResult reports how an utterance was (or was not) delivered.
type SpeakResult struct {
	Spoken      bool            `json:"spoken"`
	Route       string          `json:"route"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	Recovery    *RecoveryResult `json:"recovery,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
}

// ListenResult reports one capture-and-transcribe round.
type ListenResult struct {
	Heard      bool   `json:"heard"`
	Transcript string `json:"transcript"`
	AudioMS    int64  `json:"audio_ms"`
}

// ConverseResult pairs a spoken prompt with the user's reply.
type ConverseResult struct {
	Speak  SpeakResult  `json:"speak"`
	Listen ListenResult `json:"listen"`
}

// Speak delivers text as audio, preferring the streaming path while it is
// trusted and degrading through the fallback chain otherwise.
func (s *Service) Speak(ctx context.Context, text string) (SpeakResult, error) {
	if s.flags.Disabled() {
		return SpeakResult{
			Route:       "disabled",
			Instruction: "Voice mode is disabled after a total audio failure. Respond in text only.",
		}, nil
	}

	text = sanitizeSpeechText(text)
	if text == "" {
		return SpeakResult{Route: "empty"}, nil
	}

	if s.mic != nil && s.mic.Paused() {
		// The user paused speech output; stop any in-flight synthesis so
		// the server is quiet when they unpause.
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.tts.StopGeneration(sctx)
		}()
		return SpeakResult{Route: "paused"}, nil
	}

	if !s.servicesAvailable(ctx) {
		return SpeakResult{Route: "unavailable"}, fmt.Errorf("speech services unavailable")
	}

	start := time.Now()
	res, err := s.dispatch(ctx, text)
	if err != nil {
		return res, err
	}
	if s.stages != nil {
		s.stages.Observe("speak_total", time.Since(start))
	}
	if res.Spoken {
		s.record(ctx, transcript.Utterance{Role: "assistant", Text: text, Route: res.Route})
	}
	return res, nil
}

// dispatch picks the delivery route for one sanitized utterance. When a
// stall forced the utterance onto the fallback path, the result's ExitReason
// records it so the recovery protocol can trigger.
func (s *Service) dispatch(ctx context.Context, text string) (SpeakResult, error) {
	if s.flags.Streaming() != StreamingUnavailable {
		res, ok, stalled := s.speakStreaming(ctx, text)
		if ok {
			return res, nil
		}
		if ctx.Err() != nil {
			return SpeakResult{Route: "canceled"}, ctx.Err()
		}
		res, err := s.speakFallback(ctx, text)
		if stalled {
			res.ExitReason = string(playback.ExitStalled)
		}
		return res, err
	}
	return s.speakFallback(ctx, text)
}

// speakStreaming attempts the streaming path. ok=false means the caller
// should fall back; stalled reports whether a mid-stream stall caused it.
//
// Only a stall marks the streaming path globally unavailable: it is the one
// failure that proves an established stream cannot be trusted. A path that
// fails before it has ever worked is also written off (no point retrying it
// per utterance), while a failure after a working stream is treated as
// transient and the next utterance tries streaming again.
func (s *Service) speakStreaming(ctx context.Context, text string) (SpeakResult, bool, bool) {
	firstAttempt := s.flags.Streaming() == StreamingUnknown

	body, err := s.tts.OpenStream(ctx, text, s.Voice(), s.opts.Language)
	if err != nil {
		if firstAttempt {
			log.Printf("[voicemode] streaming not available, disabling: %v", err)
			s.flags.SetStreaming(StreamingUnavailable)
		} else {
			log.Printf("[voicemode] streaming open failed (transient), falling back: %v", err)
		}
		return SpeakResult{}, false, false
	}
	defer body.Close()

	sess, err := s.engine.Play(ctx, body)
	if sess != nil {
		s.observeSession(sess)
	}
	if err != nil {
		if sess != nil && sess.ExitReason == playback.ExitCanceled {
			return SpeakResult{}, false, false
		}
		if errors.Is(err, playback.ErrStreamingStall) {
			log.Printf("[voicemode] streaming stalled, switching to fallback")
			if s.metrics != nil {
				s.metrics.StreamingStalls.Inc()
			}
			if s.stages != nil {
				s.stages.ObserveIndicator("streaming_stall")
			}
			s.flags.SetStreaming(StreamingUnavailable)
			return SpeakResult{}, false, true
		}
		if errors.Is(err, device.ErrWrite) && s.metrics != nil {
			s.metrics.DeviceWriteErrors.Inc()
		}
		if firstAttempt {
			log.Printf("[voicemode] streaming not available, disabling: %v", err)
			s.flags.SetStreaming(StreamingUnavailable)
		} else {
			log.Printf("[voicemode] streaming playback failed (transient), falling back: %v", err)
		}
		return SpeakResult{}, false, false
	}

	s.flags.SetStreaming(StreamingAvailable)
	return SpeakResult{Spoken: true, Route: "streaming", ExitReason: string(sess.ExitReason)}, true, false
}

// speakFallback delivers through the non-streaming chain; a total chain
// failure disables voice mode entirely.
func (s *Service) speakFallback(ctx context.Context, text string) (SpeakResult, error) {
	name, err := s.fallback.Speak(ctx, text, s.Voice())
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
			name = "none"
		}
		s.metrics.FallbackAttempts.WithLabelValues(name, result).Inc()
	}
	if err != nil {
		if errors.Is(err, playback.ErrTotalPlaybackFailure) {
			s.flags.Disable()
			return SpeakResult{
				Route:       "failed",
				Instruction: "All audio output failed. Voice mode is disabled; respond in text only.",
			}, err
		}
		return SpeakResult{Route: "failed"}, err
	}
	return SpeakResult{Spoken: true, Route: "fallback:" + name}, nil
}

// SpeakWithRecovery is Speak plus the stall confirmation protocol: when a
// stall forced this utterance onto the fallback path, it asks the user
// whether the fallback audio is audible and reports the outcome. Other
// streaming failures fall back silently.
func (s *Service) SpeakWithRecovery(ctx context.Context, text string) (SpeakResult, error) {
	res, err := s.Speak(ctx, text)
	if err != nil || s.flags.Disabled() {
		return res, err
	}
	if res.Spoken && res.ExitReason == string(playback.ExitStalled) {
		r := s.recover(ctx)
		res.Recovery = &r
		res.Instruction = r.Instruction
	}
	return res, err
}

// Listen records one utterance and transcribes it. An empty transcript with
// Heard=false means silence, not an error.
func (s *Service) Listen(ctx context.Context) (ListenResult, error) {
	if s.flags.Disabled() {
		return ListenResult{}, ErrVoiceModeDisabled
	}
	return s.listen(ctx, s.opts.ListenMaxDuration, s.opts.ListenSilenceTimeout)
}

func (s *Service) listen(ctx context.Context, maxDuration, silenceTimeout time.Duration) (ListenResult, error) {
	samples, err := s.capture.Run(ctx, maxDuration, silenceTimeout)
	if err != nil {
		s.countCapture("error")
		return ListenResult{}, fmt.Errorf("capture: %w", err)
	}
	if len(samples) == 0 {
		s.countCapture("silence")
		return ListenResult{}, nil
	}

	audioMS := int64(len(samples)) * 1000 / int64(s.opts.SampleRate)
	wav, err := encodeRecording(samples, s.opts.SampleRate)
	if err != nil {
		s.countCapture("error")
		return ListenResult{AudioMS: audioMS}, fmt.Errorf("encode recording: %w", err)
	}

	start := time.Now()
	text, err := s.stt.Transcribe(ctx, wav)
	if s.stages != nil {
		s.stages.Observe("transcribe", time.Since(start))
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.TranscriptionErrors.Inc()
		}
		s.countCapture("transcribe_error")
		return ListenResult{AudioMS: audioMS}, fmt.Errorf("transcribe: %w", err)
	}
	s.countCapture("ok")

	if text != "" {
		s.record(ctx, transcript.Utterance{Role: "user", Text: text})
	}
	return ListenResult{Heard: text != "", Transcript: text, AudioMS: audioMS}, nil
}

// Converse speaks a prompt and then listens for the reply.
func (s *Service) Converse(ctx context.Context, text string) (ConverseResult, error) {
	speak, err := s.SpeakWithRecovery(ctx, text)
	out := ConverseResult{Speak: speak}
	if err != nil {
		return out, err
	}
	if s.flags.Disabled() {
		return out, nil
	}
	listen, err := s.Listen(ctx)
	out.Listen = listen
	return out, err
}

// Voice returns the active synthesis voice.
func (s *Service) Voice() string {
	s.voiceMu.RLock()
	defer s.voiceMu.RUnlock()
	return s.voice
}

// SetVoice switches the active voice after validating it against the
// server's installed list.
func (s *Service) SetVoice(ctx context.Context, voice string) error {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return fmt.Errorf("empty voice")
	}
	voices, err := s.tts.Voices(ctx)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}
	for _, v := range voices {
		if v == voice {
			s.voiceMu.Lock()
			s.voice = voice
			s.voiceMu.Unlock()
			log.Printf("[voicemode] voice set to %s", voice)
			return nil
		}
	}
	return fmt.Errorf("voice %q not installed", voice)
}

// Voices lists the installed synthesis voices.
func (s *Service) Voices(ctx context.Context) ([]string, error) {
	return s.tts.Voices(ctx)
}

// Status is the externally visible health of voice mode.
type Status struct {
	Streaming         string    `json:"streaming"`
	VoiceModeDisabled bool      `json:"voice_mode_disabled"`
	Voice             string    `json:"voice"`
	ServicesAvailable bool      `json:"services_available"`
	ServicesCheckedAt time.Time `json:"services_checked_at"`
}

func (s *Service) Status(ctx context.Context) Status {
	available := s.servicesAvailable(ctx)
	s.gateMu.Lock()
	checkedAt := s.gateCheckedAt
	s.gateMu.Unlock()
	return Status{
		Streaming:         s.flags.Streaming().String(),
		VoiceModeDisabled: s.flags.Disabled(),
		Voice:             s.Voice(),
		ServicesAvailable: available,
		ServicesCheckedAt: checkedAt,
	}
}

// servicesAvailable probes synthesis and transcription health, caching the
// answer so speak/listen hot paths do not add two HTTP round trips each.
func (s *Service) servicesAvailable(ctx context.Context) bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if !s.gateCheckedAt.IsZero() && time.Since(s.gateCheckedAt) < s.opts.ServiceProbeInterval {
		return s.gateAvailable
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ttsReady := s.tts.Ready(pctx)
	sttErr := s.stt.Health(pctx)

	s.gateAvailable = ttsReady && sttErr == nil
	s.gateCheckedAt = time.Now()
	if !s.gateAvailable {
		log.Printf("[voicemode] services unavailable: tts_ready=%v stt_err=%v", ttsReady, sttErr)
	}
	return s.gateAvailable
}

func (s *Service) observeSession(sess *playback.Session) {
	if s.metrics != nil {
		s.metrics.PlaybackSessions.WithLabelValues(string(sess.ExitReason)).Inc()
		if ttfw := sess.TimeToFirstWrite(); ttfw > 0 {
			s.metrics.ObserveTimeToFirstWrite(ttfw)
		}
	}
	if s.stages != nil {
		if ttfw := sess.TimeToFirstWrite(); ttfw > 0 {
			s.stages.Observe("first_write", ttfw)
		}
		s.stages.Observe("stream_loop", time.Since(sess.StartedAt))
	}
}

func (s *Service) countCapture(outcome string) {
	if s.metrics != nil {
		s.metrics.CaptureSessions.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) record(ctx context.Context, u transcript.Utterance) {
	if s.transcripts == nil {
		return
	}
	if err := s.transcripts.Record(ctx, u); err != nil {
		log.Printf("[voicemode] transcript record failed: %v", err)
	}
}

// Transcript returns the most recent utterances, newest first.
func (s *Service) Transcript(ctx context.Context, limit int) ([]transcript.Utterance, error) {
	if s.transcripts == nil {
		return nil, nil
	}
	return s.transcripts.Recent(ctx, limit)
}

func encodeRecording(samples []int16, sampleRate int) ([]byte, error) {
	return audio.EncodeWAVSamples(samples, sampleRate)
}
