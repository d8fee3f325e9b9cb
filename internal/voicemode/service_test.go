package voicemode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/okanis/voicebridge/internal/device"
	"github.com/okanis/voicebridge/internal/playback"
	"github.com/okanis/voicebridge/internal/transcript"
)

type fakeTTS struct {
	openErr    error
	voices     []string
	ready      bool
	probes     int
	opens      int
	stopCalled chan struct{}
}

func (f *fakeTTS) OpenStream(ctx context.Context, text, voice, language string) (io.ReadCloser, error) {
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(strings.NewReader("wav")), nil
}

func (f *fakeTTS) Voices(ctx context.Context) ([]string, error) { return f.voices, nil }

func (f *fakeTTS) Ready(ctx context.Context) bool {
	f.probes++
	return f.ready
}

func (f *fakeTTS) StopGeneration(ctx context.Context) error {
	if f.stopCalled != nil {
		close(f.stopCalled)
	}
	return nil
}

type fakeSTT struct {
	text   string
	err    error
	health error
}

func (f *fakeSTT) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f.text, f.err
}

func (f *fakeSTT) Health(ctx context.Context) error { return f.health }

type fakeEngine struct {
	sess  *playback.Session
	err   error
	plays int
}

func (f *fakeEngine) Play(ctx context.Context, body io.Reader) (*playback.Session, error) {
	f.plays++
	return f.sess, f.err
}

type fakeFallback struct {
	name   string
	err    error
	spoken []string
}

func (f *fakeFallback) Speak(ctx context.Context, text, voice string) (string, error) {
	f.spoken = append(f.spoken, text)
	if f.err != nil {
		return "", f.err
	}
	return f.name, nil
}

type fakeListener struct {
	samples []int16
	err     error
	runs    int
}

func (f *fakeListener) Run(ctx context.Context, maxDuration, silenceTimeout time.Duration) ([]int16, error) {
	f.runs++
	return f.samples, f.err
}

type fakeMic struct{ paused bool }

func (f *fakeMic) Paused() bool { return f.paused }

type harness struct {
	tts      *fakeTTS
	stt      *fakeSTT
	engine   *fakeEngine
	fallback *fakeFallback
	listener *fakeListener
	mic      *fakeMic
	store    *transcript.InMemoryStore
	svc      *Service
}

func newServiceHarness() *harness {
	h := &harness{
		tts:      &fakeTTS{ready: true, voices: []string{"Freya.wav", "Odin.wav"}},
		stt:      &fakeSTT{},
		engine:   &fakeEngine{sess: &playback.Session{ExitReason: playback.ExitExhausted}},
		fallback: &fakeFallback{name: "openai_speech"},
		listener: &fakeListener{},
		mic:      &fakeMic{},
		store:    transcript.NewInMemoryStore(100),
	}
	h.svc = NewService(Deps{
		TTS:         h.tts,
		STT:         h.stt,
		Engine:      h.engine,
		Fallback:    h.fallback,
		Capture:     h.listener,
		Mic:         h.mic,
		Transcripts: h.store,
	}, Options{
		Voice:                "Freya.wav",
		SampleRate:           16000,
		ServiceProbeInterval: time.Minute,
	})
	return h
}

func TestSpeakStreamsWhenTrusted(t *testing.T) {
	h := newServiceHarness()
	res, err := h.svc.Speak(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if !res.Spoken || res.Route != "streaming" {
		t.Errorf("result = %+v", res)
	}
	if got := h.svc.flags.Streaming(); got != StreamingAvailable {
		t.Errorf("streaming state = %v, want available", got)
	}
	recent, _ := h.store.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Role != "assistant" || recent[0].Text != "hello there" {
		t.Errorf("transcript = %+v", recent)
	}
}

func TestSpeakDisabledShortCircuits(t *testing.T) {
	h := newServiceHarness()
	h.svc.flags.Disable()
	res, err := h.svc.Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if res.Spoken || res.Route != "disabled" || res.Instruction == "" {
		t.Errorf("result = %+v", res)
	}
	if h.engine.plays != 0 || len(h.fallback.spoken) != 0 {
		t.Error("disabled speak still reached a playback path")
	}
}

func TestSpeakEmptyAfterSanitize(t *testing.T) {
	h := newServiceHarness()
	res, err := h.svc.Speak(context.Background(), "🎉 🚀")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if res.Spoken || res.Route != "empty" {
		t.Errorf("result = %+v", res)
	}
}

func TestSpeakPausedStopsGeneration(t *testing.T) {
	h := newServiceHarness()
	h.mic.paused = true
	h.tts.stopCalled = make(chan struct{})

	res, err := h.svc.Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if res.Spoken || res.Route != "paused" {
		t.Errorf("result = %+v", res)
	}
	select {
	case <-h.tts.stopCalled:
	case <-time.After(time.Second):
		t.Error("stop-generation was never called")
	}
}

func TestSpeakFallsBackOnStallAndRecovers(t *testing.T) {
	h := newServiceHarness()
	h.engine.sess = &playback.Session{ExitReason: playback.ExitStalled, ChunkCount: 3}
	h.engine.err = playback.ErrStreamingStall
	h.listener.samples = make([]int16, 16000)
	h.stt.text = "yes I can hear you now"

	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("SpeakWithRecovery() error = %v", err)
	}
	if !res.Spoken || res.Route != "fallback:openai_speech" {
		t.Errorf("result = %+v", res)
	}
	if h.svc.flags.Streaming() != StreamingUnavailable {
		t.Errorf("streaming state = %v, want unavailable", h.svc.flags.Streaming())
	}
	if res.Recovery == nil {
		t.Fatal("no recovery result")
	}
	if res.Recovery.Outcome != RecoveredStreamingDisabled {
		t.Errorf("recovery outcome = %q, want %q", res.Recovery.Outcome, RecoveredStreamingDisabled)
	}
	// The utterance plus the recovery prompt both went through fallback.
	if len(h.fallback.spoken) != 2 {
		t.Errorf("fallback utterances = %d, want 2", len(h.fallback.spoken))
	}
}

func TestOpenFailureAfterWorkingStreamIsTransient(t *testing.T) {
	h := newServiceHarness()
	if _, err := h.svc.Speak(context.Background(), "warm up"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if h.svc.flags.Streaming() != StreamingAvailable {
		t.Fatalf("streaming state = %v after success", h.svc.flags.Streaming())
	}

	h.tts.openErr = errors.New("connection reset by peer")
	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello again")
	if err != nil {
		t.Fatalf("SpeakWithRecovery() error = %v", err)
	}
	if !res.Spoken || res.Route != "fallback:openai_speech" {
		t.Errorf("result = %+v", res)
	}
	if res.Recovery != nil {
		t.Error("transient open failure triggered the recovery protocol")
	}
	if h.svc.flags.Streaming() != StreamingAvailable {
		t.Errorf("streaming state = %v, want available (transient failure)", h.svc.flags.Streaming())
	}

	// The next utterance tries streaming again.
	h.tts.openErr = nil
	res, err = h.svc.Speak(context.Background(), "back to normal")
	if err != nil || res.Route != "streaming" {
		t.Errorf("followup = %+v, %v, want streaming route", res, err)
	}
}

func TestFirstStreamOpenFailureDisablesStreamingQuietly(t *testing.T) {
	h := newServiceHarness()
	h.tts.openErr = errors.New("connection refused")

	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SpeakWithRecovery() error = %v", err)
	}
	if !res.Spoken || res.Route != "fallback:openai_speech" {
		t.Errorf("result = %+v", res)
	}
	if res.Recovery != nil {
		t.Error("never-worked streaming path triggered the recovery protocol")
	}
	if h.svc.flags.Streaming() != StreamingUnavailable {
		t.Errorf("streaming state = %v, want unavailable", h.svc.flags.Streaming())
	}

	// Later speaks go straight to fallback without reopening the stream.
	if _, err := h.svc.Speak(context.Background(), "again"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if h.tts.opens != 1 {
		t.Errorf("stream opens = %d, want 1", h.tts.opens)
	}
}

func TestDeviceWriteErrorFallsBackWithoutRecovery(t *testing.T) {
	h := newServiceHarness()
	if _, err := h.svc.Speak(context.Background(), "warm up"); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}

	h.engine.sess = &playback.Session{ExitReason: playback.ExitWriteError}
	h.engine.err = fmt.Errorf("session x: %w", device.ErrWrite)
	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SpeakWithRecovery() error = %v", err)
	}
	if !res.Spoken || res.Route != "fallback:openai_speech" {
		t.Errorf("result = %+v", res)
	}
	if res.Recovery != nil {
		t.Error("device write error triggered the recovery protocol")
	}
	if h.svc.flags.Streaming() != StreamingAvailable {
		t.Errorf("streaming state = %v, want available (write error is transient)", h.svc.flags.Streaming())
	}
}

func TestRecoveryUserCannotHear(t *testing.T) {
	h := newServiceHarness()
	h.engine.err = playback.ErrStreamingStall
	h.engine.sess = &playback.Session{ExitReason: playback.ExitStalled}
	h.listener.samples = make([]int16, 16000)
	h.stt.text = "no, I cannot hear anything"

	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SpeakWithRecovery() error = %v", err)
	}
	if res.Recovery == nil || res.Recovery.Outcome != UserCannotHear {
		t.Fatalf("recovery = %+v, want user_cannot_hear", res.Recovery)
	}
	if res.Instruction == "" {
		t.Error("no instruction attached")
	}
}

func TestRecoveryUnclearOnSilence(t *testing.T) {
	h := newServiceHarness()
	h.engine.err = playback.ErrStreamingStall
	h.engine.sess = &playback.Session{ExitReason: playback.ExitStalled}
	h.listener.samples = nil // user said nothing

	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SpeakWithRecovery() error = %v", err)
	}
	if res.Recovery == nil || res.Recovery.Outcome != RecoveredUnclear {
		t.Fatalf("recovery = %+v, want recovered_unclear", res.Recovery)
	}
}

func TestTotalFailureDisablesVoiceMode(t *testing.T) {
	h := newServiceHarness()
	h.engine.err = playback.ErrStreamingStall
	h.engine.sess = &playback.Session{ExitReason: playback.ExitStalled}
	h.fallback.err = fmt.Errorf("%w: refused", playback.ErrTotalPlaybackFailure)

	res, err := h.svc.SpeakWithRecovery(context.Background(), "hello")
	if !errors.Is(err, playback.ErrTotalPlaybackFailure) {
		t.Fatalf("error = %v, want ErrTotalPlaybackFailure", err)
	}
	if !h.svc.flags.Disabled() {
		t.Error("voice mode not disabled after total failure")
	}
	if res.Instruction == "" {
		t.Error("no instruction attached")
	}

	// Subsequent speaks short-circuit.
	res2, err := h.svc.Speak(context.Background(), "still there?")
	if err != nil || res2.Route != "disabled" {
		t.Errorf("followup speak = %+v, %v", res2, err)
	}
}

func TestListenTranscribesAndRecords(t *testing.T) {
	h := newServiceHarness()
	h.listener.samples = make([]int16, 32000) // 2s at 16kHz
	h.stt.text = "turn on the lights"

	res, err := h.svc.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if !res.Heard || res.Transcript != "turn on the lights" {
		t.Errorf("result = %+v", res)
	}
	if res.AudioMS != 2000 {
		t.Errorf("AudioMS = %d, want 2000", res.AudioMS)
	}
	recent, _ := h.store.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Role != "user" {
		t.Errorf("transcript = %+v", recent)
	}
}

func TestListenDisabledShortCircuits(t *testing.T) {
	h := newServiceHarness()
	h.svc.flags.Disable()
	h.listener.samples = make([]int16, 16000)
	h.stt.text = "still heard"

	res, err := h.svc.Listen(context.Background())
	if !errors.Is(err, ErrVoiceModeDisabled) {
		t.Fatalf("Listen() error = %v, want ErrVoiceModeDisabled", err)
	}
	if res.Heard || res.Transcript != "" {
		t.Errorf("result = %+v, want zero value", res)
	}
	if h.listener.runs != 0 {
		t.Errorf("capture ran %d times while disabled, want 0", h.listener.runs)
	}
}

func TestListenSilenceIsNotAnError(t *testing.T) {
	h := newServiceHarness()
	h.listener.samples = nil

	res, err := h.svc.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if res.Heard || res.Transcript != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestSetVoiceValidatesAgainstServer(t *testing.T) {
	h := newServiceHarness()
	if err := h.svc.SetVoice(context.Background(), "Odin.wav"); err != nil {
		t.Fatalf("SetVoice() error = %v", err)
	}
	if h.svc.Voice() != "Odin.wav" {
		t.Errorf("voice = %q", h.svc.Voice())
	}
	if err := h.svc.SetVoice(context.Background(), "Loki.wav"); err == nil {
		t.Error("SetVoice accepted an uninstalled voice")
	}
}

func TestServicesGateCachesProbe(t *testing.T) {
	h := newServiceHarness()
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Speak(context.Background(), "hi"); err != nil {
			t.Fatalf("Speak() error = %v", err)
		}
	}
	if h.tts.probes != 1 {
		t.Errorf("readiness probes = %d, want 1 (cached)", h.tts.probes)
	}
}

func TestSpeakUnavailableServices(t *testing.T) {
	h := newServiceHarness()
	h.tts.ready = false
	res, err := h.svc.Speak(context.Background(), "hi")
	if err == nil {
		t.Fatal("Speak() succeeded with services down")
	}
	if res.Route != "unavailable" {
		t.Errorf("route = %q", res.Route)
	}
}

func TestClassifyConfirmation(t *testing.T) {
	cases := []struct {
		answer string
		want   confirmation
	}{
		{"yes", confirmYes},
		{"Yeah, loud and clear!", confirmYes},
		{"I hear you now", confirmYes},
		{"it's working", confirmYes},
		{"no", confirmNo},
		{"I cannot hear anything", confirmNo},
		{"nope, nothing", confirmNo},
		{"I can't hear you", confirmNo},
		{"what was that", confirmUnclear},
		{"", confirmUnclear},
		// Whole-word matching: "now" must not trip the "no" word.
		{"right now things seem fine", confirmUnclear},
	}
	for _, tc := range cases {
		if got := classifyConfirmation(tc.answer); got != tc.want {
			t.Errorf("classifyConfirmation(%q) = %v, want %v", tc.answer, got, tc.want)
		}
	}
}

func TestSanitizeSpeechText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello **world**", "hello world"},
		{"see https://example.com/docs for details", "see for details"},
		{"run `go test` now", "run now"},
		{"[the docs](https://example.com)", "the docs"},
		{"done! 🎉🎉", "done!"},
		{"```go\nfunc main() {}\n```", "code block omitted"},
		{"first paragraph\n\nsecond paragraph", "first paragraph. second paragraph"},
		{"# Heading\nbody text", "Heading. body text"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := sanitizeSpeechText(tc.in); got != tc.want {
			t.Errorf("sanitizeSpeechText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeSpeechTextCapsLength(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 600))
	got := sanitizeSpeechText(long)
	if len(got) > maxSpeakLength {
		t.Fatalf("len = %d, want <= %d", len(got), maxSpeakLength)
	}
	if !strings.HasSuffix(got, "word") {
		t.Errorf("cut mid-word: %q", got[len(got)-12:])
	}
}
