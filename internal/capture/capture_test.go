package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okanis/voicebridge/internal/vad"
)

const (
	testRate     = 16000
	testFrameDur = 30 * time.Millisecond
	testFrame    = 480 // testRate * 30ms
)

type scriptedStream struct {
	ch chan []int16
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{ch: make(chan []int16, 256)}
}

func (s *scriptedStream) ReadFrame() ([]int16, error) {
	f, ok := <-s.ch
	if !ok {
		return nil, errors.New("stream closed")
	}
	return f, nil
}

func (s *scriptedStream) Close() error { return nil }

func silenceFrame() []int16 { return make([]int16, testFrame) }

func speechFrame() []int16 {
	f := make([]int16, testFrame)
	for i := range f {
		if i%2 == 0 {
			f[i] = 12000
		} else {
			f[i] = -12000
		}
	}
	return f
}

type captureHarness struct {
	stream *scriptedStream
	meter  *LevelMeter
	source *Source
	cap    *Capturer
	cancel context.CancelFunc
}

func newHarness(t *testing.T, muted func() bool) *captureHarness {
	t.Helper()
	stream := newScriptedStream()
	meter := NewLevelMeter(nil)
	source := NewSource(stream, meter, muted)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = source.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		close(stream.ch)
	})
	return &captureHarness{
		stream: stream,
		meter:  meter,
		source: source,
		cap: NewCapturer(source, Config{
			SampleRate:    testRate,
			FrameDuration: testFrameDur,
			Detector:      vad.NewEnergy(2),
		}),
		cancel: cancel,
	}
}

type captureResult struct {
	samples []int16
	err     error
}

func startCapture(h *captureHarness, maxDur, silenceTimeout time.Duration) <-chan captureResult {
	done := make(chan captureResult, 1)
	go func() {
		samples, err := h.cap.Run(context.Background(), maxDur, silenceTimeout)
		done <- captureResult{samples, err}
	}()
	// Give Run a moment to attach its buffer before frames are fed.
	time.Sleep(50 * time.Millisecond)
	return done
}

func TestCaptureAllSilenceStopsAtMaxFrames(t *testing.T) {
	h := newHarness(t, nil)
	const maxFrames = 10
	done := startCapture(h, maxFrames*testFrameDur, 2*testFrameDur)

	for i := 0; i < maxFrames; i++ {
		h.stream.ch <- silenceFrame()
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if len(res.samples) != maxFrames*testFrame {
		t.Errorf("recorded %d samples, want %d (max frames reached)", len(res.samples), maxFrames*testFrame)
	}
}

func TestCaptureStopsAfterSpeechThenSilence(t *testing.T) {
	h := newHarness(t, nil)
	const (
		speechFrames     = 5
		silenceThreshold = 3
	)
	done := startCapture(h, 100*testFrameDur, silenceThreshold*testFrameDur)

	for i := 0; i < speechFrames; i++ {
		h.stream.ch <- speechFrame()
	}
	for i := 0; i < silenceThreshold; i++ {
		h.stream.ch <- silenceFrame()
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	want := (speechFrames + silenceThreshold) * testFrame
	if len(res.samples) != want {
		t.Errorf("recorded %d samples, want %d (speech + silence run)", len(res.samples), want)
	}
}

func TestCaptureSilenceBeforeSpeechDoesNotStop(t *testing.T) {
	h := newHarness(t, nil)
	const maxFrames = 8
	done := startCapture(h, maxFrames*testFrameDur, 2*testFrameDur)

	// A long leading silence run must not end the session before any
	// speech was heard.
	for i := 0; i < maxFrames; i++ {
		h.stream.ch <- silenceFrame()
	}

	res := <-done
	if len(res.samples) != maxFrames*testFrame {
		t.Errorf("recorded %d samples, want %d", len(res.samples), maxFrames*testFrame)
	}
}

func TestMutedFramesSkipBufferButUpdateMeter(t *testing.T) {
	h := newHarness(t, func() bool { return true })
	done := startCapture(h, 3*testFrameDur, testFrameDur)

	for i := 0; i < 5; i++ {
		h.stream.ch <- speechFrame()
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if len(res.samples) != 0 {
		t.Errorf("recorded %d samples while muted, want 0", len(res.samples))
	}
	if h.meter.Level() == 0 {
		t.Error("level meter not updated by muted frames")
	}
}

func TestRecordingBufferTakeClears(t *testing.T) {
	b := NewRecordingBuffer()
	b.Append(Frame{1, 2})
	b.Append(Frame{3})
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	got := b.Take()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Take() = %v, want [1 2 3]", got)
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Take = %d, want 0", b.Len())
	}
	if len(b.Take()) != 0 {
		t.Error("second Take() should be empty")
	}
}

func TestLevelMeterVolumeScaling(t *testing.T) {
	vol := 1.0
	m := NewLevelMeter(func() float64 { return vol })
	m.Update(speechFrame())
	base := m.Level()
	if base <= 0 {
		t.Fatal("level should be positive for a loud frame")
	}
	vol = 0
	m.Update(speechFrame())
	if m.Level() != 0 {
		t.Errorf("Level() = %v with zero volume, want 0", m.Level())
	}
}
