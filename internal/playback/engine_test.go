package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okanis/voicebridge/internal/audio"
	"github.com/okanis/voicebridge/internal/device"
)

func testConfig() Config {
	return Config{
		ChunkSize:       8,
		StallThreshold:  150 * time.Millisecond,
		DrainMargin:     10 * time.Millisecond,
		DrainPoll:       2 * time.Millisecond,
		FallbackLatency: 5 * time.Millisecond,
	}
}

type fakeSink struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	latency  time.Duration
	closed   bool
}

func (s *fakeSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *fakeSink) Latency() (time.Duration, error) { return s.latency, nil }

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) totalBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		n += len(w)
	}
	return n
}

func (s *fakeSink) assertAligned(t *testing.T, frameSize int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.writes {
		if len(w)%frameSize != 0 {
			t.Errorf("write %d: %d bytes, not a multiple of frame size %d", i, len(w), frameSize)
		}
	}
}

type fakeBackend struct {
	sink    *fakeSink
	openErr error
	format  audio.Format
}

func (b *fakeBackend) Initialize() error { return nil }
func (b *fakeBackend) Terminate() error  { return nil }

func (b *fakeBackend) OpenOutput(f audio.Format) (device.OutputStream, error) {
	b.format = f
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.sink, nil
}

func (b *fakeBackend) OpenInput(sampleRate, channels, frameSize int) (device.InputStream, error) {
	return nil, errors.New("no input in tests")
}

func mustWAV(t *testing.T, pcmBytes int) []byte {
	t.Helper()
	pcm := make([]byte, pcmBytes)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE: %v", err)
	}
	return wav
}

// scriptedReader serves pre-cut reads and then blocks until the channel is
// closed. Each part must fit the caller's read buffer.
type scriptedReader struct {
	parts [][]byte
	idx   int
	block chan struct{}
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if r.idx < len(r.parts) {
		n := copy(p, r.parts[r.idx])
		r.idx++
		return n, nil
	}
	<-r.block
	return 0, io.EOF
}

func TestPlayExhaustsAlignedStream(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{sink: sink}
	e := NewEngine(backend, nil, testConfig())

	const pcmBytes = 100
	sess, err := e.Play(context.Background(), bytes.NewReader(mustWAV(t, pcmBytes)))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if sess.ExitReason != ExitExhausted {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitExhausted)
	}
	if sess.BytesWritten != pcmBytes {
		t.Errorf("BytesWritten = %d, want %d", sess.BytesWritten, pcmBytes)
	}
	if got := sink.totalBytes(); got != pcmBytes {
		t.Errorf("device received %d bytes, want %d", got, pcmBytes)
	}
	if sess.Format.SampleRate != 16000 || sess.Format.Channels != 1 || sess.Format.FrameSize != 2 {
		t.Errorf("negotiated format = %+v", sess.Format)
	}
	if sess.FirstWriteAt.IsZero() {
		t.Error("FirstWriteAt not recorded")
	}
	if !sink.closed {
		t.Error("output stream not closed")
	}
	sink.assertAligned(t, 2)
}

func TestPlayCarriesRemainderAcrossOddChunks(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{sink: sink}
	cfg := testConfig()
	cfg.ChunkSize = 7 // forces a split mid-frame on every read
	e := NewEngine(backend, nil, cfg)

	const pcmBytes = 20
	sess, err := e.Play(context.Background(), bytes.NewReader(mustWAV(t, pcmBytes)))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if sess.BytesWritten != pcmBytes {
		t.Errorf("BytesWritten = %d, want %d", sess.BytesWritten, pcmBytes)
	}
	sink.assertAligned(t, 2)
}

func TestPlayPadsTruncatedFinalFrame(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{sink: sink}
	e := NewEngine(backend, nil, testConfig())

	wav := mustWAV(t, 16)
	wav = append(wav, 0x7f) // half a frame hanging off the end
	sess, err := e.Play(context.Background(), bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if sess.ExitReason != ExitExhausted {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitExhausted)
	}
	if sess.BytesWritten != 18 {
		t.Errorf("BytesWritten = %d, want 18 (truncated frame zero-padded)", sess.BytesWritten)
	}
	sink.assertAligned(t, 2)
}

func TestPlayStallAfterFirstChunk(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{sink: sink}
	e := NewEngine(backend, nil, testConfig())

	wav := mustWAV(t, 16)
	r := &scriptedReader{
		parts: [][]byte{wav[:audio.HeaderSize], wav[audio.HeaderSize : audio.HeaderSize+8]},
		block: make(chan struct{}),
	}
	t.Cleanup(func() { close(r.block) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := e.Play(ctx, r)
	if !errors.Is(err, ErrStreamingStall) {
		t.Fatalf("Play() error = %v, want ErrStreamingStall", err)
	}
	if sess.ExitReason != ExitStalled {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitStalled)
	}
	if sess.BytesWritten != 8 {
		t.Errorf("BytesWritten = %d, want 8", sess.BytesWritten)
	}
	if !sink.closed {
		t.Error("output stream not closed after stall")
	}
}

func TestPlayNoStallBeforeFirstChunk(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{sink: sink}
	cfg := testConfig()
	cfg.StallThreshold = 50 * time.Millisecond
	e := NewEngine(backend, nil, cfg)

	wav := mustWAV(t, 16)
	r := &scriptedReader{
		parts: [][]byte{wav[:audio.HeaderSize]},
		block: make(chan struct{}),
	}
	t.Cleanup(func() { close(r.block) })

	// A slow time-to-first-byte is not a stall; only the caller's context
	// bounds the wait for the opening chunk.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sess, err := e.Play(ctx, r)
	if errors.Is(err, ErrStreamingStall) {
		t.Fatal("stall reported before any audio was written")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Play() error = %v, want context.DeadlineExceeded", err)
	}
	if sess.ExitReason != ExitCanceled {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitCanceled)
	}
	if sess.BytesWritten != 0 {
		t.Errorf("BytesWritten = %d, want 0", sess.BytesWritten)
	}
}

func TestPlayPauseStopsBetweenChunks(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{sink: sink}
	var polls int32
	pause := func() bool { return atomic.AddInt32(&polls, 1) > 1 }
	e := NewEngine(backend, pause, testConfig())

	sess, err := e.Play(context.Background(), bytes.NewReader(mustWAV(t, 64)))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if sess.ExitReason != ExitPaused {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitPaused)
	}
	if sess.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1 (paused after first chunk)", sess.ChunkCount)
	}
	if !sink.closed {
		t.Error("output stream not closed after pause")
	}
}

func TestPlayPausedSkipsDrainWait(t *testing.T) {
	sink := &fakeSink{latency: 300 * time.Millisecond}
	backend := &fakeBackend{sink: sink}
	cfg := testConfig()
	cfg.DrainMargin = 300 * time.Millisecond
	e := NewEngine(backend, func() bool { return true }, cfg)

	start := time.Now()
	sess, err := e.Play(context.Background(), bytes.NewReader(mustWAV(t, 32)))
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if sess.ExitReason != ExitPaused {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitPaused)
	}
	// The drain wait polls the pause gate each tick; a raised gate must not
	// sit out the full latency+margin window.
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("paused session blocked %s in drain, want early exit", elapsed)
	}
}

func TestPlayDeviceWriteError(t *testing.T) {
	sink := &fakeSink{writeErr: fmt.Errorf("%w: underflow", device.ErrWrite)}
	backend := &fakeBackend{sink: sink}
	e := NewEngine(backend, nil, testConfig())

	sess, err := e.Play(context.Background(), bytes.NewReader(mustWAV(t, 32)))
	if !errors.Is(err, device.ErrWrite) {
		t.Fatalf("Play() error = %v, want device.ErrWrite", err)
	}
	if sess.ExitReason != ExitWriteError {
		t.Errorf("ExitReason = %q, want %q", sess.ExitReason, ExitWriteError)
	}
}

func TestPlayRejectsMalformedHeader(t *testing.T) {
	backend := &fakeBackend{sink: &fakeSink{}}
	e := NewEngine(backend, nil, testConfig())

	junk := bytes.Repeat([]byte{0xab}, audio.HeaderSize)
	sess, err := e.Play(context.Background(), bytes.NewReader(junk))
	if !errors.Is(err, audio.ErrMalformedHeader) {
		t.Fatalf("Play() error = %v, want ErrMalformedHeader", err)
	}
	if sess != nil {
		t.Errorf("session = %+v, want nil when negotiation fails", sess)
	}
}
