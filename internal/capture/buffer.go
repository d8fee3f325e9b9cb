package capture

import "sync"

// Frame is one fixed-duration block of int16 samples from the input device.
type Frame []int16

// RecordingBuffer accumulates frames for one capture session. The device
// read loop appends (many ticks) while a single consumer takes the finished
// recording, so both paths go through the mutex.
type RecordingBuffer struct {
	mu      sync.Mutex
	frames  []Frame
	samples int
}

func NewRecordingBuffer() *RecordingBuffer {
	return &RecordingBuffer{}
}

func (b *RecordingBuffer) Append(f Frame) {
	if len(f) == 0 {
		return
	}
	b.mu.Lock()
	b.frames = append(b.frames, f)
	b.samples += len(f)
	b.mu.Unlock()
}

// Len returns the number of buffered samples.
func (b *RecordingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples
}

// Take concatenates all buffered frames into one recording and clears the
// buffer in the same critical section.
func (b *RecordingBuffer) Take() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int16, 0, b.samples)
	for _, f := range b.frames {
		out = append(out, f...)
	}
	b.frames = nil
	b.samples = 0
	return out
}
