package audio

// Align splits buf into the longest prefix whose length is a whole multiple
// of frameSize and the remaining bytes. Writing a misaligned prefix produces
// audible corruption on some output backends, so callers must only ever hand
// the aligned part to a device and carry the remainder into the next chunk.
func Align(buf []byte, frameSize int) (aligned, remainder []byte) {
	if frameSize <= 0 {
		return nil, buf
	}
	usable := len(buf) - len(buf)%frameSize
	return buf[:usable], buf[usable:]
}

// AlignFlush zero-pads buf up to the next frame boundary. Used for the final
// write of a stream, where a trailing partial frame must still be emitted.
func AlignFlush(buf []byte, frameSize int) []byte {
	if frameSize <= 0 || len(buf) == 0 {
		return buf
	}
	pad := frameSize - len(buf)%frameSize
	if pad == frameSize {
		return buf
	}
	out := make([]byte, len(buf)+pad)
	copy(out, buf)
	return out
}
