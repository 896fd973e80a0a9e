package voice

import (
	"encoding/binary"
	"time"
)

const (
	// FrameDuration is the fixed playback frame length.
	FrameDuration   = 20 * time.Millisecond
	frameDurationMs = 20
	bytesPerSample  = 2
	monoChannels    = 1
)

// Frame is one 20ms block of mono signed 16-bit PCM.
type Frame struct {
	Samples           []int16
	SampleRate        int
	Channels          int
	SamplesPerChannel int
}

// FrameSizeBytes returns the byte length of one frame at sampleRate,
// e.g. 1280 bytes at 32kHz.
func FrameSizeBytes(sampleRate int) int {
	return sampleRate * frameDurationMs / 1000 * bytesPerSample
}

// Bytes encodes the frame back to little-endian PCM.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*bytesPerSample)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration of the audio in the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// frameBuffer re-chunks arbitrary network reads into whole frames. The
// frame size is fixed for the buffer's lifetime.
type frameBuffer struct {
	sampleRate int
	frameSize  int
	backlog    []byte
}

func newFrameBuffer(sampleRate int) *frameBuffer {
	return &frameBuffer{sampleRate: sampleRate, frameSize: FrameSizeBytes(sampleRate)}
}

func (b *frameBuffer) push(p []byte) {
	b.backlog = append(b.backlog, p...)
}

// pop slices one frame off the front of the backlog if a whole one is there.
func (b *frameBuffer) pop() (Frame, bool) {
	if b.frameSize <= 0 || len(b.backlog) < b.frameSize {
		return Frame{}, false
	}
	chunk := b.backlog[:b.frameSize]
	samples := make([]int16, b.frameSize/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	b.backlog = b.backlog[b.frameSize:]
	if len(b.backlog) == 0 {
		b.backlog = nil
	}
	return Frame{
		Samples:           samples,
		SampleRate:        b.sampleRate,
		Channels:          monoChannels,
		SamplesPerChannel: len(samples),
	}, true
}

// reset drops any partial frame and reports how many bytes were lost.
func (b *frameBuffer) reset() int {
	n := len(b.backlog)
	b.backlog = nil
	return n
}
