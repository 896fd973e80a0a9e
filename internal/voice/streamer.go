package voice

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/metrics"
)

const defaultReadSize = 4096

// Streamer turns text segments into 20ms PCM frames, one segment at a time.
type Streamer struct {
	synth      Synthesizer
	sampleRate int
	readSize   int
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithReadSize sets the size of each body read.
func WithReadSize(n int) StreamerOption {
	return func(s *Streamer) {
		if n > 0 {
			s.readSize = n
		}
	}
}

// NewStreamer returns a streamer producing frames at sampleRate. A zero rate
// means 32kHz.
func NewStreamer(synth Synthesizer, sampleRate int, opts ...StreamerOption) *Streamer {
	if sampleRate <= 0 {
		sampleRate = 32000
	}
	s := &Streamer{synth: synth, sampleRate: sampleRate, readSize: defaultReadSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SampleRate is the rate every emitted frame carries.
func (s *Streamer) SampleRate() int { return s.sampleRate }

// SynthesizeSegment streams the frames of a single text.
func (s *Streamer) SynthesizeSegment(ctx context.Context, text string) *FrameStream {
	return s.SynthesizeStream(ctx, Segments(text))
}

// SynthesizeStream streams the frames of every segment received on
// segments, in order, until the channel is closed. Requests are issued
// lazily from Next, never more than one at a time.
func (s *Streamer) SynthesizeStream(ctx context.Context, segments <-chan string) *FrameStream {
	return &FrameStream{
		ctx:      ctx,
		streamer: s,
		segments: segments,
		buf:      newFrameBuffer(s.sampleRate),
		readBuf:  make([]byte, s.readSize),
	}
}

// Segments returns a closed channel holding texts.
func Segments(texts ...string) <-chan string {
	ch := make(chan string, len(texts))
	for _, t := range texts {
		ch <- t
	}
	close(ch)
	return ch
}

// FrameStream is a pull iterator over synthesized frames:
//
//	for fs.Next() {
//		play(fs.Frame())
//	}
//	fs.Close()
//
// Transport failures end the current segment early and are only logged.
// Err reports why iteration stopped when it was cut short by the context.
type FrameStream struct {
	ctx      context.Context
	streamer *Streamer
	segments <-chan string
	buf      *frameBuffer
	readBuf  []byte

	body      io.ReadCloser
	eos       bool
	readErr   error
	segIndex  int
	segID     string
	segStart  time.Time
	segBytes  int
	segFrames int

	frame  Frame
	err    error
	done   bool
	frames int
}

// Next advances to the next frame, issuing requests and reading the
// network as needed. It returns false at the end of all segments, on
// context cancellation or after Close.
func (fs *FrameStream) Next() bool {
	for {
		if fs.done {
			return false
		}
		if err := fs.ctx.Err(); err != nil {
			fs.err = err
			fs.abortSegment("cancelled")
			fs.done = true
			return false
		}
		if f, ok := fs.buf.pop(); ok {
			fs.frame = f
			fs.frames++
			fs.segFrames++
			metrics.RecordFrame()
			return true
		}
		if fs.body != nil && fs.eos {
			fs.finishSegment()
			continue
		}
		if fs.body == nil {
			text, ok := fs.nextSegment()
			if !ok {
				fs.done = true
				return false
			}
			fs.openSegment(text)
			continue
		}
		n, err := fs.body.Read(fs.readBuf)
		if n > 0 {
			fs.buf.push(fs.readBuf[:n])
			fs.segBytes += n
		}
		if err != nil {
			fs.eos = true
			if !errors.Is(err, io.EOF) {
				fs.readErr = err
			}
		}
	}
}

// Frame returns the frame produced by the last successful Next.
func (fs *FrameStream) Frame() Frame { return fs.frame }

// Frames returns how many frames have been produced so far.
func (fs *FrameStream) Frames() int { return fs.frames }

// Err returns the context error that stopped iteration, if any.
func (fs *FrameStream) Err() error { return fs.err }

// Close abandons the stream and releases any open response body. It is
// safe to call more than once.
func (fs *FrameStream) Close() error {
	if fs.done && fs.body == nil {
		return nil
	}
	fs.abortSegment("closed")
	fs.done = true
	return nil
}

func (fs *FrameStream) nextSegment() (string, bool) {
	for {
		select {
		case <-fs.ctx.Done():
			return "", false
		case text, ok := <-fs.segments:
			if !ok {
				return "", false
			}
			if strings.TrimSpace(text) == "" {
				metrics.RecordSegment("skipped")
				continue
			}
			return text, true
		}
	}
}

func (fs *FrameStream) logCtx() context.Context {
	return logging.WithFields(fs.ctx, logging.SegmentFields(fs.segID, fs.segIndex)...)
}

func (fs *FrameStream) openSegment(text string) {
	fs.segIndex++
	fs.segID = uuid.NewString()
	fs.segStart = time.Now()
	fs.segBytes = 0
	fs.segFrames = 0
	fs.eos = false
	fs.readErr = nil

	ctx := fs.logCtx()
	body, err := fs.streamer.synth.Synthesize(ctx, text)
	if err != nil {
		if fs.ctx.Err() == nil {
			logging.WarnwCtx(ctx, "tts: segment request failed", "err", err, "chars", len([]rune(text)))
		}
		metrics.RecordSegment("failed")
		return
	}
	fs.body = body
	logging.DebugwCtx(ctx, "tts: segment stream opened", "chars", len([]rune(text)))
}

func (fs *FrameStream) finishSegment() {
	ctx := fs.logCtx()
	discarded := fs.buf.reset()
	if discarded > 0 {
		metrics.RecordDiscarded(discarded)
		logging.DebugwCtx(ctx, "tts: dropped partial trailing frame", "discarded_bytes", discarded)
	}
	_ = fs.body.Close()
	fs.body = nil
	fs.eos = false

	status := "ok"
	switch {
	case fs.readErr != nil:
		status = "truncated"
		logging.WarnwCtx(ctx, "tts: segment stream failed", "err", fs.readErr, "frames", fs.segFrames)
	case fs.segBytes == 0:
		status = "failed"
		logging.WarnwCtx(ctx, "tts: segment stream was empty", "err", ErrEmptyBody)
	}
	metrics.RecordSegment(status)
	metrics.RecordSegmentSeconds(time.Since(fs.segStart).Seconds())
	logging.DebugwCtx(ctx, "tts: segment finished", "status", status, "frames", fs.segFrames, "bytes", fs.segBytes)
}

func (fs *FrameStream) abortSegment(reason string) {
	if fs.body == nil {
		return
	}
	fs.buf.reset()
	_ = fs.body.Close()
	fs.body = nil
	metrics.RecordSegment(reason)
	logging.DebugwCtx(fs.logCtx(), "tts: segment abandoned", "reason", reason, "frames", fs.segFrames)
}
