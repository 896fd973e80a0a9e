// Package playback delivers synthesized frames to listeners.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/interview-voice-lab/internal/voice"
)

// Sink consumes frames in playback order. WriteFrame may block to apply
// back-pressure; that is how the consumer sets the pace of synthesis.
type Sink interface {
	WriteFrame(ctx context.Context, f voice.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f voice.Frame) error

func (fn SinkFunc) WriteFrame(ctx context.Context, f voice.Frame) error { return fn(ctx, f) }

// Discard drops every frame.
var Discard Sink = SinkFunc(func(context.Context, voice.Frame) error { return nil })

// Tee writes each frame to all sinks and joins their errors.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, f voice.Frame) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.WriteFrame(ctx, f); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Paced releases frames no faster than real time. The clock starts at the
// first frame and resets after a gap longer than one frame, so a new reply
// does not inherit a stale schedule.
type Paced struct {
	mu    sync.Mutex
	next  Sink
	start time.Time
	sent  time.Duration
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPaced(next Sink) *Paced {
	return &Paced{next: next, sleep: sleepCtx, now: time.Now}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Paced) WriteFrame(ctx context.Context, f voice.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.start.IsZero() || now.Sub(p.start) > p.sent+f.Duration() {
		p.start = now
		p.sent = 0
	}
	if ahead := p.start.Add(p.sent).Sub(now); ahead > 0 {
		if err := p.sleep(ctx, ahead); err != nil {
			return err
		}
	}
	p.sent += f.Duration()
	return p.next.WriteFrame(ctx, f)
}
