package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"
)

// pcmOf returns n bytes of PCM whose samples all equal v.
func pcmOf(n int, v int16) []byte {
	b := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(v))
	}
	return b
}

type fakeSynth struct {
	mu     sync.Mutex
	bodies map[string]func() (io.ReadCloser, error)
	calls  []string
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	fn := f.bodies[text]
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no body configured")
	}
	return fn()
}

func collect(t *testing.T, fs *FrameStream) []Frame {
	t.Helper()
	var frames []Frame
	for fs.Next() {
		frames = append(frames, fs.Frame())
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return frames
}

func TestFrameSizeBytes(t *testing.T) {
	cases := map[int]int{32000: 1280, 48000: 1920, 24000: 960, 16000: 640}
	for rate, want := range cases {
		if got := FrameSizeBytes(rate); got != want {
			t.Errorf("FrameSizeBytes(%d) = %d, want %d", rate, got, want)
		}
	}
}

func TestSegmentSlicesExactFrames(t *testing.T) {
	synth := &fakeSynth{bodies: map[string]func() (io.ReadCloser, error){
		"hello": func() (io.ReadCloser, error) {
			// one byte per read exercises every possible boundary
			return io.NopCloser(iotest.OneByteReader(bytes.NewReader(pcmOf(3840, 7)))), nil
		},
	}}
	s := NewStreamer(synth, 32000)

	frames := collect(t, s.SynthesizeSegment(context.Background(), "hello"))
	if len(frames) != 3 {
		t.Fatalf("want 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f.Samples) != 640 || f.SamplesPerChannel != 640 {
			t.Fatalf("frame %d has %d samples", i, len(f.Samples))
		}
		if f.SampleRate != 32000 || f.Channels != 1 {
			t.Fatalf("frame %d format = %d Hz x %d", i, f.SampleRate, f.Channels)
		}
		if f.Samples[0] != 7 || f.Samples[639] != 7 {
			t.Fatalf("frame %d decoded wrong samples", i)
		}
		if f.Duration() != FrameDuration {
			t.Fatalf("frame %d duration = %v", i, f.Duration())
		}
	}
}

func TestPartialTrailingFrameIsDiscarded(t *testing.T) {
	for _, tc := range []struct {
		name  string
		bytes int
		want  int
	}{
		{"two frames plus 500", 2*1280 + 500, 2},
		{"only 500", 500, 0},
		{"one byte short", 1279, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			synth := &fakeSynth{bodies: map[string]func() (io.ReadCloser, error){
				"x": func() (io.ReadCloser, error) {
					return io.NopCloser(iotest.HalfReader(bytes.NewReader(pcmOf(tc.bytes, 1)))), nil
				},
			}}
			frames := collect(t, NewStreamer(synth, 32000).SynthesizeSegment(context.Background(), "x"))
			if len(frames) != tc.want {
				t.Fatalf("want %d frames, got %d", tc.want, len(frames))
			}
		})
	}
}

func TestBlankSegmentsMakeNoRequest(t *testing.T) {
	synth := &fakeSynth{bodies: map[string]func() (io.ReadCloser, error){
		"A": func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(pcmOf(1280, 1))), nil },
	}}
	s := NewStreamer(synth, 32000)

	frames := collect(t, s.SynthesizeStream(context.Background(), Segments("", "   ", "A", "\n\t")))
	if len(frames) != 1 {
		t.Fatalf("want 1 frame, got %d", len(frames))
	}
	if len(synth.calls) != 1 || synth.calls[0] != "A" {
		t.Fatalf("unexpected calls: %q", synth.calls)
	}

	frames = collect(t, s.SynthesizeSegment(context.Background(), "  "))
	if len(frames) != 0 || len(synth.calls) != 1 {
		t.Fatalf("blank segment produced %d frames and %d calls", len(frames), len(synth.calls))
	}
}

func TestFailedSegmentDoesNotStopStream(t *testing.T) {
	synth := &fakeSynth{bodies: map[string]func() (io.ReadCloser, error){
		"bad": func() (io.ReadCloser, error) {
			return nil, &SynthesisError{Provider: "test", Status: 500}
		},
		"broken": func() (io.ReadCloser, error) {
			r := io.MultiReader(bytes.NewReader(pcmOf(1280+300, 2)), iotest.ErrReader(io.ErrUnexpectedEOF))
			return io.NopCloser(r), nil
		},
		"good": func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(pcmOf(2560, 3))), nil },
	}}

	frames := collect(t, NewStreamer(synth, 32000).SynthesizeStream(context.Background(), Segments("bad", "broken", "good")))
	if len(frames) != 3 {
		t.Fatalf("want 1 frame from broken and 2 from good, got %d", len(frames))
	}
	if frames[0].Samples[0] != 2 || frames[1].Samples[0] != 3 || frames[2].Samples[0] != 3 {
		t.Fatalf("frames out of order: %d %d %d", frames[0].Samples[0], frames[1].Samples[0], frames[2].Samples[0])
	}
}

func TestSegmentsAreSequentialOverHTTP(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}

		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		value := int16(req.Text[0])
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			if req.Text == "A" {
				// A is the slow one
				time.Sleep(20 * time.Millisecond)
			}
			_, _ = w.Write(pcmOf(640, value))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := &TTSClient{URL: srv.URL, VoiceID: "v", SampleRate: 32000, Attempts: 1, Client: srv.Client()}
	frames := collect(t, NewStreamer(client, 32000).SynthesizeStream(context.Background(), Segments("A", "B")))

	if len(frames) != 4 {
		t.Fatalf("want 4 frames, got %d", len(frames))
	}
	want := []int16{'A', 'A', 'B', 'B'}
	for i, f := range frames {
		if f.Samples[0] != want[i] {
			t.Fatalf("frame %d = %c, want %c", i, rune(f.Samples[0]), rune(want[i]))
		}
	}
	if maxInFlight != 1 {
		t.Fatalf("requests overlapped: %d in flight", maxInFlight)
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(released)
		flusher := w.(http.Flusher)
		for {
			if _, err := w.Write(pcmOf(1280, 5)); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	client := &TTSClient{URL: srv.URL, SampleRate: 32000, Attempts: 1, Client: srv.Client()}
	fs := NewStreamer(client, 32000).SynthesizeSegment(context.Background(), "endless")
	for i := 0; i < 2; i++ {
		if !fs.Next() {
			t.Fatalf("stream ended early at %d", i)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.Next() {
		t.Fatal("Next after Close should be false")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the client go away")
	}
}

func TestContextCancelStopsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	synth := &fakeSynth{bodies: map[string]func() (io.ReadCloser, error){
		"x": func() (io.ReadCloser, error) { return pr, nil },
	}}
	go func() {
		_, _ = pw.Write(pcmOf(1280, 1))
	}()

	fs := NewStreamer(synth, 32000).SynthesizeSegment(ctx, "x")
	if !fs.Next() {
		t.Fatal("expected first frame")
	}
	cancel()
	if fs.Next() {
		t.Fatal("expected stop after cancel")
	}
	if !errors.Is(fs.Err(), context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", fs.Err())
	}
	// the pipe reader was closed by the stream
	if _, err := pw.Write([]byte{0}); err == nil {
		t.Fatal("body was not closed")
	}
}

func TestFrameBytesRoundTrip(t *testing.T) {
	b := newFrameBuffer(16000)
	raw := pcmOf(640, -3)
	b.push(raw)
	f, ok := b.pop()
	if !ok {
		t.Fatal("expected a frame")
	}
	if !bytes.Equal(f.Bytes(), raw) {
		t.Fatal("Bytes does not reproduce the input")
	}
	if _, ok := b.pop(); ok {
		t.Fatal("buffer should be empty")
	}
	b.push([]byte{1, 2, 3})
	if n := b.reset(); n != 3 {
		t.Fatalf("reset dropped %d bytes, want 3", n)
	}
}

func TestSynthesizeStreamFromChannel(t *testing.T) {
	synth := &fakeSynth{bodies: map[string]func() (io.ReadCloser, error){
		"one.": func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(pcmOf(1280, 1))), nil },
		"two.": func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(pcmOf(1280, 2))), nil },
	}}
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, s := range SplitSentences("one. two.", 0) {
			ch <- s
		}
	}()
	frames := collect(t, NewStreamer(synth, 32000).SynthesizeStream(context.Background(), ch))
	if len(frames) != 2 || frames[0].Samples[0] != 1 || frames[1].Samples[0] != 2 {
		t.Fatalf("unexpected frames: %d", len(frames))
	}
	if strings.Join(synth.calls, "|") != "one.|two." {
		t.Fatalf("calls = %q", synth.calls)
	}
}
