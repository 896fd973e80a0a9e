package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interview-voice-lab/internal/history"
	"github.com/interview-voice-lab/internal/playback"
	"github.com/interview-voice-lab/internal/turn"
	"github.com/interview-voice-lab/internal/voice"
	"github.com/interview-voice-lab/llm"
)

const testRate = 16000

type fakeLLM struct {
	mu    sync.Mutex
	reqs  []llm.ChatRequest
	reply string
	err   error
}

func (f *fakeLLM) CreateChatCompletion(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return llm.ChatResponse{Content: f.reply}, f.err
}

func (f *fakeLLM) last() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// pcmSynth answers every segment with frames whole 20ms frames of silence.
type pcmSynth struct{ frames int }

func (p pcmSynth) Synthesize(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, p.frames*voice.FrameSizeBytes(testRate)))), nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []Transcript
}

func (p *recordingPublisher) Publish(_ context.Context, t Transcript) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, t)
	return nil
}

func (p *recordingPublisher) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, t := range p.got {
		out = append(out, t.Text)
	}
	return out
}

type eventSink chan Event

func (e eventSink) WriteJSON(_ context.Context, v interface{}) error {
	e <- v.(Event)
	return nil
}

func waitEvent(t *testing.T, events eventSink, typ string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

type fixture struct {
	s      *Session
	llm    *fakeLLM
	pub    *recordingPublisher
	events eventSink
	frames *int
	mu     *sync.Mutex
}

func newFixture(t *testing.T, sink playback.Sink) *fixture {
	t.Helper()
	f := &fixture{
		llm:    &fakeLLM{reply: "Tell me more. What did you build?"},
		pub:    &recordingPublisher{},
		events: make(eventSink, 64),
		frames: new(int),
		mu:     &sync.Mutex{},
	}
	if sink == nil {
		sink = playback.SinkFunc(func(context.Context, voice.Frame) error {
			f.mu.Lock()
			*f.frames++
			f.mu.Unlock()
			return nil
		})
	}
	f.s = New("s1", Config{
		Turn:         turn.Config{Debounce: 30 * time.Millisecond, VoiceActivityWindow: 4 * time.Second},
		SystemPrompt: "You are an interviewer.",
	}, Deps{
		LLM:       f.llm,
		Streamer:  voice.NewStreamer(pcmSynth{frames: 3}, testRate),
		Publisher: f.pub,
		Sink:      sink,
		Notifier:  f.events,
	})
	t.Cleanup(func() { _ = f.s.Close() })
	return f
}

func (f *fixture) items(t *testing.T) []history.Item {
	items, err := f.s.History().Items(context.Background())
	require.NoError(t, err)
	return items
}

func TestFlushedTurnProducesReply(t *testing.T) {
	f := newFixture(t, nil)
	f.s.UtteranceEnd("I worked on")
	f.s.UtteranceEnd("I worked on payments")

	turnEv := waitEvent(t, f.events, EventTurn)
	assert.Equal(t, "I worked on payments", turnEv.Text)
	done := waitEvent(t, f.events, EventReplyDone)
	assert.False(t, done.Interrupted)
	assert.Equal(t, 6, done.Frames, "two sentences of three frames")

	items := f.items(t)
	require.Len(t, items, 2)
	assert.Equal(t, history.RoleUser, items[0].Role)
	assert.Equal(t, history.RoleAssistant, items[1].Role)

	req := f.llm.last()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "I worked on payments", req.Messages[1].Content)

	require.Eventually(t, func() bool { return len(f.pub.texts()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSuppressedTranscriptIsRetracted(t *testing.T) {
	f := newFixture(t, nil)
	f.s.VoiceActivity()
	_, published, err := f.s.Transcript(context.Background(), "I work")
	require.NoError(t, err)
	assert.False(t, published)

	f.s.UtteranceEnd("I worked there")
	waitEvent(t, f.events, EventReplyDone)

	var texts []string
	for _, it := range f.items(t) {
		texts = append(texts, it.Text)
	}
	assert.NotContains(t, texts, "I work")
	assert.Contains(t, texts, "I worked there")
	require.Eventually(t, func() bool { return len(f.pub.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"I worked there"}, f.pub.texts())
}

func TestHeldBackItemsStayOutOfPrompt(t *testing.T) {
	f := newFixture(t, nil)
	f.s.VoiceActivity()
	_, published, err := f.s.Transcript(context.Background(), "um")
	require.NoError(t, err)
	require.False(t, published)

	_, err = f.s.ManualText(context.Background(), "typed question")
	require.NoError(t, err)
	waitEvent(t, f.events, EventReplyDone)

	req := f.llm.last()
	for _, m := range req.Messages {
		assert.NotEqual(t, "um", m.Content)
	}
	assert.Equal(t, "typed question", req.Messages[len(req.Messages)-1].Content)
}

func TestManualTextFlushesBufferedTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.s.UtteranceEnd("spoken part")
	_, err := f.s.ManualText(context.Background(), "typed part")
	require.NoError(t, err)

	var users []string
	for _, it := range f.items(t) {
		if it.Role == history.RoleUser {
			users = append(users, it.Text)
		}
	}
	assert.Equal(t, []string{"spoken part", "typed part"}, users, "buffered voice turn is committed before the typed item")

	st := f.s.State()
	assert.False(t, st.BufferActive)
	assert.False(t, st.ExpectMergedItem, "merged turn consumed its pass")
	assert.False(t, st.AllowNextPassthrough, "typed item consumed the manual pass")

	require.Eventually(t, func() bool { return len(f.pub.texts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"spoken part", "typed part"}, f.pub.texts())

	// The spoken turn's reply may be cut short by the newer one; the reply
	// to the typed item plays out.
	for {
		if done := waitEvent(t, f.events, EventReplyDone); !done.Interrupted {
			break
		}
	}
}

func TestManualTextOrderingIsStable(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := New("order", Config{Turn: turn.Config{Debounce: time.Hour}}, Deps{})
		s.UtteranceEnd("spoken")
		_, err := s.ManualText(context.Background(), "typed")
		require.NoError(t, err)
		items, err := s.History().Items(context.Background())
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "spoken", items[0].Text, "run %d", i)
		assert.Equal(t, "typed", items[1].Text, "run %d", i)
		_ = s.Close()
	}
}

func TestVoiceActivityInterruptsReply(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := playback.SinkFunc(func(ctx context.Context, _ voice.Frame) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	f := newFixture(t, blocking)
	_, err := f.s.ManualText(context.Background(), "hello")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("reply never started playing")
	}
	f.s.VoiceActivity()

	done := waitEvent(t, f.events, EventReplyDone)
	assert.True(t, done.Interrupted)
	items := f.items(t)
	require.Equal(t, history.RoleAssistant, items[len(items)-1].Role)
	assert.True(t, items[len(items)-1].Interrupted)
}

func TestSpeakIsNotInterruptedByVoice(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.s.Speak(context.Background(), "Welcome.")
	require.NoError(t, err)
	f.s.VoiceActivity()
	done := waitEvent(t, f.events, EventReplyDone)
	assert.False(t, done.Interrupted)
	assert.Equal(t, 3, done.Frames)
}

func TestSpeakRequiresStreamer(t *testing.T) {
	s := New("", Config{}, Deps{})
	defer s.Close()
	_, err := s.Speak(context.Background(), "hi")
	assert.ErrorIs(t, err, voice.ErrNotConfigured)
	_, err = s.ManualText(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.NotEmpty(t, s.ID())
}

func TestReplyFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.err = llm.ErrTransient
	_, err := f.s.ManualText(context.Background(), "hello")
	require.NoError(t, err)
	ev := waitEvent(t, f.events, EventError)
	assert.Contains(t, ev.Error, "transient")
}

func TestClosedSessionRejectsReplies(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.s.Close())
	_, err := f.s.Speak(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(func(id string) *Session { return New(id, Config{}, Deps{}) })
	a, err := r.Create("b")
	require.NoError(t, err)
	_, err = r.Create("b")
	assert.ErrorIs(t, err, ErrExists)
	_, err = r.Create("a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, r.List())
	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, r.Remove("b"))
	assert.ErrorIs(t, r.Remove("b"), ErrNotFound)
	r.CloseAll()
	assert.Empty(t, r.List())
}

func TestHTTPPublisher(t *testing.T) {
	var got Transcript
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, "tok", time.Second)
	item := history.NewItem(history.RoleUser, "hello")
	require.NoError(t, p.Publish(context.Background(), newTranscript("s1", item, "cid")))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, item.ID, got.ItemID)
	assert.Equal(t, "cid", got.CorrelationID)
}

func TestHTTPPublisherRejectsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	p := NewHTTPPublisher(srv.URL, "", time.Second)
	err := p.Publish(context.Background(), Transcript{Text: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
