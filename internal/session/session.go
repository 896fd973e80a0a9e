// Package session hosts one live voice conversation.
//
// A Session feeds speech-to-text events into a turn.Coordinator, commits
// user items through its history gate and, when a merged turn is flushed,
// asks the language model for a reply, synthesizes it sentence by sentence
// and plays the frames into the session sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/interview-voice-lab/internal/history"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/playback"
	"github.com/interview-voice-lab/internal/turn"
	"github.com/interview-voice-lab/internal/voice"
	"github.com/interview-voice-lab/llm"
)

var (
	ErrEmptyText = errors.New("session: text is empty")
	ErrClosed    = errors.New("session: closed")
	ErrNoLLM     = errors.New("session: no language model configured")
)

// Completer produces reply text from a chat transcript.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// Notifier receives JSON events addressed to the client.
type Notifier interface {
	WriteJSON(ctx context.Context, v interface{}) error
}

// Event is pushed to the notifier.
type Event struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	Text          string `json:"text,omitempty"`
	Interrupted   bool   `json:"interrupted,omitempty"`
	Frames        int    `json:"frames,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Event types.
const (
	EventTurn          = "turn"
	EventAssistantText = "assistant_text"
	EventReplyDone     = "reply_done"
	EventError         = "error"
)

// Config tunes a session's turn timing, reply prompt and audio options.
type Config struct {
	Turn         turn.Config
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// SaveAudioDir, when set, receives one WAV file per reply.
	SaveAudioDir string
	// WakePhrases gate spoken turns: a turn that does not open with one is
	// kept in history without a reply. Typed input is never gated.
	WakePhrases     []string
	WakeWindowWords int
}

// Deps are the collaborators of a session. Nil members fall back to an
// in-memory history, no publishing, no language model, no synthesis and a
// discarding sink.
type Deps struct {
	History   history.Store
	LLM       Completer
	Streamer  *voice.Streamer
	Publisher Publisher
	Sink      playback.Sink
	Notifier  Notifier
}

type replyJob struct {
	correlationID string
	text          string
	useLLM        bool
	interruptible bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is safe for concurrent use.
type Session struct {
	id        string
	cfg       Config
	history   history.Store
	llm       Completer
	streamer  *voice.Streamer
	publisher Publisher
	coord     *turn.Coordinator
	wake      *WakeDetector
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	sink        playback.Sink
	notifier    Notifier
	current     *replyJob
	provisional map[string]struct{}
	closed      bool
}

// New starts a session. An empty id gets a random one.
func New(id string, cfg Config, deps Deps) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:          id,
		cfg:         cfg,
		history:     deps.History,
		llm:         deps.LLM,
		streamer:    deps.Streamer,
		publisher:   deps.Publisher,
		sink:        deps.Sink,
		notifier:    deps.Notifier,
		provisional: make(map[string]struct{}),
		wake:        NewWakeDetector(cfg.WakePhrases, cfg.WakeWindowWords),
		createdAt:   time.Now().UTC(),
	}
	if s.history == nil {
		s.history = history.NewMemoryStore()
	}
	if s.publisher == nil {
		s.publisher = NopPublisher{}
	}
	if s.sink == nil {
		s.sink = playback.Discard
	}
	s.ctx, s.cancel = context.WithCancel(logging.WithFields(context.Background(), logging.SessionFields(id)...))
	s.coord = turn.New(cfg.Turn, s.history, s, turn.WithSessionID(id), turn.WithIDGenerator(uuid.NewString))
	return s
}

// ID is the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt is when the session started, in UTC.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// History exposes the conversation store.
func (s *Session) History() history.Store { return s.history }

// State returns the turn coordinator's current state.
func (s *Session) State() turn.State { return s.coord.Snapshot() }

// SetSink replaces where reply audio goes. Replies already playing keep
// the sink they started with.
func (s *Session) SetSink(sink playback.Sink) {
	if sink == nil {
		sink = playback.Discard
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// SetNotifier replaces where session events are pushed.
func (s *Session) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// VoiceActivity marks that the user is speaking and stops an interruptible
// reply that is playing.
func (s *Session) VoiceActivity() {
	s.coord.MarkVoiceActivity()
	s.interrupt()
}

// UtteranceEnd buffers the final text of one utterance.
func (s *Session) UtteranceEnd(text string) {
	s.coord.HandleUserTurnEnd(text)
}

// Transcript appends a speech-to-text user item and runs it through the
// turn gate. It reports whether the item was published; a suppressed item
// stays provisional until the coordinator retracts it.
func (s *Session) Transcript(ctx context.Context, text string) (history.Item, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return history.Item{}, false, ErrEmptyText
	}
	item := history.NewItem(history.RoleUser, text)
	published, err := s.commitUser(ctx, item, "")
	return item, published, err
}

// ManualText commits typed user input and replies to it. A voice turn that
// is still buffered is flushed and committed ahead of it.
func (s *Session) ManualText(ctx context.Context, text string) (history.Item, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return history.Item{}, ErrEmptyText
	}
	s.coord.MarkManualTextInput()
	item := history.NewItem(history.RoleUser, text)
	cid := uuid.NewString()
	if _, err := s.commitUser(ctx, item, cid); err != nil {
		return item, err
	}
	return item, s.startReply(&replyJob{correlationID: cid, useLLM: true, interruptible: true})
}

// Speak synthesizes text directly. It is not interruptible by voice.
func (s *Session) Speak(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if s.streamer == nil {
		return "", voice.ErrNotConfigured
	}
	cid := uuid.NewString()
	return cid, s.startReply(&replyJob{correlationID: cid, text: text})
}

// GenerateReply commits the merged user turn and starts the reply in the
// background.
func (s *Session) GenerateReply(ctx context.Context, userText string, opts turn.ReplyOptions) error {
	item := history.NewItem(history.RoleUser, userText)
	published, err := s.commitUser(ctx, item, opts.CorrelationID)
	if err != nil {
		return err
	}
	if !published {
		logging.WarnwCtx(ctx, "session: merged turn was held back by the gate", "item_id", item.ID)
	}
	s.notify(Event{Type: EventTurn, CorrelationID: opts.CorrelationID, ItemID: item.ID, Text: item.Text})
	if s.wake != nil {
		if ok, _ := s.wake.Detect(userText); !ok {
			logging.DebugwCtx(ctx, "session: no wake phrase; reply skipped", "item_id", item.ID)
			return nil
		}
	}
	return s.startReply(&replyJob{
		correlationID: opts.CorrelationID,
		useLLM:        true,
		interruptible: opts.AllowInterruptions,
	})
}

func (s *Session) commitUser(ctx context.Context, item history.Item, correlationID string) (bool, error) {
	if err := s.history.Append(ctx, item); err != nil {
		return false, fmt.Errorf("append user item: %w", err)
	}
	if !s.coord.ShouldPublishUserMessage(item) {
		s.mu.Lock()
		s.provisional[item.ID] = struct{}{}
		s.mu.Unlock()
		return false, nil
	}
	s.publish(item, correlationID)
	return true, nil
}

func (s *Session) publish(item history.Item, correlationID string) {
	t := newTranscript(s.id, item, correlationID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, t); err != nil {
			logging.WarnwCtx(ctx, "session: transcript publish failed", "err", err, "item_id", t.ItemID)
		}
	}()
}

func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.interruptible {
		s.current.cancel()
	}
}

// startReply runs j after the reply before it. An interruptible reply in
// flight is cancelled; any other reply is waited for.
func (s *Session) startReply(j *replyJob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.current
	if prev != nil && prev.interruptible {
		prev.cancel()
	}
	j.ctx, j.cancel = context.WithCancel(logging.WithFields(s.ctx, "correlation_id", j.correlationID))
	j.done = make(chan struct{})
	s.current = j
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runReply(j, prev)
	return nil
}

func (s *Session) runReply(j *replyJob, prev *replyJob) {
	defer s.wg.Done()
	defer close(j.done)
	defer j.cancel()
	defer func() {
		s.mu.Lock()
		if s.current == j {
			s.current = nil
		}
		s.mu.Unlock()
	}()

	ctx := j.ctx
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	text := j.text
	if j.useLLM {
		var err error
		text, err = s.complete(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.WarnwCtx(ctx, "session: reply generation failed", "err", err)
				s.notify(Event{Type: EventError, CorrelationID: j.correlationID, Error: err.Error()})
			}
			return
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	item := history.NewItem(history.RoleAssistant, text)
	if err := s.history.Append(ctx, item); err != nil {
		logging.WarnwCtx(ctx, "session: append assistant item failed", "err", err)
	}
	s.notify(Event{Type: EventAssistantText, CorrelationID: j.correlationID, ItemID: item.ID, Text: text})

	frames := s.play(ctx, j.correlationID, text)

	interrupted := ctx.Err() != nil
	if interrupted {
		item.Interrupted = true
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.history.Update(uctx, item); err != nil {
			logging.DebugwCtx(ctx, "session: could not flag interrupted reply", "err", err)
		}
		cancel()
	}
	logging.InfowCtx(ctx, "session: reply finished", "frames", frames, "interrupted", interrupted)
	s.notify(Event{Type: EventReplyDone, CorrelationID: j.correlationID, ItemID: item.ID, Interrupted: interrupted, Frames: frames})
}

// complete asks the language model for the next assistant message. User
// items still held back by the gate are left out of the prompt.
func (s *Session) complete(ctx context.Context) (string, error) {
	if s.llm == nil {
		return "", ErrNoLLM
	}
	items, err := s.history.Items(ctx)
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}

	s.mu.Lock()
	live := make(map[string]struct{}, len(s.provisional))
	msgs := make([]llm.Message, 0, len(items)+1)
	if p := strings.TrimSpace(s.cfg.SystemPrompt); p != "" {
		msgs = append(msgs, llm.Message{Role: history.RoleSystem, Content: p})
	}
	for _, it := range items {
		if _, held := s.provisional[it.ID]; held {
			live[it.ID] = struct{}{}
			continue
		}
		msgs = append(msgs, llm.Message{Role: it.Role, Content: it.Text})
	}
	s.provisional = live
	s.mu.Unlock()

	resp, err := s.llm.CreateChatCompletion(ctx, llm.ChatRequest{
		Messages:    msgs,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// play streams text through the synthesizer into the sink and returns the
// number of frames delivered.
func (s *Session) play(ctx context.Context, correlationID, text string) int {
	if s.streamer == nil {
		return 0
	}
	s.mu.Lock()
	base := s.sink
	s.mu.Unlock()

	sink := base
	var rec *playback.WAVRecorder
	if s.cfg.SaveAudioDir != "" {
		rec = playback.NewWAVRecorder(s.cfg.SaveAudioDir, s.id, correlationID, s.streamer.SampleRate())
		sink = playback.Tee(base, rec)
	}

	fs := s.streamer.SynthesizeStream(ctx, voice.Segments(voice.SplitSentences(text, voice.DefaultSoftLimit)...))
	delivered := 0
	for fs.Next() {
		if err := sink.WriteFrame(ctx, fs.Frame()); err != nil {
			if ctx.Err() == nil {
				logging.WarnwCtx(ctx, "session: sink rejected frame", "err", err)
			}
			break
		}
		delivered++
	}
	_ = fs.Close()

	if rec != nil {
		rec.Annotate("text", text)
		rec.Annotate("interrupted", ctx.Err() != nil)
		_ = rec.Close()
	}
	if idler, ok := base.(interface{ Idle() }); ok {
		idler.Idle()
	}
	return delivered
}

func (s *Session) notify(ev Event) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n == nil {
		return
	}
	ev.SessionID = s.id
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
	defer cancel()
	if err := n.WriteJSON(ctx, ev); err != nil {
		logging.DebugwCtx(ctx, "session: notify failed", "type", ev.Type, "err", err)
	}
}

// Close stops the coordinator, cancels any reply and waits for background
// work. Buffered fragments are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.coord.Close()
	s.cancel()
	s.wg.Wait()
	return err
}
