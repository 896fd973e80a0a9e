// Package turn turns fragmented speech-to-text output into merged user turns.
//
// A Coordinator buffers utterance-end transcripts, debounces them into a
// single turn and gates which provisional user items may enter the shared
// conversation history. All state changes run on one goroutine; timer
// callbacks and caller requests are serialized through the same queue, so a
// flush can never interleave with a fragment arriving.
package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/interview-voice-lab/internal/history"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/metrics"
)

// History is the part of the conversation store the coordinator may touch.
type History interface {
	Items(ctx context.Context) ([]history.Item, error)
	RemoveWhere(ctx context.Context, match func(history.Item) bool) (int, error)
}

// ReplyOptions are passed to the reply generator with each merged turn.
type ReplyOptions struct {
	AllowInterruptions bool
	CorrelationID      string
}

// ReplyGenerator produces the assistant's reply to a merged user turn.
// GenerateReply is expected to commit the merged user item before it
// returns; MarkManualTextInput waits for that. Implementations should return
// once the reply has been started and must not call MarkManualTextInput.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, userText string, opts ReplyOptions) error
}

// Config holds the coordinator timing windows.
type Config struct {
	Debounce            time.Duration
	VoiceActivityWindow time.Duration
}

// DefaultConfig returns a 1200ms debounce and a 4000ms voice window.
func DefaultConfig() Config {
	return Config{
		Debounce:            1200 * time.Millisecond,
		VoiceActivityWindow: 4000 * time.Millisecond,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for voice-window checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSessionID tags log lines with the owning session.
func WithSessionID(id string) Option {
	return func(c *Coordinator) { c.sessionID = id }
}

// WithIDGenerator sets how flush correlation IDs are made.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// State is a point-in-time copy of the coordinator's voice activity state.
type State struct {
	PendingSegments      []string
	PendingItemIDs       []string
	LastVoiceActivityAt  time.Time
	BufferActive         bool
	FlushScheduled       bool
	AllowNextPassthrough bool
	ExpectMergedItem     bool
}

type reply struct {
	text          string
	correlationID string
	// done is closed once GenerateReply has returned.
	done chan struct{}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg       Config
	history   History
	replies   ReplyGenerator
	now       func() time.Time
	newID     func() string
	sessionID string

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	wg      sync.WaitGroup
	once    sync.Once

	// Replies queue without bound so the loop never waits on the worker.
	qmu     sync.Mutex
	queue   []*reply
	pending chan struct{}

	// Owned by the loop goroutine.
	pendingSegments      []string
	pendingItemIDs       []string
	pendingIndex         map[string]struct{}
	lastVoiceActivityAt  time.Time
	bufferActive         bool
	flushTimer           *time.Timer
	timerGen             uint64
	allowNextPassthrough bool
	expectMergedItem     bool
}

// New starts a coordinator. Close must be called to release its goroutines.
func New(cfg Config, h History, replies ReplyGenerator, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.VoiceActivityWindow <= 0 {
		cfg.VoiceActivityWindow = def.VoiceActivityWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:          cfg,
		history:      h,
		replies:      replies,
		now:          time.Now,
		newID:        func() string { return "" },
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan func()),
		pending:      make(chan struct{}, 1),
		pendingIndex: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(2)
	go c.loop()
	go c.replyWorker()
	return c
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			if c.flushTimer != nil {
				c.flushTimer.Stop()
			}
			return
		case fn := <-c.events:
			fn()
		}
	}
}

// replyWorker runs reply generation off the loop so a generator may call
// back into the gate without deadlocking.
func (c *Coordinator) replyWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.pending:
		}
		for r := c.dequeue(); r != nil; r = c.dequeue() {
			if c.ctx.Err() != nil {
				return
			}
			c.generate(r)
		}
	}
}

func (c *Coordinator) enqueue(r *reply) {
	c.qmu.Lock()
	c.queue = append(c.queue, r)
	c.qmu.Unlock()
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dequeue() *reply {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	r := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return r
}

func (c *Coordinator) generate(r *reply) {
	defer close(r.done)
	if c.replies == nil {
		return
	}
	ctx := logging.WithFields(c.ctx, "session_id", c.sessionID, "correlation_id", r.correlationID)
	err := c.replies.GenerateReply(ctx, r.text, ReplyOptions{AllowInterruptions: true, CorrelationID: r.correlationID})
	if err != nil {
		logging.WarnwCtx(ctx, "turn: reply generation failed", "err", err)
	}
}

// do runs fn on the loop and waits for it. It reports false once closed.
func (c *Coordinator) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(done) }:
	case <-c.ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// MarkVoiceActivity records that the user is speaking right now.
func (c *Coordinator) MarkVoiceActivity() {
	c.do(func() { c.lastVoiceActivityAt = c.now() })
}

// MarkManualTextInput must be called right before a typed message is
// inserted into history. A buffered voice turn is flushed first and its
// reply generator has returned before this does, so the merged item lands
// in history ahead of the typed one. The next history item after that is
// let through unconditionally.
func (c *Coordinator) MarkManualTextInput() {
	var forced *reply
	c.do(func() {
		if c.bufferActive {
			forced = c.flush("manual")
		}
		c.allowNextPassthrough = true
	})
	if forced == nil {
		return
	}
	select {
	case <-forced.done:
	case <-c.ctx.Done():
	}
}

// HandleUserTurnEnd buffers one utterance and restarts the debounce window.
// Blank text is ignored.
func (c *Coordinator) HandleUserTurnEnd(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.do(func() {
		c.pendingSegments = append(c.pendingSegments, text)
		c.bufferActive = true
		c.scheduleFlush()
	})
}

// ShouldPublishUserMessage decides whether a user item may be committed to
// history now. Suppressed items are retracted at the next flush. After
// Close every item is published.
func (c *Coordinator) ShouldPublishUserMessage(item history.Item) bool {
	publish := true
	c.do(func() { publish = c.gate(item) })
	return publish
}

func (c *Coordinator) gate(item history.Item) bool {
	if c.expectMergedItem {
		c.expectMergedItem = false
		metrics.RecordGateDecision("merged")
		return true
	}
	if c.allowNextPassthrough {
		c.allowNextPassthrough = false
		metrics.RecordGateDecision("passthrough")
		return true
	}
	voiceActive := c.bufferActive || c.now().Sub(c.lastVoiceActivityAt) <= c.cfg.VoiceActivityWindow
	if voiceActive {
		if item.ID != "" {
			if _, seen := c.pendingIndex[item.ID]; !seen {
				c.pendingIndex[item.ID] = struct{}{}
				c.pendingItemIDs = append(c.pendingItemIDs, item.ID)
			}
		}
		metrics.RecordGateDecision("suppressed")
		logging.Debugw("turn: suppressed provisional item", "session_id", c.sessionID, "item_id", item.ID)
		return false
	}
	metrics.RecordGateDecision("published")
	return true
}

// scheduleFlush replaces any outstanding timer. The generation check drops a
// callback that fired but lost the race against a newer schedule.
func (c *Coordinator) scheduleFlush() {
	c.stopTimer()
	gen := c.timerGen
	c.flushTimer = time.AfterFunc(c.cfg.Debounce, func() {
		select {
		case c.events <- func() {
			if gen == c.timerGen && c.flushTimer != nil {
				c.flush("timer")
			}
		}:
		case <-c.ctx.Done():
		}
	})
}

func (c *Coordinator) stopTimer() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.timerGen++
}

// flush returns the queued reply, or nil when the turn was blank.
func (c *Coordinator) flush(reason string) *reply {
	c.stopTimer()

	if len(c.pendingItemIDs) > 0 {
		c.retract(c.pendingItemIDs)
	}
	merged := MergeSegments(c.pendingSegments)

	c.pendingSegments = nil
	c.pendingItemIDs = nil
	c.pendingIndex = make(map[string]struct{})
	c.bufferActive = false

	metrics.RecordFlush(reason)
	if strings.TrimSpace(merged) == "" {
		logging.Debugw("turn: flushed blank turn", "session_id", c.sessionID, "reason", reason)
		return nil
	}
	c.expectMergedItem = true
	r := &reply{text: merged, correlationID: c.newID(), done: make(chan struct{})}
	logging.Infow("turn: flushed merged turn", "session_id", c.sessionID, "reason", reason, "correlation_id", r.correlationID, "chars", len(merged))
	c.enqueue(r)
	return r
}

// retract removes suppressed items from history. Only the listed IDs are
// touched; the history is read first so an empty match skips the rewrite.
func (c *Coordinator) retract(ids []string) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	match := history.IDSet(ids...)

	items, err := c.history.Items(ctx)
	if err != nil {
		logging.Warnw("turn: history read failed", "session_id", c.sessionID, "err", err)
		return
	}
	present := false
	for _, it := range items {
		if match(it) {
			present = true
			break
		}
	}
	if !present {
		return
	}
	n, err := c.history.RemoveWhere(ctx, match)
	if err != nil {
		logging.Warnw("turn: history retract failed", "session_id", c.sessionID, "err", err)
		return
	}
	metrics.RecordRetracted(n)
	logging.Debugw("turn: retracted provisional items", "session_id", c.sessionID, "count", n)
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	var s State
	c.do(func() {
		s = State{
			PendingSegments:      append([]string(nil), c.pendingSegments...),
			PendingItemIDs:       append([]string(nil), c.pendingItemIDs...),
			LastVoiceActivityAt:  c.lastVoiceActivityAt,
			BufferActive:         c.bufferActive,
			FlushScheduled:       c.flushTimer != nil,
			AllowNextPassthrough: c.allowNextPassthrough,
			ExpectMergedItem:     c.expectMergedItem,
		}
	})
	return s
}

// Close stops the coordinator. Buffered fragments are dropped.
func (c *Coordinator) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}
