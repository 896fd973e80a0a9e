package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interview-voice-lab/internal/turn"
	"github.com/interview-voice-lab/internal/voice"
)

func TestWakeDetector(t *testing.T) {
	assert.Nil(t, NewWakeDetector(nil, 0))
	assert.Nil(t, NewWakeDetector([]string{" ", ",,"}, 2))

	anchored := NewWakeDetector([]string{"Hey Coach"}, 0)
	cases := []struct {
		text string
		ok   bool
		rest string
	}{
		{"hey coach, what next?", true, "what next?"},
		{"  \"Hey   COACH\"  ", true, ""},
		{"hey coach.", true, ""},
		{"so hey coach what next", false, ""},
		{"hey", false, ""},
		{"", false, ""},
	}
	for _, tc := range cases {
		ok, rest := anchored.Detect(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.rest, rest, tc.text)
	}

	windowed := NewWakeDetector([]string{"coach"}, 3)
	ok, rest := windowed.Detect("okay so coach: tell me")
	assert.True(t, ok)
	assert.Equal(t, "tell me", rest)
	ok, _ = windowed.Detect("one two three coach")
	assert.False(t, ok, "phrase starts past the window")
}

func TestTurnWithoutWakePhraseIsNotAnswered(t *testing.T) {
	f := &fixture{llm: &fakeLLM{reply: "Sure."}, pub: &recordingPublisher{}, events: make(eventSink, 64)}
	f.s = New("w1", Config{
		Turn:        turn.Config{Debounce: 20 * time.Millisecond},
		WakePhrases: []string{"coach"},
	}, Deps{
		LLM:       f.llm,
		Streamer:  voice.NewStreamer(pcmSynth{frames: 1}, testRate),
		Publisher: f.pub,
		Notifier:  f.events,
	})
	t.Cleanup(func() { _ = f.s.Close() })

	f.s.UtteranceEnd("just thinking aloud")
	ev := waitEvent(t, f.events, EventTurn)
	assert.Equal(t, "just thinking aloud", ev.Text)
	require.Len(t, f.items(t), 1)

	f.s.UtteranceEnd("coach, ask me something")
	waitEvent(t, f.events, EventReplyDone)
	items := f.items(t)
	require.Len(t, items, 3)
	assert.Equal(t, "Sure.", items[2].Text)

	_, err := f.s.ManualText(context.Background(), "typed input needs no phrase")
	require.NoError(t, err)
	waitEvent(t, f.events, EventReplyDone)
}
