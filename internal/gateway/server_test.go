package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interview-voice-lab/internal/mcp"
	"github.com/interview-voice-lab/internal/metrics"
	"github.com/interview-voice-lab/internal/session"
	"github.com/interview-voice-lab/internal/turn"
	"github.com/interview-voice-lab/internal/voice"
	"github.com/interview-voice-lab/llm"
)

const testRate = 16000

type staticLLM string

func (s staticLLM) CreateChatCompletion(context.Context, llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{Content: string(s)}, nil
}

type silence struct{}

func (silence) Synthesize(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, 2*voice.FrameSizeBytes(testRate)))), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(func(id string) *session.Session {
		return session.New(id, session.Config{
			Turn: turn.Config{Debounce: 20 * time.Millisecond, VoiceActivityWindow: time.Second},
		}, session.Deps{
			LLM:      staticLLM("Thanks."),
			Streamer: voice.NewStreamer(silence{}, testRate),
		})
	})
	t.Cleanup(reg.CloseAll)

	promReg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(promReg))
	gw := New(":0", reg, mcp.NewServer(reg, "test"), promReg)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (session.Event, int) {
	t.Helper()
	binary := 0
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			binary++
			continue
		}
		var ev session.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev, binary
	}
}

func send(t *testing.T, conn *websocket.Conn, typ, text string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(clientEvent{Type: typ, Text: text}))
}

func TestOwnerSocketReceivesReplyAudio(t *testing.T) {
	srv, reg := newTestServer(t)
	conn := dial(t, srv, "?session=interview")

	ev, _ := readEvent(t, conn)
	require.Equal(t, EventSession, ev.Type)
	assert.Equal(t, "interview", ev.SessionID)

	send(t, conn, EventManualText, "hello there")
	ev, _ = readEvent(t, conn)
	require.Equal(t, session.EventAssistantText, ev.Type)
	assert.Equal(t, "Thanks.", ev.Text)

	ev, frames := readEvent(t, conn)
	require.Equal(t, session.EventReplyDone, ev.Type)
	assert.Equal(t, 2, frames)
	assert.Equal(t, 2, ev.Frames)

	assert.Equal(t, []string{"interview"}, reg.List())
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(reg.List()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestJoiningSocketFeedsExistingSession(t *testing.T) {
	srv, reg := newTestServer(t)
	owner := dial(t, srv, "")
	ev, _ := readEvent(t, owner)
	id := ev.SessionID
	require.NotEmpty(t, id)

	feeder := dial(t, srv, "?session="+id)
	ev, _ = readEvent(t, feeder)
	assert.Equal(t, id, ev.SessionID)

	send(t, feeder, EventFinal, "my answer")
	ev, _ = readEvent(t, owner)
	require.Equal(t, session.EventTurn, ev.Type)
	assert.Equal(t, "my answer", ev.Text)

	// closing the feeder leaves the session alive
	require.NoError(t, feeder.Close())
	time.Sleep(50 * time.Millisecond)
	_, ok := reg.Get(id)
	assert.True(t, ok)
}

func TestUnknownEventReportsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "")
	readEvent(t, conn)

	send(t, conn, "dance", "")
	ev, _ := readEvent(t, conn)
	assert.Equal(t, session.EventError, ev.Type)
	assert.Contains(t, ev.Error, "dance")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	ev, _ = readEvent(t, conn)
	assert.Equal(t, session.EventError, ev.Type)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)

	metrics.RecordFlush("timer")
	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "voicelab_turn_flushes_total")
}

func TestMCPEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := mcp.NewClientWrapper("test", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.ConnectWebSocket(ctx, srv.URL+"/mcp/ws"))
	defer w.Close()

	names, err := w.ToolNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, mcp.ToolSubmitText)
}
