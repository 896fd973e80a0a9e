package playback

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interview-voice-lab/internal/voice"
)

const writeWait = 5 * time.Second

// WebSocketSink sends each frame as one binary message of little-endian
// PCM and JSON notifications as text messages. Writes are serialized.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		return d
	}
	return dl
}

func (s *WebSocketSink) WriteFrame(ctx context.Context, f voice.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(s.deadline(ctx))
	return s.conn.WriteMessage(websocket.BinaryMessage, f.Bytes())
}

// WriteJSON sends a text notification such as a turn or transcript event.
func (s *WebSocketSink) WriteJSON(ctx context.Context, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(s.deadline(ctx))
	return s.conn.WriteJSON(v)
}
