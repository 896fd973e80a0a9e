package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/playback"
	"github.com/interview-voice-lab/internal/session"
)

const maxClientMessage = 64 << 10

// Client event types accepted on /ws.
const (
	EventVoiceActivity = "voice_activity"
	EventUtteranceEnd  = "utterance_end"
	EventTranscript    = "transcript"
	EventFinal         = "final"
	EventManualText    = "manual_text"
	EventSpeak         = "speak"
)

// EventSession is the first message the server sends on /ws.
const EventSession = "session"

type clientEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// handleSession serves /ws?session=<id>. A socket that creates its session
// owns it: reply audio and notifications go to the socket and the session
// closes when the socket does. A socket joining an existing session only
// feeds events into it.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("gateway: websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := playback.NewWebSocketSink(conn)
	sess, owned, err := s.attach(r.URL.Query().Get("session"), sink)
	if err != nil {
		_ = sink.WriteJSON(ctx, session.Event{Type: session.EventError, Error: err.Error()})
		return
	}
	if owned {
		defer func() {
			if err := s.reg.Remove(sess.ID()); err != nil && !errors.Is(err, session.ErrNotFound) {
				logging.Warnw("gateway: session close failed", "session_id", sess.ID(), "err", err)
			}
		}()
	}
	ctx = logging.WithFields(ctx, logging.SessionFields(sess.ID())...)
	logging.InfowCtx(ctx, "gateway: client attached", "owner", owned, "remote", r.RemoteAddr)
	_ = sink.WriteJSON(ctx, session.Event{Type: EventSession, SessionID: sess.ID()})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.DebugwCtx(ctx, "gateway: client read ended", "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			_ = sink.WriteJSON(ctx, session.Event{Type: session.EventError, SessionID: sess.ID(), Error: "invalid event: " + err.Error()})
			continue
		}
		if err := dispatch(ctx, sess, ev); err != nil {
			_ = sink.WriteJSON(ctx, session.Event{Type: session.EventError, SessionID: sess.ID(), Error: err.Error()})
		}
	}
}

// attach finds or creates the session named id.
func (s *Server) attach(id string, sink *playback.WebSocketSink) (*session.Session, bool, error) {
	if id != "" {
		if sess, ok := s.reg.Get(id); ok {
			return sess, false, nil
		}
	}
	sess, err := s.reg.Create(id)
	if errors.Is(err, session.ErrExists) {
		if existing, ok := s.reg.Get(id); ok {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	sess.SetSink(playback.NewPaced(sink))
	sess.SetNotifier(sink)
	return sess, true, nil
}

func dispatch(ctx context.Context, sess *session.Session, ev clientEvent) error {
	switch ev.Type {
	case EventVoiceActivity:
		sess.VoiceActivity()
	case EventUtteranceEnd:
		sess.UtteranceEnd(ev.Text)
	case EventTranscript:
		_, _, err := sess.Transcript(ctx, ev.Text)
		return err
	case EventFinal:
		sess.UtteranceEnd(ev.Text)
		_, _, err := sess.Transcript(ctx, ev.Text)
		return err
	case EventManualText:
		_, err := sess.ManualText(ctx, ev.Text)
		return err
	case EventSpeak:
		_, err := sess.Speak(ctx, ev.Text)
		return err
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}
