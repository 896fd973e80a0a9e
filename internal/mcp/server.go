// Package mcp exposes session operations as MCP tools over websocket and
// provides the client used by voicectl.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/interview-voice-lab/internal/history"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/session"
)

// Tool names.
const (
	ToolListSessions    = "list_sessions"
	ToolCreateSession   = "create_session"
	ToolCloseSession    = "close_session"
	ToolSessionHistory  = "session_history"
	ToolSubmitText      = "submit_text"
	ToolSubmitUtterance = "submit_utterance"
	ToolSpeak           = "speak"
)

// SessionInfo summarizes one live session.
type SessionInfo struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	BufferActive    bool      `json:"buffer_active"`
	PendingSegments int       `json:"pending_segments"`
	FlushScheduled  bool      `json:"flush_scheduled"`
}

type sessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"ID of a live session"`
}

type createArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"optional ID for the new session"`
}

type textArgs struct {
	SessionID string `json:"session_id" jsonschema:"ID of a live session"`
	Text      string `json:"text" jsonschema:"text to submit"`
}

type textResult struct {
	SessionID     string `json:"session_id"`
	ItemID        string `json:"item_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Buffered      bool   `json:"buffered,omitempty"`
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
}

func errorResult(err error) (*sdk.CallToolResult, any, error) {
	return &sdk.CallToolResult{
		IsError: true,
		Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
	}, nil, nil
}

// NewServer registers the session tools against reg.
func NewServer(reg *session.Registry, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "voicelab", Version: version}, nil)
	h := &handlers{reg: reg}

	sdk.AddTool(server, &sdk.Tool{Name: ToolListSessions, Description: "List live voice sessions"}, h.listSessions)
	sdk.AddTool(server, &sdk.Tool{Name: ToolCreateSession, Description: "Start a session without audio output"}, h.createSession)
	sdk.AddTool(server, &sdk.Tool{Name: ToolCloseSession, Description: "Close a session"}, h.closeSession)
	sdk.AddTool(server, &sdk.Tool{Name: ToolSessionHistory, Description: "Conversation history of a session"}, h.sessionHistory)
	sdk.AddTool(server, &sdk.Tool{Name: ToolSubmitText, Description: "Submit typed user input and trigger a reply"}, h.submitText)
	sdk.AddTool(server, &sdk.Tool{Name: ToolSubmitUtterance, Description: "Buffer a final speech-to-text utterance"}, h.submitUtterance)
	sdk.AddTool(server, &sdk.Tool{Name: ToolSpeak, Description: "Synthesize text directly into the session"}, h.speak)
	return server
}

type handlers struct {
	reg *session.Registry
}

func (h *handlers) lookup(id string) (*session.Session, error) {
	s, ok := h.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", session.ErrNotFound, id)
	}
	return s, nil
}

func (h *handlers) listSessions(ctx context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
	out := []SessionInfo{}
	for _, id := range h.reg.List() {
		s, ok := h.reg.Get(id)
		if !ok {
			continue
		}
		st := s.State()
		out = append(out, SessionInfo{
			ID:              id,
			CreatedAt:       s.CreatedAt(),
			BufferActive:    st.BufferActive,
			PendingSegments: len(st.PendingSegments),
			FlushScheduled:  st.FlushScheduled,
		})
	}
	return jsonResult(out)
}

func (h *handlers) createSession(ctx context.Context, _ *sdk.CallToolRequest, args createArgs) (*sdk.CallToolResult, any, error) {
	s, err := h.reg.Create(args.SessionID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(textResult{SessionID: s.ID()})
}

func (h *handlers) closeSession(ctx context.Context, _ *sdk.CallToolRequest, args sessionArgs) (*sdk.CallToolResult, any, error) {
	if err := h.reg.Remove(args.SessionID); err != nil {
		return errorResult(err)
	}
	return jsonResult(textResult{SessionID: args.SessionID})
}

func (h *handlers) sessionHistory(ctx context.Context, _ *sdk.CallToolRequest, args sessionArgs) (*sdk.CallToolResult, any, error) {
	s, err := h.lookup(args.SessionID)
	if err != nil {
		return errorResult(err)
	}
	items, err := s.History().Items(ctx)
	if err != nil {
		return errorResult(err)
	}
	if items == nil {
		items = []history.Item{}
	}
	return jsonResult(items)
}

func (h *handlers) submitText(ctx context.Context, _ *sdk.CallToolRequest, args textArgs) (*sdk.CallToolResult, any, error) {
	s, err := h.lookup(args.SessionID)
	if err != nil {
		return errorResult(err)
	}
	item, err := s.ManualText(ctx, args.Text)
	if err != nil {
		return errorResult(err)
	}
	logging.InfowCtx(ctx, "mcp: manual text submitted", "session_id", s.ID(), "item_id", item.ID)
	return jsonResult(textResult{SessionID: s.ID(), ItemID: item.ID})
}

func (h *handlers) submitUtterance(ctx context.Context, _ *sdk.CallToolRequest, args textArgs) (*sdk.CallToolResult, any, error) {
	s, err := h.lookup(args.SessionID)
	if err != nil {
		return errorResult(err)
	}
	if args.Text == "" {
		return errorResult(session.ErrEmptyText)
	}
	s.UtteranceEnd(args.Text)
	return jsonResult(textResult{SessionID: s.ID(), Buffered: true})
}

func (h *handlers) speak(ctx context.Context, _ *sdk.CallToolRequest, args textArgs) (*sdk.CallToolResult, any, error) {
	s, err := h.lookup(args.SessionID)
	if err != nil {
		return errorResult(err)
	}
	cid, err := s.Speak(ctx, args.Text)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(textResult{SessionID: s.ID(), CorrelationID: cid})
}
