package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/interview-voice-lab/internal/history"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/voice"
)

// Transcript is the payload of a committed user turn.
type Transcript struct {
	SessionID     string `json:"session_id"`
	ItemID        string `json:"item_id"`
	Role          string `json:"role"`
	Text          string `json:"transcript"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedUTC    string `json:"created_utc"`
}

func newTranscript(sessionID string, item history.Item, correlationID string) Transcript {
	return Transcript{
		SessionID:     sessionID,
		ItemID:        item.ID,
		Role:          item.Role,
		Text:          item.Text,
		CorrelationID: correlationID,
		CreatedUTC:    item.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Publisher receives every user item the turn gate lets through.
type Publisher interface {
	Publish(ctx context.Context, t Transcript) error
}

// NopPublisher drops transcripts.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Transcript) error { return nil }

// HTTPPublisher POSTs each transcript as JSON, typically to TEXT_FORWARD_URL.
type HTTPPublisher struct {
	URL       string
	AuthToken string
	Attempts  int
	Client    *http.Client
}

// NewHTTPPublisher returns a publisher with a per-request timeout.
func NewHTTPPublisher(url, authToken string, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPublisher{
		URL:       url,
		AuthToken: authToken,
		Attempts:  3,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, t Transcript) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	resp, err := voice.PostWithRetries(ctx, p.Client, p.URL, b, p.AuthToken, p.Attempts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("text forward returned status %d", resp.StatusCode)
	}
	logging.DebugwCtx(ctx, "session: forwarded transcript", "status", resp.StatusCode, "item_id", t.ItemID)
	return nil
}
