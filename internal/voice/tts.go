package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrEmptyText     = errors.New("tts: text is empty")
	ErrEmptyBody     = errors.New("tts: response has no body")
	ErrNotConfigured = errors.New("tts: client not configured")
)

// SynthesisError describes a rejected synthesis request.
type SynthesisError struct {
	Provider  string
	Status    int
	Message   string
	Cause     error
	Retryable bool
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("%s tts: status %d", e.Provider, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error { return e.Cause }

// Synthesizer opens a raw PCM byte stream for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// TTSClient calls a MiniMax style streaming text-to-audio endpoint that
// answers with little-endian 16-bit mono PCM.
type TTSClient struct {
	URL        string
	AuthToken  string
	GroupID    string
	Model      string
	VoiceID    string
	Speed      float64
	Vol        float64
	Pitch      int
	SampleRate int
	Bitrate    int
	Attempts   int
	Client     *http.Client
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Vol     float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type ttsRequest struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	Stream       bool         `json:"stream"`
	VoiceSetting voiceSetting `json:"voice_setting"`
	AudioSetting audioSetting `json:"audio_setting"`
}

func (t *TTSClient) endpoint() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("invalid tts url: %w", err)
	}
	if t.GroupID != "" {
		q := u.Query()
		q.Set("GroupId", t.GroupID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Synthesize posts text and returns the streaming response body. The body
// is bound to ctx; cancelling ctx aborts the read.
func (t *TTSClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if t == nil || t.URL == "" {
		return nil, ErrNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ttsRequest{
		Model:  t.Model,
		Text:   text,
		Stream: true,
		VoiceSetting: voiceSetting{
			VoiceID: t.VoiceID,
			Speed:   t.Speed,
			Vol:     t.Vol,
			Pitch:   t.Pitch,
		},
		AudioSetting: audioSetting{
			SampleRate: t.SampleRate,
			Bitrate:    t.Bitrate,
			Format:     "pcm",
			Channel:    1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := PostWithRetries(ctx, t.Client, endpoint, body, t.AuthToken, t.Attempts)
	if err != nil {
		return nil, &SynthesisError{Provider: "minimax", Message: "request failed", Cause: err, Retryable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &SynthesisError{
			Provider:  "minimax",
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(snippet)),
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, ErrEmptyBody
	}
	return resp.Body, nil
}
