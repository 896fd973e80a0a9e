package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/interview-voice-lab/internal/metrics"
)

// Client talks to an OpenAI compatible chat completions endpoint. A
// transient failure on the primary model is retried once on FallbackModel.
type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokensCap  int
	HTTP          *http.Client
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type ChatResponse struct {
	ID      string
	Model   string
	Content string
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

const defaultMaxTokensCap = 4000

// NewClient returns a client for baseURL with a request timeout.
func NewClient(baseURL, apiKey, model, fallback string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000/v1"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		APIKey:        apiKey,
		Model:         model,
		FallbackModel: fallback,
		HTTP:          &http.Client{Timeout: timeout},
	}
}

func (c *Client) resolveModel(req ChatRequest) string {
	switch {
	case req.Model != "":
		return req.Model
	case c.Model != "":
		return c.Model
	case c.FallbackModel != "":
		return c.FallbackModel
	default:
		return "local"
	}
}

// CreateChatCompletion returns the first choice's message content.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := c.resolveModel(req)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	limit := c.MaxTokensCap
	if limit <= 0 {
		limit = defaultMaxTokensCap
	}
	if maxTokens > limit {
		maxTokens = limit
	}
	req.MaxTokens = maxTokens

	resp, err := c.post(ctx, model, req)
	if err != nil && errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != model {
		metrics.RecordLLMRequest("fallback")
		select {
		case <-ctx.Done():
			return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
		resp, err = c.post(ctx, c.FallbackModel, req)
	}
	switch {
	case err == nil:
		metrics.RecordLLMRequest("ok")
	case errors.Is(err, ErrPermanent):
		metrics.RecordLLMRequest("permanent")
	default:
		metrics.RecordLLMRequest("transient")
	}
	return resp, err
}

func (c *Client) post(ctx context.Context, model string, req ChatRequest) (ChatResponse, error) {
	req.Model = model
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: marshal: %v", ErrPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			ID      string `json:"id"`
			Choices []struct {
				Message Message `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ChatResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		content := ""
		if len(out.Choices) > 0 {
			content = out.Choices[0].Message.Content
		}
		return ChatResponse{ID: out.ID, Model: model, Content: content}, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return ChatResponse{}, fmt.Errorf("%w: model %s status %d", ErrTransient, model, resp.StatusCode)
	}
	return ChatResponse{}, fmt.Errorf("%w: model %s status %d", ErrPermanent, model, resp.StatusCode)
}
