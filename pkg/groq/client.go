// Package groq is a minimal client for Groq's OpenAI-compatible
// chat-completions endpoint.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"

	defaultTimeout = 30 * time.Second
)

// Message is one turn of a chat-completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithModel(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpc.Timeout = d
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		model:   DefaultModel,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat runs one chat completion and returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, msgs []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("groq: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("groq: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("groq: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("groq: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("groq: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("groq: api error (status %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("groq: unexpected status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("groq: response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// EnhanceMessage rewrites text before delivery. context describes the
// intent of the schedule and may be empty.
func (c *Client) EnhanceMessage(ctx context.Context, msgContext, text string) (string, error) {
	var b strings.Builder
	if msgContext != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", msgContext)
	}
	fmt.Fprintf(&b, "Message: %s\n\n", text)
	b.WriteString("Please improve this message to make it more natural and human-like while keeping the same meaning. Max 3 lines. Reply with the improved message only.")

	out, err := c.Chat(ctx, []Message{
		{Role: "system", Content: "You polish chat messages. Keep the sender's tone and language. Never add explanations."},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("groq: empty enhancement")
	}
	return out, nil
}

// Reply generates a conversational answer from prior turns. history is
// ordered oldest first with roles already assigned.
func (c *Client) Reply(ctx context.Context, history []Message) (string, error) {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, Message{
		Role:    "system",
		Content: "You are a helpful assistant replying in a chat. Keep replies short and conversational, max 3 lines. Match the language of the conversation.",
	})
	msgs = append(msgs, history...)

	out, err := c.Chat(ctx, msgs)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("groq: empty reply")
	}
	return out, nil
}
