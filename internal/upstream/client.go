package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidCredentials means the upstream rejected our API key.
	ErrInvalidCredentials = errors.New("upstream rejected credentials")

	// ErrUpstreamRateLimited means the upstream throttled the request.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")

	// ErrStreamInterrupted means the stream ended before completion, either
	// by transport failure or by exceeding the idle-chunk timeout.
	ErrStreamInterrupted = errors.New("stream interrupted")
)

// Message is one role-tagged entry of the conversation sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is advisory token telemetry reported in-band by the provider. It is
// never used for ledger accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client streams chat completions from an OpenAI-compatible provider. Model
// and token cap are fixed server-side; client-supplied hints are ignored.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	idleTimeout time.Duration
	httpClient  *http.Client
}

type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	IdleTimeout time.Duration
}

func NewClient(opts Options) *Client {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		idleTimeout: idle,
		// No client-level timeout: it would cut streaming reads short. The
		// idle watchdog bounds stalls instead.
		httpClient: &http.Client{},
	}
}

type completionRequest struct {
	Model         string        `json:"model"`
	Messages      []Message     `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type upstreamError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends the conversation upstream and relays each incremental text
// fragment through onChunk as soon as it arrives. It returns the in-band
// token usage when the provider reports it. The sequence is forward-only
// and non-restartable; an onChunk error aborts the stream and is returned.
func (c *Client) Stream(ctx context.Context, messages []Message, onChunk func(string) error) (*Usage, error) {
	payload, err := json.Marshal(completionRequest{
		Model:         c.model,
		Messages:      messages,
		MaxTokens:     c.maxTokens,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, resp.Body)
	}

	// Cancel the request if no frame arrives within the idle window.
	watchdog := time.AfterFunc(c.idleTimeout, cancel)
	defer watchdog.Stop()

	var usage *Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		watchdog.Reset(c.idleTimeout)
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return usage, nil
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip unparseable frames rather than aborting a live stream.
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := onChunk(chunk.Choices[0].Delta.Content); err != nil {
				return usage, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
	}
	// The body ended without a [DONE] marker.
	return usage, ErrStreamInterrupted
}

func classifyStatus(status int, body io.Reader) error {
	msg := readErrorMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUpstreamRateLimited, msg)
	default:
		return fmt.Errorf("upstream returned %d: %s", status, msg)
	}
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 8*1024))
	if err != nil {
		return "unreadable error body"
	}
	var parsed upstreamError
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
