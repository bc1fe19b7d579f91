package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lbds137/tzurot-sub012/internal/httpkit"
)

// httpDoer is the slice of *http.Client the chat client needs.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter, llama.cpp server, vLLM, and friends all speak it).
type ChatClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    httpDoer
	logger  *slog.Logger
}

// NewChatClient creates a client for the given base URL. The timeout is
// applied per invocation via context, independent of the underlying
// http.Client's own ceiling.
func NewChatClient(baseURL, apiKey string, timeout time.Duration, httpClient *http.Client, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    httpClient,
		logger:  logger.With("component", "llm"),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends one chat completion request. A deadline-exceeded failure
// is wrapped in ErrTimeout so callers can classify it without string
// matching.
func (c *ChatClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, time.Since(start).Round(time.Millisecond), err)
		}
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, fmt.Errorf("chat completion: %s: %s", resp.Status, strings.TrimSpace(errBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices in response")
	}

	choice := parsed.Choices[0]
	content, thinking := extractThinking(choice.Message.Content)
	if thinking == "" {
		if choice.Message.ReasoningContent != "" {
			thinking = choice.Message.ReasoningContent
		} else {
			thinking = choice.Message.Reasoning
		}
	}

	out := &Response{
		Content:         content,
		ThinkingContent: thinking,
		ModelUsed:       parsed.Model,
	}
	if out.ModelUsed == "" {
		out.ModelUsed = req.Model
	}
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}

	c.logger.Debug("chat completion finished",
		"model", out.ModelUsed,
		"durationMs", time.Since(start).Milliseconds(),
		"finishReason", choice.FinishReason,
		"contentLength", len(out.Content),
	)

	return out, nil
}

// extractThinking splits inline <think>...</think> blocks out of the
// visible content. Some reasoning models emit their chain of thought
// this way instead of using a dedicated response field.
func extractThinking(content string) (visible, thinking string) {
	const openTag, closeTag = "<think>", "</think>"

	start := strings.Index(content, openTag)
	if start < 0 {
		return content, ""
	}
	end := strings.Index(content[start:], closeTag)
	if end < 0 {
		// Unterminated block: treat everything after the tag as thinking.
		return strings.TrimSpace(content[:start]), strings.TrimSpace(content[start+len(openTag):])
	}
	end += start

	thinking = strings.TrimSpace(content[start+len(openTag) : end])
	visible = strings.TrimSpace(content[:start] + content[end+len(closeTag):])
	return visible, thinking
}

var _ Client = (*ChatClient)(nil)
