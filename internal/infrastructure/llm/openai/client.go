// Package openai talks to OpenAI-compatible chat completion endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
	Limiter            *rate.Limiter
}

func New(baseURL, apiKey, model string, options Options) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		limiter:    options.Limiter,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Temperature: 0,
	}
	if strings.TrimSpace(req.System) != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}

	var response chatResponse
	call := func(callCtx context.Context) error {
		if err := remote.Wait(callCtx, c.limiter); err != nil {
			return err
		}
		return c.post(callCtx, payload, &response)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai.chat", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", remote.Wrap("openai chat", err)
	}
	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrTemporary, "openai chat", fmt.Errorf("empty choices"))
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func (c *Client) post(ctx context.Context, payload chatRequest, out *chatResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return remote.NewStatusError("openai", "chat", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	return nil
}
