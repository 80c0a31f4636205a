package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"golang.org/x/time/rate"
)

// Client completes metadata prompts against an Ollama server in JSON mode.
type Client struct {
	baseURL    string
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

func New(baseURL, model string) *Client {
	return NewWithOptions(baseURL, model, Options{})
}

func NewWithOptions(baseURL, model string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		limiter:    options.Limiter,
	}
}

func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"system": req.System,
		"prompt": req.Prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0,
		},
	}
	if req.JSON {
		reqBody["format"] = "json"
	}

	var response struct {
		Response string `json:"response"`
	}
	call := func(callCtx context.Context) error {
		if err := remote.Wait(callCtx, c.limiter); err != nil {
			return err
		}
		return c.postJSON(callCtx, "/api/generate", reqBody, &response, "generate")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama.generate", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", remote.Wrap("ollama generate", err)
	}
	return strings.TrimSpace(response.Response), nil
}
