// Package azure runs the prebuilt-read model of Azure AI Document Intelligence and
// fetches the searchable PDF it renders.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"golang.org/x/time/rate"
)

const (
	apiVersion = "2024-11-30"
	modelID    = "prebuilt-read"
)

type Client struct {
	endpoint     string
	key          string
	httpClient   *http.Client
	executor     *resilience.Executor
	limiter      *rate.Limiter
	pollInterval time.Duration
	maxPolls     int
}

type Options struct {
	Timeout            time.Duration
	PollInterval       time.Duration
	MaxPolls           int
	ResilienceExecutor *resilience.Executor
	Limiter            *rate.Limiter
}

func New(endpoint, key string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxPolls := options.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 90
	}
	return &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		key:          key,
		httpClient:   &http.Client{Timeout: timeout},
		executor:     options.ResilienceExecutor,
		limiter:      options.Limiter,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
	}
}

type analyzeOperation struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		Content string `json:"content"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Recognize(ctx context.Context, pdf []byte) (ports.OCRResult, error) {
	var result ports.OCRResult
	call := func(callCtx context.Context) error {
		if err := remote.Wait(callCtx, c.limiter); err != nil {
			return err
		}
		out, err := c.recognize(callCtx, pdf)
		if err != nil {
			return err
		}
		result = out
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "azure.read", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return ports.OCRResult{}, remote.Wrap("azure document intelligence", err)
	}
	return result, nil
}

func (c *Client) recognize(ctx context.Context, pdf []byte) (ports.OCRResult, error) {
	operationURL, err := c.submit(ctx, pdf)
	if err != nil {
		return ports.OCRResult{}, err
	}

	op, err := c.waitForResult(ctx, operationURL)
	if err != nil {
		return ports.OCRResult{}, err
	}
	text := ""
	if op.AnalyzeResult != nil {
		text = strings.TrimSpace(op.AnalyzeResult.Content)
	}

	searchable, err := c.fetchPDF(ctx, operationURL)
	if err != nil {
		return ports.OCRResult{}, err
	}
	return ports.OCRResult{Text: text, SearchablePDF: searchable}, nil
}

func (c *Client) submit(ctx context.Context, pdf []byte) (string, error) {
	analyzeURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s&output=pdf",
		c.endpoint, modelID, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, analyzeURL, bytes.NewReader(pdf))
	if err != nil {
		return "", fmt.Errorf("create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("azure analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", remote.NewStatusError("azure", "analyze", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	operationURL := resp.Header.Get("Operation-Location")
	if operationURL == "" {
		return "", domain.WrapError(domain.ErrTemporary, "azure analyze", fmt.Errorf("missing Operation-Location header"))
	}
	return operationURL, nil
}

func (c *Client) waitForResult(ctx context.Context, operationURL string) (analyzeOperation, error) {
	for poll := 0; poll < c.maxPolls; poll++ {
		var op analyzeOperation
		if err := c.getJSON(ctx, operationURL, &op); err != nil {
			return analyzeOperation{}, err
		}

		switch strings.ToLower(op.Status) {
		case "succeeded":
			return op, nil
		case "failed":
			code, message := "unknown", ""
			if op.Error != nil {
				code, message = op.Error.Code, op.Error.Message
			}
			if strings.EqualFold(code, "InvalidContent") || strings.EqualFold(code, "InvalidContentLength") {
				return analyzeOperation{}, domain.WrapError(domain.ErrCorruptInput, "azure analyze", fmt.Errorf("%s: %s", code, message))
			}
			return analyzeOperation{}, domain.WrapError(domain.ErrRejected, "azure analyze", fmt.Errorf("%s: %s", code, message))
		}

		if err := resilience.Sleep(ctx, c.pollInterval); err != nil {
			return analyzeOperation{}, err
		}
	}
	return analyzeOperation{}, domain.WrapError(domain.ErrTemporary, "azure analyze", fmt.Errorf("result not ready after %d polls", c.maxPolls))
}

// fetchPDF downloads the searchable PDF rendered for the finished operation.
func (c *Client) fetchPDF(ctx context.Context, operationURL string) ([]byte, error) {
	parsed, err := url.Parse(operationURL)
	if err != nil {
		return nil, fmt.Errorf("parse operation location: %w", err)
	}
	parsed.Path = path.Join(parsed.Path, "pdf")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create pdf request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure pdf request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, remote.NewStatusError("azure", "fetch pdf", resp)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read searchable pdf: %w", err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create poll request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("azure poll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return remote.NewStatusError("azure", "poll", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	return nil
}
