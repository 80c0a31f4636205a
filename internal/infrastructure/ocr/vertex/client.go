// Package vertex transcribes scanned PDFs with a Gemini model on Vertex AI.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultModel = "gemini-1.5-flash"

	systemPrompt = "You are an OCR engine. Transcribe every piece of text in the provided PDF exactly as printed."
	userPrompt   = `Return the plain text of the document in reading order.
Keep the original language. Separate pages with a blank line.
Do not summarise, translate or add commentary. Return only the transcribed text.`
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Client struct {
	base     *genai.Client
	model    contentGenerator
	executor *resilience.Executor
	limiter  *rate.Limiter
}

type Options struct {
	Model              string
	ResilienceExecutor *resilience.Executor
	Limiter            *rate.Limiter
}

func New(ctx context.Context, projectID, region string, options Options) (*Client, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex ocr: project id and region are required")
	}
	base, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	name := options.Model
	if name == "" {
		name = DefaultModel
	}
	model := base.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	return &Client{
		base:     base,
		model:    model,
		executor: options.ResilienceExecutor,
		limiter:  options.Limiter,
	}, nil
}

func (c *Client) Close() error {
	if c.base != nil {
		return c.base.Close()
	}
	return nil
}

// Recognize returns transcribed text only; Gemini does not render a searchable PDF.
func (c *Client) Recognize(ctx context.Context, pdf []byte) (ports.OCRResult, error) {
	var text string
	call := func(callCtx context.Context) error {
		if err := remote.Wait(callCtx, c.limiter); err != nil {
			return err
		}
		resp, err := c.model.GenerateContent(callCtx,
			genai.Blob{MIMEType: "application/pdf", Data: pdf},
			genai.Text(userPrompt),
		)
		if err != nil {
			return err
		}
		text = responseText(resp)
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "vertex.ocr", call, classifyVertexError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return ports.OCRResult{}, wrapVertexError(err)
	}
	return ports.OCRResult{Text: text}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

func classifyVertexError(err error) resilience.ErrorClassification {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		retryable := retryableCode(st.Code())
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	return remote.Classify(err)
}

func wrapVertexError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.Unknown {
		return remote.Wrap("vertex ocr", err)
	}
	switch {
	case retryableCode(st.Code()):
		return domain.WrapError(domain.ErrTemporary, "vertex ocr", err)
	case st.Code() == codes.Unauthenticated || st.Code() == codes.PermissionDenied:
		return domain.WrapError(domain.ErrUnauthorized, "vertex ocr", err)
	case st.Code() == codes.InvalidArgument:
		return domain.WrapError(domain.ErrCorruptInput, "vertex ocr", err)
	default:
		return domain.WrapError(domain.ErrRejected, "vertex ocr", err)
	}
}
