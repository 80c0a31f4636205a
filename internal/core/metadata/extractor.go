// Package metadata turns extracted document text into validated, normalised metadata
// using a language model.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type Options struct {
	// MaxReprompts bounds the stricter follow-up prompts after a rejected answer.
	MaxReprompts int
	// TextBudget is the rune budget for document text inside the prompt.
	TextBudget int
}

type Extractor struct {
	model        ports.LanguageModel
	chunker      ports.Chunker
	logger       *slog.Logger
	maxReprompts int
	textBudget   int
}

func NewExtractor(model ports.LanguageModel, chunker ports.Chunker, logger *slog.Logger, options Options) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	maxReprompts := options.MaxReprompts
	if maxReprompts < 0 {
		maxReprompts = 0
	}
	budget := options.TextBudget
	if budget <= 0 {
		budget = 12000
	}
	return &Extractor{
		model:        model,
		chunker:      chunker,
		logger:       logger,
		maxReprompts: maxReprompts,
		textBudget:   budget,
	}
}

// Extract asks the model for metadata and validates the answer. Malformed answers are
// re-prompted up to MaxReprompts times; after that the result degrades to filename-based
// metadata with Partial set and a nil error. Model call failures are returned as-is so the
// caller can retry or degrade under its own attempt budget.
func (e *Extractor) Extract(ctx context.Context, text, filename string) (domain.Metadata, error) {
	body := strings.TrimSpace(text)
	if e.chunker != nil {
		body = e.chunker.Fit(body, e.textBudget)
	}
	if body == "" {
		e.logger.Info("metadata_degraded", "reason", "empty_text", "filename", filename)
		return Degraded(filename), nil
	}

	prompt := buildPrompt(body, filename)
	var lastErr error
	for round := 0; round <= e.maxReprompts; round++ {
		req := ports.CompletionRequest{System: systemPrompt, Prompt: prompt, JSON: true}
		if lastErr != nil {
			req.Prompt = prompt + repromptSuffix(lastErr)
		}

		answer, err := e.model.Complete(ctx, req)
		if err != nil {
			return domain.Metadata{}, err
		}

		md, err := parseAnswer(answer)
		if err == nil {
			return md, nil
		}
		lastErr = err
		e.logger.Warn("metadata_payload_rejected",
			"filename", filename,
			"round", round+1,
			"error", err.Error(),
		)
	}

	e.logger.Info("metadata_degraded", "reason", "validation_exhausted", "filename", filename)
	return Degraded(filename), nil
}

func parseAnswer(answer string) (domain.Metadata, error) {
	payload, ok := extractJSON(answer)
	if !ok {
		return domain.Metadata{}, domain.WrapError(domain.ErrMetadataInvalid, "parse metadata", errors.New("no JSON object in answer"))
	}
	doc, err := decodeLenient(payload)
	if err != nil {
		return domain.Metadata{}, domain.WrapError(domain.ErrMetadataInvalid, "parse metadata", err)
	}
	if err := validate(doc); err != nil {
		return domain.Metadata{}, domain.WrapError(domain.ErrMetadataInvalid, "validate metadata", err)
	}
	md := fromDocument(doc)
	if md.Title == "" {
		return domain.Metadata{}, domain.WrapError(domain.ErrMetadataInvalid, "validate metadata", fmt.Errorf("title is blank"))
	}
	return md, nil
}

// Refine asks the model to clean OCR output. Text over the prompt budget is returned
// unchanged rather than truncated. Callers treat failures as non-fatal.
func (e *Extractor) Refine(ctx context.Context, text string) (string, error) {
	body := strings.TrimSpace(text)
	if body == "" || len([]rune(body)) > e.textBudget {
		return text, nil
	}
	out, err := e.model.Complete(ctx, ports.CompletionRequest{System: refineSystemPrompt, Prompt: body})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return text, nil
	}
	return out, nil
}
