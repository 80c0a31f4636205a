package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

// ErrorClassification tells the executor whether to call again and whether the failure
// counts against the remote's breaker.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor guards calls to one remote service per operation name. Converters, OCR and
// language model clients and destinations share one executor, so a failing archive
// trips only its own breaker.
type Executor struct {
	cfg     Config
	backoff Backoff
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(cfg Config, opts ...Option) *Executor {
	cfg = cfg.normalize()
	e := &Executor{
		cfg: cfg,
		backoff: Backoff{
			Base:       cfg.RetryInitialBackoff,
			Max:        cfg.RetryMaxBackoff,
			Multiplier: cfg.RetryMultiplier,
		},
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs fn under the operation's breaker with the configured in-call retries.
// A rejected call on an open breaker comes back as domain.ErrTemporary.
func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = ClassifyDomain
	}

	if !e.cfg.BreakerEnabled {
		return e.attempt(ctx, op, fn, classifier)
	}
	_, err := e.breaker(op, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, e.attempt(ctx, op, fn, classifier)
	})
	if IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, "circuit "+op, err)
	}
	return err
}

func (e *Executor) attempt(ctx context.Context, op string, fn func(context.Context) error, classifier ErrorClassifier) error {
	var err error
	for n := 1; ; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if n >= e.cfg.RetryMaxAttempts || !classifier(err).Retryable {
			return err
		}

		wait := e.backoff.Delay(n)
		e.logger.Warn("retry_attempt",
			"operation", op,
			"attempt", n,
			"max_attempts", e.cfg.RetryMaxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if Sleep(ctx, wait) != nil {
			return err
		}
	}
}

func (e *Executor) breaker(op string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[op]; ok {
		return cb
	}

	minRequests := e.cfg.BreakerMinRequests
	ratio := e.cfg.BreakerFailureRatio
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= minRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[op] = cb
	return cb
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// ClassifyDomain retries what the domain calls retryable. Faults in the document
// itself say nothing about the remote's health and never count against the breaker.
func ClassifyDomain(err error) ErrorClassification {
	switch domain.Classify(err) {
	case domain.ErrorClassNone, domain.ErrorClassCancelled, domain.ErrorClassValidation:
		return ErrorClassification{}
	case domain.ErrorClassRetryable:
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrUnsupportedMedia) ||
		errors.Is(err, domain.ErrCorruptInput) {
		return ErrorClassification{}
	}
	return ErrorClassification{RecordFailure: true}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
