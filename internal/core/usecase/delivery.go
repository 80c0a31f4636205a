package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type DeliveryPolicy struct {
	// MaxAttempts is the per-destination budget for one run.
	MaxAttempts int
	Delay       func(attempt int) time.Duration
	Concurrency int
	// CallTimeout bounds a single Deliver call; running out of it is a retryable failure.
	CallTimeout time.Duration
}

// DeliveryRouter fans a bundle out to every enabled destination. Each destination keeps
// its own record and retry budget, so one failing archive never blocks the others.
type DeliveryRouter struct {
	destinations []ports.Destination
	store        ports.DeliveryStore
	policy       DeliveryPolicy
	observer     ports.PipelineObserver
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

func NewDeliveryRouter(
	destinations []ports.Destination,
	store ports.DeliveryStore,
	policy DeliveryPolicy,
	observer ports.PipelineObserver,
	logger *slog.Logger,
) *DeliveryRouter {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultStageAttempts
	}
	if policy.Concurrency <= 0 {
		policy.Concurrency = len(destinations)
	}
	return &DeliveryRouter{
		destinations: destinations,
		store:        store,
		policy:       policy,
		observer:     observer,
		logger:       logger,
		sleep:        sleepContext,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Enabled lists the names of the configured destinations.
func (r *DeliveryRouter) Enabled() []string {
	names := make([]string, 0, len(r.destinations))
	for _, d := range r.destinations {
		names = append(names, d.Name())
	}
	return names
}

// Deliver returns the records of the enabled destinations and the aggregated document status.
func (r *DeliveryRouter) Deliver(ctx context.Context, bundle domain.Bundle) ([]domain.DeliveryRecord, domain.DocumentStatus, error) {
	refs := make([]ports.DestinationRef, 0, len(r.destinations))
	for _, d := range r.destinations {
		refs = append(refs, ports.DestinationRef{Name: d.Name(), Kind: d.Kind()})
	}
	existing, err := r.store.EnsureDeliveries(ctx, bundle.Checksum, refs)
	if err != nil {
		return nil, domain.StatusFailed, fmt.Errorf("ensure delivery records: %w", err)
	}
	byName := make(map[string]domain.DeliveryRecord, len(existing))
	for _, rec := range existing {
		byName[rec.Destination] = rec
	}

	results := make([]domain.DeliveryRecord, len(r.destinations))
	var g errgroup.Group
	g.SetLimit(r.policy.Concurrency)
	for i, dest := range r.destinations {
		rec, ok := byName[dest.Name()]
		if !ok {
			rec = domain.DeliveryRecord{
				Checksum:    bundle.Checksum,
				Destination: dest.Name(),
				Kind:        dest.Kind(),
				Status:      domain.DeliveryPending,
			}
		}
		g.Go(func() error {
			out, err := r.deliverOne(ctx, dest, rec, bundle)
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, domain.StatusFailed, err
	}
	return results, domain.DeliveryOutcome(results, r.Enabled()), nil
}

func (r *DeliveryRouter) deliverOne(
	ctx context.Context,
	dest ports.Destination,
	rec domain.DeliveryRecord,
	bundle domain.Bundle,
) (domain.DeliveryRecord, error) {
	if rec.Status == domain.DeliveryDelivered {
		return rec, nil
	}
	log := r.logger.With("checksum", bundle.Checksum, "destination", dest.Name())

	for attempt := 1; ; attempt++ {
		rec.Status = domain.DeliveryDelivering
		rec.Attempts++
		rec.UpdatedAt = r.now()
		if err := r.store.SaveDelivery(ctx, rec); err != nil {
			return rec, fmt.Errorf("persist delivery %s: %w", dest.Name(), err)
		}

		ref, err := r.call(ctx, dest, bundle)
		if err == nil {
			rec.Status = domain.DeliveryDelivered
			rec.RemoteRef = ref
			rec.LastError = ""
			rec.UpdatedAt = r.now()
			r.observer.DeliveryFinished(dest.Name(), string(domain.DeliveryDelivered))
			log.Info("delivery_succeeded", "attempt", attempt, "remote_ref", ref)
			if err := r.store.SaveDelivery(context.WithoutCancel(ctx), rec); err != nil {
				return rec, fmt.Errorf("persist delivery %s: %w", dest.Name(), err)
			}
			return rec, nil
		}

		rec.LastError = err.Error()
		rec.UpdatedAt = r.now()
		class := domain.Classify(err)
		if ctx.Err() != nil || class == domain.ErrorClassCancelled {
			rec.Status = domain.DeliveryPending
			_ = r.store.SaveDelivery(context.WithoutCancel(ctx), rec)
			return rec, err
		}
		if class != domain.ErrorClassRetryable || attempt >= r.policy.MaxAttempts {
			rec.Status = domain.DeliveryFailed
			r.observer.DeliveryFinished(dest.Name(), string(domain.DeliveryFailed))
			log.Error("delivery_failed", "attempt", attempt, "error_class", class, "error", err)
			if err := r.store.SaveDelivery(ctx, rec); err != nil {
				return rec, fmt.Errorf("persist delivery %s: %w", dest.Name(), err)
			}
			return rec, nil
		}

		rec.Status = domain.DeliveryPending
		if err := r.store.SaveDelivery(ctx, rec); err != nil {
			return rec, fmt.Errorf("persist delivery %s: %w", dest.Name(), err)
		}
		wait := r.delay(attempt)
		log.Warn("retry_attempt", "attempt", attempt, "max_attempts", r.policy.MaxAttempts, "backoff_ms", wait.Milliseconds(), "error", err)
		if err := r.sleep(ctx, wait); err != nil {
			return rec, err
		}
	}
}

func (r *DeliveryRouter) call(ctx context.Context, dest ports.Destination, bundle domain.Bundle) (string, error) {
	if r.policy.CallTimeout <= 0 {
		return dest.Deliver(ctx, bundle)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()
	ref, err := dest.Deliver(callCtx, bundle)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", domain.WrapError(domain.ErrTemporary, "deliver "+dest.Name(), err)
	}
	return ref, err
}

func (r *DeliveryRouter) delay(attempt int) time.Duration {
	if r.policy.Delay == nil {
		return 0
	}
	return r.policy.Delay(attempt)
}
