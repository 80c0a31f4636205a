package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

func newRouter(store *recordStoreFake, policy DeliveryPolicy, dests ...*destinationFake) *DeliveryRouter {
	targets := make([]ports.Destination, 0, len(dests))
	for _, d := range dests {
		targets = append(targets, d)
	}
	r := NewDeliveryRouter(targets, store, policy, nil, nil)
	r.sleep = noSleep
	return r
}

func testBundle() domain.Bundle {
	return domain.Bundle{
		Checksum: "abc",
		Filename: "2024-03-01_Invoice.pdf",
		PDF:      []byte("%PDF"),
		Metadata: domain.Metadata{Title: "Invoice"},
		Sidecar:  []byte(`{"title":"Invoice"}`),
	}
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	store := newRecordStoreFake()
	flaky := &destinationFake{name: "gcs", kind: domain.DestinationObjectStorage,
		errs: []error{domain.WrapError(domain.ErrTemporary, "gcs write", errors.New("503")), nil}}

	var delays []int
	r := newRouter(store, DeliveryPolicy{MaxAttempts: 3, Delay: func(attempt int) time.Duration {
		delays = append(delays, attempt)
		return time.Millisecond
	}}, flaky)

	records, outcome, err := r.Deliver(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if outcome != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	if records[0].Attempts != 2 || records[0].Status != domain.DeliveryDelivered || records[0].LastError != "" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if len(delays) != 1 || delays[0] != 1 {
		t.Fatalf("expected one backoff after attempt 1, got %v", delays)
	}
}

func TestRouterExhaustsPerDestinationBudget(t *testing.T) {
	store := newRecordStoreFake()
	down := &destinationFake{name: "webdav", kind: domain.DestinationWebDAV,
		errs: []error{domain.WrapError(domain.ErrTemporary, "webdav put", errors.New("502"))}}
	ok := &destinationFake{name: "fs", kind: domain.DestinationFilesystem}
	r := newRouter(store, DeliveryPolicy{MaxAttempts: 4}, down, ok)

	records, outcome, err := r.Deliver(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if outcome != domain.StatusFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	if down.callCount() != 4 {
		t.Fatalf("expected 4 attempts, got %d", down.callCount())
	}
	if records[0].Status != domain.DeliveryFailed || records[1].Status != domain.DeliveryDelivered {
		t.Fatalf("unexpected records: %+v", records)
	}
	if got := store.delivery("abc", "webdav"); got.Attempts != 4 || got.LastError == "" {
		t.Fatalf("unexpected persisted record: %+v", got)
	}
}

func TestRouterWithoutDestinationsCompletes(t *testing.T) {
	r := newRouter(newRecordStoreFake(), DeliveryPolicy{})
	records, outcome, err := r.Deliver(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if outcome != domain.StatusCompleted || len(records) != 0 {
		t.Fatalf("expected vacuous completion, got %s %v", outcome, records)
	}
}

func TestRouterStopsOnCancellation(t *testing.T) {
	store := newRecordStoreFake()
	ctx, cancel := context.WithCancel(context.Background())
	dest := &destinationFake{name: "s3", kind: domain.DestinationObjectStorage,
		errs: []error{domain.WrapError(domain.ErrTemporary, "s3", errors.New("timeout"))}}
	dest.onDeliver = cancel
	r := newRouter(store, DeliveryPolicy{MaxAttempts: 5}, dest)

	_, _, err := r.Deliver(ctx, testBundle())
	if err == nil {
		t.Fatalf("expected an error after cancellation")
	}
	if dest.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", dest.callCount())
	}
	if got := store.delivery("abc", "s3"); got.Status != domain.DeliveryPending {
		t.Fatalf("interrupted delivery should stay pending, got %s", got.Status)
	}
}

type hangingDestination struct {
	name  string
	calls int
}

func (d *hangingDestination) Name() string                 { return d.name }
func (d *hangingDestination) Kind() domain.DestinationKind { return domain.DestinationObjectStorage }

func (d *hangingDestination) Deliver(ctx context.Context, _ domain.Bundle) (string, error) {
	d.calls++
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRouterBoundsEachDeliveryCall(t *testing.T) {
	store := newRecordStoreFake()
	hung := &hangingDestination{name: "s3"}
	ok := &destinationFake{name: "nextcloud", kind: domain.DestinationWebDAV}
	r := NewDeliveryRouter([]ports.Destination{hung, ok}, store, DeliveryPolicy{
		MaxAttempts: 2,
		CallTimeout: 20 * time.Millisecond,
	}, nil, nil)
	r.sleep = noSleep

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, _, err := r.Deliver(ctx, testBundle())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("delivery ran until the task deadline")
	}
	if hung.calls != 2 {
		t.Fatalf("expected the timed-out call to be retried once, got %d calls", hung.calls)
	}
	hungRec := store.delivery("abc", "s3")
	if hungRec.Status != domain.DeliveryFailed || hungRec.Attempts != 2 || hungRec.LastError == "" {
		t.Fatalf("unexpected record for hung destination: %+v", hungRec)
	}
	if records[1].Status != domain.DeliveryDelivered {
		t.Fatalf("expected the healthy destination delivered, got %+v", records[1])
	}
}
