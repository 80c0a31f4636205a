package gcs

import (
	"context"
	"net/http"
	"testing"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"google.golang.org/api/googleapi"
)

type fakeWriter struct {
	objects map[string]string
	err     error
}

func (f *fakeWriter) WriteIfAbsent(_ context.Context, name, _ string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.objects[name]; ok {
		return &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "exists"}
	}
	f.objects[name] = string(data)
	return nil
}

func TestDeliverIsIdempotent(t *testing.T) {
	fake := &fakeWriter{objects: map[string]string{}}
	dest := newWithWriter(Config{Bucket: "archive", Prefix: "inbox"}, fake, nil)
	bundle := domain.Bundle{Filename: "a.pdf", PDF: []byte("%PDF"), Sidecar: []byte("{}")}

	ref, err := dest.Deliver(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if ref != "gs://archive/inbox/a.pdf" {
		t.Fatalf("unexpected ref %s", ref)
	}
	if _, err := dest.Deliver(context.Background(), bundle); err != nil {
		t.Fatalf("second Deliver() should treat 412 as delivered, got %v", err)
	}
	if len(fake.objects) != 2 {
		t.Fatalf("expected pdf and sidecar, got %+v", fake.objects)
	}
}

func TestDeliverMapsGoogleAPIErrors(t *testing.T) {
	dest := newWithWriter(Config{Bucket: "b"}, &fakeWriter{err: &googleapi.Error{Code: http.StatusForbidden}}, nil)
	if _, err := dest.Deliver(context.Background(), domain.Bundle{Filename: "a.pdf"}); !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	dest = newWithWriter(Config{Bucket: "b"}, &fakeWriter{err: &googleapi.Error{Code: http.StatusServiceUnavailable}}, nil)
	if _, err := dest.Deliver(context.Background(), domain.Bundle{Filename: "a.pdf"}); domain.Classify(err) != domain.ErrorClassRetryable {
		t.Fatalf("expected retryable, got %v", err)
	}
}
