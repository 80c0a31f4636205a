package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func TestWrapMapsStatusCodes(t *testing.T) {
	cases := map[int]error{
		http.StatusTooManyRequests:      domain.ErrTemporary,
		http.StatusBadGateway:           domain.ErrTemporary,
		http.StatusUnauthorized:         domain.ErrUnauthorized,
		http.StatusForbidden:            domain.ErrUnauthorized,
		http.StatusUnsupportedMediaType: domain.ErrUnsupportedMedia,
		http.StatusBadRequest:           domain.ErrRejected,
		http.StatusConflict:             domain.ErrRejected,
	}
	for code, want := range cases {
		err := Wrap("op", &StatusError{Service: "svc", Operation: "op", StatusCode: code, Status: http.StatusText(code)})
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", code, want, err)
		}
	}
}

func TestWrapKeepsCancellationAndDomainKinds(t *testing.T) {
	if err := Wrap("op", context.Canceled); domain.Classify(err) != domain.ErrorClassCancelled {
		t.Fatalf("expected cancelled class, got %v", err)
	}
	already := domain.WrapError(domain.ErrCorruptInput, "inspect", fmt.Errorf("bad xref"))
	if err := Wrap("op", already); err != already {
		t.Fatalf("expected domain error to pass through, got %v", err)
	}
	if err := Wrap("op", context.DeadlineExceeded); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected per-call deadline to be temporary, got %v", err)
	}
}

func TestClassifyStatusError(t *testing.T) {
	class := Classify(&StatusError{StatusCode: http.StatusServiceUnavailable})
	if !class.Retryable || !class.RecordFailure {
		t.Fatalf("expected retryable 503, got %+v", class)
	}
	class = Classify(&StatusError{StatusCode: http.StatusBadRequest})
	if class.Retryable || class.RecordFailure {
		t.Fatalf("expected non-retryable 400 without breaker failure, got %+v", class)
	}
}

func TestNewLimiterDisabledWhenUnset(t *testing.T) {
	if NewLimiter(0, 1) != nil {
		t.Fatalf("expected nil limiter")
	}
	if err := Wait(context.Background(), nil); err != nil {
		t.Fatalf("Wait() with nil limiter error = %v", err)
	}
	if NewLimiter(60, 0) == nil {
		t.Fatalf("expected limiter")
	}
}
