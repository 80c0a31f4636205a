package nats

import (
	"testing"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func TestSubjectsRouteByTaskKind(t *testing.T) {
	subjects := Subjects{Processing: "documents.process", Default: "pipeline.default"}

	got, err := subjects.subject(domain.TaskProcessDocument.Queue())
	if err != nil || got != "documents.process" {
		t.Fatalf("expected processing subject, got %q err=%v", got, err)
	}
	got, err = subjects.subject(domain.TaskPollMailbox.Queue())
	if err != nil || got != "pipeline.default" {
		t.Fatalf("expected default subject, got %q err=%v", got, err)
	}
	if _, err := subjects.subject("bogus"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown queue, got %v", err)
	}
}

func TestTaskCodecRoundTripKeepsRouting(t *testing.T) {
	task := domain.Task{
		ID:         "task-1",
		Kind:       domain.TaskReleaseSource,
		MailboxID:  "imap1",
		EnqueuedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	payload, err := encodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeTask(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != task.ID || decoded.Kind != task.Kind || decoded.MailboxID != "imap1" {
		t.Fatalf("unexpected decoded task: %+v", decoded)
	}
	if !decoded.EnqueuedAt.Equal(task.EnqueuedAt) {
		t.Fatalf("expected enqueued_at preserved, got %s", decoded.EnqueuedAt)
	}
}

func TestDecodeTaskRejectsIncompletePayload(t *testing.T) {
	if _, err := decodeTask([]byte(`{"kind":"poll_mailbox"}`)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := decodeTask([]byte(`not-json`)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for garbage, got %v", err)
	}
}
