package ports

import (
	"context"
	"io"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

// SubmitRequest carries raw bytes from an ingestion source into the pipeline.
type SubmitRequest struct {
	Filename string
	MimeType string
	Source   string
	Body     io.Reader
}

// DocumentSubmitter is the enqueue contract used by the upload endpoint and the mailbox poller.
type DocumentSubmitter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// StatusReader resolves a checksum or task id into the document read model.
type StatusReader interface {
	GetStatus(ctx context.Context, ref string) (*domain.StatusView, error)
}

// TaskRevoker cancels queued or running tasks.
type TaskRevoker interface {
	Revoke(ctx context.Context, taskID string) error
}

// DocumentProcessor drives one document through the stage state machine.
type DocumentProcessor interface {
	Process(ctx context.Context, task domain.Task) error
}

// MailboxPoller runs one poll cycle for a configured mailbox.
type MailboxPoller interface {
	Poll(ctx context.Context, mailboxID string) error
	ReleaseSources(ctx context.Context, mailboxID string) error
}
