package ports

import (
	"context"
	"io"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

// DocumentStore persists documents keyed by checksum.
type DocumentStore interface {
	CreateOrGetDocument(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error)
	GetDocument(ctx context.Context, checksum string) (*domain.Document, error)
	SaveDocument(ctx context.Context, doc *domain.Document) error
	ListStalledDocuments(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Document, error)
	AppendEvent(ctx context.Context, event domain.ProcessingEvent) error
	ListEvents(ctx context.Context, checksum string, limit int) ([]domain.ProcessingEvent, error)
}

// AttemptStore persists per-stage retry bookkeeping.
type AttemptStore interface {
	GetAttempt(ctx context.Context, checksum string, stage domain.Stage) (domain.ProcessingAttempt, error)
	SaveAttempt(ctx context.Context, attempt domain.ProcessingAttempt) error
	ListAttempts(ctx context.Context, checksum string) ([]domain.ProcessingAttempt, error)
}

// DeliveryStore persists per-destination delivery state.
type DeliveryStore interface {
	EnsureDeliveries(ctx context.Context, checksum string, destinations []DestinationRef) ([]domain.DeliveryRecord, error)
	SaveDelivery(ctx context.Context, record domain.DeliveryRecord) error
	ListDeliveries(ctx context.Context, checksum string) ([]domain.DeliveryRecord, error)
}

type DestinationRef struct {
	Name string
	Kind domain.DestinationKind
}

// TaskStore persists queued units of work.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	LatestTaskForChecksum(ctx context.Context, checksum string) (*domain.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
	RevokeTask(ctx context.Context, id string) error
	IsTaskRevoked(ctx context.Context, id string) (bool, error)
}

// LeaseStore grants time-bounded exclusive ownership of a key.
// Acquiring a lease the caller already owns extends it.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// SourceMessageStore tracks mails whose deletion waits on document completion.
type SourceMessageStore interface {
	RecordSourceMessage(ctx context.Context, msg domain.SourceMessage) error
	ListPendingSourceMessages(ctx context.Context, mailboxID string) ([]domain.SourceMessage, error)
	MarkSourceMessage(ctx context.Context, mailboxID, messageID string, state domain.SourceMessageState) error
}

// ObjectStorage stages raw and processed bytes in the shared working directory.
// Create fails with an error matching fs.ErrExist when the key is taken.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Create(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// TaskHandler processes one dequeued task.
type TaskHandler func(ctx context.Context, task domain.Task) error

// TaskQueue distributes tasks across the worker pool.
type TaskQueue interface {
	Publish(ctx context.Context, task domain.Task) error
	Consume(ctx context.Context, queue domain.QueueName, workers int, handler TaskHandler) error
}

// Converter renders non-PDF input into PDF.
type Converter interface {
	ConvertToPDF(ctx context.Context, filename, mimeType string, data []byte) ([]byte, error)
}

// PDFInspector validates PDF structure and reports its page count.
type PDFInspector interface {
	Inspect(ctx context.Context, pdf []byte) (int, error)
}

// TextExtractor pulls embedded text out of a PDF without network calls.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

type OCRResult struct {
	Text string
	// SearchablePDF replaces the canonical PDF when the provider returns one.
	SearchablePDF []byte
}

// OCRService recognises text in scanned documents.
type OCRService interface {
	Recognize(ctx context.Context, pdf []byte) (OCRResult, error)
}

// CompletionRequest is one system+user exchange. JSON asks the model for a single JSON object.
type CompletionRequest struct {
	System string
	Prompt string
	JSON   bool
}

// LanguageModel is used for metadata extraction and OCR text refinement.
type LanguageModel interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// MetadataExtractor produces validated metadata from document text. Extract degrades to
// partial metadata on its own when the model keeps answering with invalid payloads.
type MetadataExtractor interface {
	Extract(ctx context.Context, text, filename string) (domain.Metadata, error)
	Refine(ctx context.Context, text string) (string, error)
}

// PDFMetadataWriter embeds metadata into the PDF document info.
type PDFMetadataWriter interface {
	Embed(ctx context.Context, pdf []byte, md domain.Metadata) ([]byte, error)
}

// Chunker fits text into a rune budget on chunk boundaries.
type Chunker interface {
	Fit(text string, budget int) string
}

// Destination delivers a finished bundle to one external archive.
type Destination interface {
	Name() string
	Kind() domain.DestinationKind
	Deliver(ctx context.Context, bundle domain.Bundle) (string, error)
}

// MailboxConnector opens sessions against a configured mailbox.
type MailboxConnector interface {
	Connect(ctx context.Context, mailbox domain.MailboxSource) (MailboxSession, error)
}

type MailboxSession interface {
	ListUnseen(ctx context.Context, since time.Time) ([]domain.FetchedMessage, error)
	DeleteMessages(ctx context.Context, messageIDs []string) ([]string, error)
	MarkProcessed(ctx context.Context, messageIDs []string) error
	Close() error
}

// SeenCache remembers Message-IDs already enqueued from a mailbox.
type SeenCache interface {
	Seen(ctx context.Context, mailboxID, messageID string) (bool, error)
	MarkSeen(ctx context.Context, mailboxID, messageID string, at time.Time) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// PipelineObserver receives pipeline outcomes for metrics.
type PipelineObserver interface {
	StageFinished(stage domain.Stage, outcome string, duration time.Duration)
	DeliveryFinished(destination, outcome string)
	OCREscalated()
	MetadataDegraded()
	DocumentFinished(status domain.DocumentStatus)
	MailboxPolled(mailboxID, outcome string)
	TaskStarted(kind domain.TaskKind, lag time.Duration)
	TaskFinished(kind domain.TaskKind, duration time.Duration, err error)
}
