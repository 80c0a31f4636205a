package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

const defaultMaxUploadBytes = 64 << 20

type SubmitResult struct {
	TaskID    string
	Checksum  string
	Duplicate bool
}

type SubmitUseCase struct {
	docs     ports.DocumentStore
	tasks    ports.TaskStore
	storage  ports.ObjectStorage
	enqueuer *TaskEnqueuer
	logger   *slog.Logger
	maxBytes int64
	now      func() time.Time
}

func NewSubmitUseCase(
	docs ports.DocumentStore,
	tasks ports.TaskStore,
	storage ports.ObjectStorage,
	enqueuer *TaskEnqueuer,
	logger *slog.Logger,
	maxBytes int64,
) *SubmitUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &SubmitUseCase{
		docs:     docs,
		tasks:    tasks,
		storage:  storage,
		enqueuer: enqueuer,
		logger:   logger,
		maxBytes: maxBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (uc *SubmitUseCase) Submit(ctx context.Context, req ports.SubmitRequest) (string, error) {
	result, err := uc.SubmitDocument(ctx, req)
	if err != nil {
		return "", err
	}
	return result.TaskID, nil
}

// SubmitDocument stages the bytes under their checksum and enqueues processing. Content
// that already completed is answered with a duplicate task and no new work; content that
// is already queued or running returns the active task.
func (uc *SubmitUseCase) SubmitDocument(ctx context.Context, req ports.SubmitRequest) (SubmitResult, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return SubmitResult{}, domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("filename is required"))
	}
	if req.Body == nil {
		return SubmitResult{}, domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("body is required"))
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, uc.maxBytes+1))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return SubmitResult{}, domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("empty document"))
	}
	if int64(len(data)) > uc.maxBytes {
		return SubmitResult{}, domain.WrapError(domain.ErrInvalidInput, "submit",
			fmt.Errorf("document exceeds %d bytes", uc.maxBytes))
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	source := req.Source
	if source == "" {
		source = domain.SourceUpload
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" || domain.BaseMediaType(mimeType) == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
			mimeType = byExt
		}
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	rawRef := rawKey(checksum)
	if err := uc.storage.Save(ctx, rawRef, bytes.NewReader(data)); err != nil {
		return SubmitResult{}, fmt.Errorf("stage raw bytes: %w", err)
	}

	now := uc.now()
	doc, created, err := uc.docs.CreateOrGetDocument(ctx, &domain.Document{
		Checksum:  checksum,
		Filename:  filename,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		Source:    source,
		RawRef:    rawRef,
		Status:    domain.StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create document record: %w", err)
	}

	if !created {
		if doc.Status == domain.StatusCompleted {
			task, err := uc.enqueuer.record(ctx, domain.TaskProcessDocument, checksum, domain.TaskDuplicate)
			if err != nil {
				return SubmitResult{}, err
			}
			uc.logger.Info("document_duplicate_submitted", "checksum", checksum, "task_id", task.ID, "source", source)
			return SubmitResult{TaskID: task.ID, Checksum: checksum, Duplicate: true}, nil
		}
		if active, ok := uc.activeTask(ctx, checksum); ok {
			return SubmitResult{TaskID: active.ID, Checksum: checksum}, nil
		}
		if doc.Status == domain.StatusFailed {
			// Resubmission: the orchestrator resumes from the first stage without output.
			doc.Status = domain.StatusReceived
			doc.FailedStage = ""
			doc.LastError = ""
		}
	}

	task, err := uc.enqueuer.Enqueue(ctx, domain.TaskProcessDocument, checksum, "")
	if err != nil {
		return SubmitResult{}, err
	}
	doc.TaskID = task.ID
	if err := uc.docs.SaveDocument(ctx, doc); err != nil {
		return SubmitResult{}, fmt.Errorf("link task to document: %w", err)
	}
	_ = uc.docs.AppendEvent(ctx, domain.ProcessingEvent{
		Checksum: checksum,
		TaskID:   task.ID,
		Status:   string(domain.StatusReceived),
		Message:  "submitted via " + source,
		At:       now,
	})
	uc.logger.Info("document_submitted", "checksum", checksum, "task_id", task.ID, "source", source, "filename", filename)
	return SubmitResult{TaskID: task.ID, Checksum: checksum}, nil
}

func (uc *SubmitUseCase) activeTask(ctx context.Context, checksum string) (*domain.Task, bool) {
	task, err := uc.tasks.LatestTaskForChecksum(ctx, checksum)
	if err != nil || task.Revoked {
		return nil, false
	}
	if task.Status == domain.TaskQueued || task.Status == domain.TaskRunning {
		return task, true
	}
	return nil, false
}

func rawKey(checksum string) string {
	return "raw/" + checksum
}

func canonicalKey(checksum string) string {
	return "canonical/" + checksum + ".pdf"
}

func processedKey(name string) string {
	return "processed/" + name
}
