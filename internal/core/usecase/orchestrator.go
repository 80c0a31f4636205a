package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/metadata"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

const (
	defaultStageAttempts = 3
	defaultOCRMinChars   = 20
	defaultLeaseTTL      = 15 * time.Minute
	maxStoredNameProbes  = 1000
)

var errTaskDeadline = errors.New("task timeout exceeded")

// StagePolicy holds the operational tuning of the stage state machine.
type StagePolicy struct {
	MaxAttempts map[domain.Stage]int
	// Delay returns the backoff after the given failed attempt (1-based).
	Delay        func(attempt int) time.Duration
	StageTimeout time.Duration
	OCRMinChars  int
	RefineOCR    bool
	LeaseTTL     time.Duration
}

func (p StagePolicy) maxAttempts(stage domain.Stage) int {
	if n := p.MaxAttempts[stage]; n > 0 {
		return n
	}
	return defaultStageAttempts
}

func (p StagePolicy) delay(attempt int) time.Duration {
	if p.Delay == nil {
		return 0
	}
	return p.Delay(attempt)
}

type OrchestratorDeps struct {
	Documents ports.DocumentStore
	Attempts  ports.AttemptStore
	Tasks     ports.TaskStore
	Leases    ports.LeaseStore
	Storage   ports.ObjectStorage
	Converter ports.Converter
	Inspector ports.PDFInspector
	Text      ports.TextExtractor
	// OCR is optional; without it scanned documents continue with whatever local text exists.
	OCR       ports.OCRService
	Metadata  ports.MetadataExtractor
	PDFWriter ports.PDFMetadataWriter
	Router    *DeliveryRouter
	Enqueuer  *TaskEnqueuer
	Observer  ports.PipelineObserver
	Logger    *slog.Logger
}

// Orchestrator drives one document through convert, extract_text, extract_metadata and
// deliver. Progress lives in the record store so a later task resumes from the first stage
// without persisted output.
type Orchestrator struct {
	deps     OrchestratorDeps
	policy   StagePolicy
	logger   *slog.Logger
	observer ports.PipelineObserver
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewOrchestrator(deps OrchestratorDeps, policy StagePolicy) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	if policy.OCRMinChars <= 0 {
		policy.OCRMinChars = defaultOCRMinChars
	}
	if policy.LeaseTTL <= 0 {
		policy.LeaseTTL = defaultLeaseTTL
	}
	return &Orchestrator{
		deps:     deps,
		policy:   policy,
		logger:   logger,
		observer: observer,
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func documentLeaseKey(checksum string) string {
	return "document:" + checksum
}

func (o *Orchestrator) Process(ctx context.Context, task domain.Task) error {
	if strings.TrimSpace(task.Checksum) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "process", errors.New("task has no checksum"))
	}
	log := o.logger.With("task_id", task.ID, "checksum", task.Checksum)

	revoked, err := o.deps.Tasks.IsTaskRevoked(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		log.Info("task_revoked_before_start")
		o.setTaskStatus(ctx, task.ID, domain.TaskRevoked)
		return o.cancelUnstarted(ctx, task)
	}

	leaseKey := documentLeaseKey(task.Checksum)
	acquired, err := o.deps.Leases.AcquireLease(ctx, leaseKey, task.ID, o.policy.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire document lease: %w", err)
	}
	if !acquired {
		log.Warn("document_lease_held")
		o.setTaskStatus(ctx, task.ID, domain.TaskFailed)
		return domain.WrapError(domain.ErrLeaseHeld, "process", fmt.Errorf("document %s", task.Checksum))
	}
	defer func() {
		if err := o.deps.Leases.ReleaseLease(context.WithoutCancel(ctx), leaseKey, task.ID); err != nil {
			log.Warn("document_lease_release_failed", "error", err)
		}
	}()

	doc, err := o.deps.Documents.GetDocument(ctx, task.Checksum)
	if err != nil {
		o.setTaskStatus(ctx, task.ID, domain.TaskFailed)
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status == domain.StatusCompleted {
		log.Info("document_already_completed")
		o.setTaskStatus(ctx, task.ID, domain.TaskDuplicate)
		return nil
	}

	doc.TaskID = task.ID
	o.setTaskStatus(ctx, task.ID, domain.TaskRunning)

	for {
		stage := doc.NextStage()
		if err := o.checkRevoked(ctx, task.ID); err != nil {
			return o.fail(ctx, task, doc, stage, err)
		}
		if ok, err := o.deps.Leases.AcquireLease(ctx, leaseKey, task.ID, o.policy.LeaseTTL); err != nil || !ok {
			if err == nil {
				err = domain.ErrLeaseHeld
			}
			return o.fail(ctx, task, doc, stage, fmt.Errorf("renew document lease: %w", err))
		}

		o.enterStage(ctx, doc, stage)
		if stage == domain.StageDeliver {
			return o.deliver(ctx, task, doc)
		}

		var stageErr error
		switch stage {
		case domain.StageConvert:
			stageErr = o.runStage(ctx, task, doc, stage, func(ctx context.Context) error { return o.convert(ctx, doc) })
		case domain.StageExtract:
			stageErr = o.runStage(ctx, task, doc, stage, func(ctx context.Context) error { return o.extractText(ctx, doc) })
		case domain.StageMetadata:
			stageErr = o.extractMetadata(ctx, task, doc)
		}
		if stageErr != nil {
			return o.fail(ctx, task, doc, stage, stageErr)
		}
		doc.UpdatedAt = o.now()
		if err := o.deps.Documents.SaveDocument(ctx, doc); err != nil {
			return o.fail(ctx, task, doc, stage, fmt.Errorf("persist %s output: %w", stage, err))
		}
		o.event(ctx, doc, stage, "stage_completed", "")
	}
}

// cancelUnstarted fails a document whose only task was revoked while queued, so the
// recovery sweep does not resurrect it.
func (o *Orchestrator) cancelUnstarted(ctx context.Context, task domain.Task) error {
	doc, err := o.deps.Documents.GetDocument(ctx, task.Checksum)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status.Terminal() || (doc.TaskID != "" && doc.TaskID != task.ID) {
		return nil
	}
	doc.Status = domain.StatusFailed
	doc.LastError = domain.CancelledError
	doc.UpdatedAt = o.now()
	if err := o.deps.Documents.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("mark document cancelled: %w", err)
	}
	o.event(ctx, doc, "", string(domain.StatusFailed), "cancelled before start")
	return nil
}

func (o *Orchestrator) checkRevoked(ctx context.Context, taskID string) error {
	revoked, err := o.deps.Tasks.IsTaskRevoked(ctx, taskID)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return domain.ErrCancelled
	}
	return nil
}

func (o *Orchestrator) enterStage(ctx context.Context, doc *domain.Document, stage domain.Stage) {
	doc.Status = stage.Status()
	doc.UpdatedAt = o.now()
	if err := o.deps.Documents.SaveDocument(ctx, doc); err != nil {
		o.logger.Warn("document_status_save_failed", "checksum", doc.Checksum, "stage", stage, "error", err)
	}
	o.logger.Info("stage_started", "checksum", doc.Checksum, "task_id", doc.TaskID, "stage", stage)
	o.event(ctx, doc, stage, "stage_started", "")
}

// runStage applies the stage retry budget. The attempt counter is persisted before each
// run; a new task opens a fresh window while the counter keeps growing.
func (o *Orchestrator) runStage(
	ctx context.Context,
	task domain.Task,
	doc *domain.Document,
	stage domain.Stage,
	fn func(context.Context) error,
) error {
	att, err := o.deps.Attempts.GetAttempt(ctx, doc.Checksum, stage)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	if att.TaskID != task.ID {
		att.TaskID = task.ID
		att.WindowStart = att.Attempts
	}
	maxAttempts := o.policy.maxAttempts(stage)

	for {
		att.Attempts++
		att.UpdatedAt = o.now()
		if err := o.deps.Attempts.SaveAttempt(ctx, att); err != nil {
			return fmt.Errorf("persist attempt: %w", err)
		}

		started := o.now()
		runErr := o.callStage(ctx, fn)
		elapsed := o.now().Sub(started)
		if runErr == nil {
			o.observer.StageFinished(stage, "success", elapsed)
			att.LastError = ""
			att.LastErrorClass = domain.ErrorClassNone
			att.NextEligibleAt = time.Time{}
			if err := o.deps.Attempts.SaveAttempt(ctx, att); err != nil {
				o.logger.Warn("attempt_save_failed", "checksum", doc.Checksum, "stage", stage, "error", err)
			}
			return nil
		}

		class := domain.Classify(runErr)
		o.observer.StageFinished(stage, string(class), elapsed)
		att.LastErrorClass = class
		att.LastError = runErr.Error()
		if class != domain.ErrorClassRetryable || att.Used() >= maxAttempts || ctx.Err() != nil {
			if err := o.deps.Attempts.SaveAttempt(context.WithoutCancel(ctx), att); err != nil {
				o.logger.Warn("attempt_save_failed", "checksum", doc.Checksum, "stage", stage, "error", err)
			}
			return runErr
		}

		wait := o.policy.delay(att.Used())
		att.NextEligibleAt = o.now().Add(wait)
		if err := o.deps.Attempts.SaveAttempt(ctx, att); err != nil {
			o.logger.Warn("attempt_save_failed", "checksum", doc.Checksum, "stage", stage, "error", err)
		}
		o.logger.Warn("retry_attempt",
			"checksum", doc.Checksum,
			"task_id", task.ID,
			"stage", stage,
			"attempt", att.Used(),
			"max_attempts", maxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", runErr,
		)
		if err := o.sleep(ctx, wait); err != nil {
			return err
		}
		if err := o.checkRevoked(ctx, task.ID); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) callStage(ctx context.Context, fn func(context.Context) error) error {
	if o.policy.StageTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, o.policy.StageTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, "stage", err)
	}
	return err
}

func (o *Orchestrator) convert(ctx context.Context, doc *domain.Document) error {
	raw, err := o.readObject(ctx, doc.RawRef)
	if err != nil {
		return err
	}

	var pdf []byte
	switch kind := domain.ClassifyMedia(doc.MimeType, doc.Filename); kind {
	case domain.MediaUnsupported:
		return domain.WrapError(domain.ErrUnsupportedMedia, "convert",
			fmt.Errorf("%s (%s)", doc.Filename, doc.MimeType))
	case domain.MediaPDF:
		pdf = raw
	default:
		if o.deps.Converter == nil {
			return domain.WrapError(domain.ErrUnsupportedMedia, "convert", errors.New("no converter configured"))
		}
		pdf, err = o.deps.Converter.ConvertToPDF(ctx, doc.Filename, doc.MimeType, raw)
		if err != nil {
			return err
		}
	}

	pages, err := o.deps.Inspector.Inspect(ctx, pdf)
	if err != nil {
		return err
	}
	key := canonicalKey(doc.Checksum)
	if err := o.deps.Storage.Save(ctx, key, bytes.NewReader(pdf)); err != nil {
		return fmt.Errorf("store canonical pdf: %w", err)
	}
	doc.CanonicalRef = key
	doc.PageCount = pages
	return nil
}

func (o *Orchestrator) extractText(ctx context.Context, doc *domain.Document) error {
	pdf, err := o.readObject(ctx, doc.CanonicalRef)
	if err != nil {
		return err
	}

	text, err := o.deps.Text.ExtractText(ctx, pdf)
	if err != nil {
		o.logger.Warn("local_text_extraction_failed", "checksum", doc.Checksum, "error", err)
		text = ""
	}
	text = strings.TrimSpace(text)
	source := domain.TextSourceLocal

	if utf8.RuneCountInString(text) < o.policy.OCRMinChars {
		if o.deps.OCR == nil {
			o.logger.Warn("ocr_unavailable", "checksum", doc.Checksum, "local_chars", utf8.RuneCountInString(text))
		} else {
			o.observer.OCREscalated()
			o.logger.Info("ocr_escalated", "checksum", doc.Checksum, "local_chars", utf8.RuneCountInString(text))
			result, err := o.deps.OCR.Recognize(ctx, pdf)
			if err != nil {
				return err
			}
			text = strings.TrimSpace(result.Text)
			source = domain.TextSourceOCR
			if len(result.SearchablePDF) > 0 {
				if err := o.deps.Storage.Save(ctx, doc.CanonicalRef, bytes.NewReader(result.SearchablePDF)); err != nil {
					return fmt.Errorf("store searchable pdf: %w", err)
				}
			}
			if o.policy.RefineOCR && o.deps.Metadata != nil {
				refined, err := o.deps.Metadata.Refine(ctx, text)
				if err != nil {
					o.logger.Warn("ocr_refine_failed", "checksum", doc.Checksum, "error", err)
				} else {
					text = refined
				}
			}
		}
	}

	doc.Text = text
	doc.TextSource = source
	doc.TextExtracted = true
	return nil
}

// extractMetadata never fails the document on its own: once the retry budget is spent
// the pipeline continues with filename-derived partial metadata.
func (o *Orchestrator) extractMetadata(ctx context.Context, task domain.Task, doc *domain.Document) error {
	var md domain.Metadata
	err := o.runStage(ctx, task, doc, domain.StageMetadata, func(ctx context.Context) error {
		out, err := o.deps.Metadata.Extract(ctx, doc.Text, doc.Filename)
		if err != nil {
			return err
		}
		md = out
		return nil
	})
	if err != nil {
		if domain.Classify(err) == domain.ErrorClassCancelled || ctx.Err() != nil {
			return err
		}
		o.logger.Warn("metadata_degraded", "checksum", doc.Checksum, "task_id", task.ID, "error", err)
		md = metadata.Degraded(doc.Filename)
	}
	if md.Partial {
		o.observer.MetadataDegraded()
	}

	pdf, err := o.readObject(ctx, doc.CanonicalRef)
	if err != nil {
		return err
	}
	if o.deps.PDFWriter != nil {
		embedded, err := o.deps.PDFWriter.Embed(ctx, pdf, md)
		if err != nil {
			o.logger.Warn("pdf_metadata_embed_failed", "checksum", doc.Checksum, "error", err)
		} else {
			pdf = embedded
		}
	}

	name, err := o.storeProcessed(ctx, metadata.StoredName(md), pdf)
	if err != nil {
		return err
	}
	doc.Metadata = &md
	doc.StoredName = name
	return nil
}

// storeProcessed claims a unique file name under processed/ by appending _1, _2, ...
func (o *Orchestrator) storeProcessed(ctx context.Context, name string, pdf []byte) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; i <= maxStoredNameProbes; i++ {
		err := o.deps.Storage.Create(ctx, processedKey(candidate), bytes.NewReader(pdf))
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("store processed pdf: %w", err)
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
	return "", fmt.Errorf("store processed pdf: no free name for %s", name)
}

func (o *Orchestrator) deliver(ctx context.Context, task domain.Task, doc *domain.Document) error {
	pdf, err := o.readObject(ctx, processedKey(doc.StoredName))
	if err != nil {
		return o.fail(ctx, task, doc, domain.StageDeliver, err)
	}
	sidecar, err := json.MarshalIndent(doc.Metadata, "", "  ")
	if err != nil {
		return o.fail(ctx, task, doc, domain.StageDeliver, fmt.Errorf("encode sidecar: %w", err))
	}
	bundle := domain.Bundle{
		Checksum: doc.Checksum,
		Filename: doc.StoredName,
		PDF:      pdf,
		Metadata: *doc.Metadata,
		Sidecar:  sidecar,
	}

	started := o.now()
	records, outcome, err := o.deps.Router.Deliver(ctx, bundle)
	o.observer.StageFinished(domain.StageDeliver, string(outcome), o.now().Sub(started))
	if err != nil {
		return o.fail(ctx, task, doc, domain.StageDeliver, err)
	}
	if outcome != domain.StatusCompleted {
		return o.fail(ctx, task, doc, domain.StageDeliver, deliveryFailure(records))
	}
	if len(o.deps.Router.Enabled()) == 0 {
		o.logger.Warn("no_destinations_enabled", "checksum", doc.Checksum)
	}
	return o.complete(ctx, task, doc)
}

func deliveryFailure(records []domain.DeliveryRecord) error {
	var parts []string
	for _, r := range records {
		if r.Status != domain.DeliveryDelivered {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Destination, r.LastError))
		}
	}
	return domain.WrapError(domain.ErrRejected, "deliver", errors.New(strings.Join(parts, "; ")))
}

func (o *Orchestrator) complete(ctx context.Context, task domain.Task, doc *domain.Document) error {
	doc.Status = domain.StatusCompleted
	doc.FailedStage = ""
	doc.LastError = ""
	doc.UpdatedAt = o.now()
	if err := o.deps.Documents.SaveDocument(ctx, doc); err != nil {
		o.setTaskStatus(ctx, task.ID, domain.TaskFailed)
		return fmt.Errorf("persist completion: %w", err)
	}
	o.event(ctx, doc, domain.StageDeliver, string(domain.StatusCompleted), "")
	o.observer.DocumentFinished(domain.StatusCompleted)
	o.setTaskStatus(ctx, task.ID, domain.TaskSucceeded)
	o.logger.Info("document_completed", "checksum", doc.Checksum, "task_id", task.ID, "stored_name", doc.StoredName)
	o.requestRelease(ctx, doc)
	return nil
}

// fail records the terminal outcome of this run. Worker shutdown leaves the document
// untouched so the recovery sweep resumes it.
func (o *Orchestrator) fail(ctx context.Context, task domain.Task, doc *domain.Document, stage domain.Stage, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) && !errors.Is(cause, domain.ErrCancelled) {
		o.logger.Warn("document_interrupted", "checksum", doc.Checksum, "task_id", task.ID, "stage", stage)
		return cause
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %w", errTaskDeadline, cause)
	}

	bg := context.WithoutCancel(ctx)
	taskStatus := domain.TaskFailed
	lastError := cause.Error()
	if errors.Is(cause, domain.ErrCancelled) {
		taskStatus = domain.TaskRevoked
		lastError = domain.CancelledError
	}

	doc.Status = domain.StatusFailed
	doc.FailedStage = stage
	doc.LastError = lastError
	doc.UpdatedAt = o.now()
	if err := o.deps.Documents.SaveDocument(bg, doc); err != nil {
		o.logger.Error("document_status_save_failed", "checksum", doc.Checksum, "error", err)
	}
	o.event(bg, doc, stage, string(domain.StatusFailed), lastError)
	o.observer.DocumentFinished(domain.StatusFailed)
	o.setTaskStatus(bg, task.ID, taskStatus)
	o.logger.Error("stage_failed",
		"checksum", doc.Checksum,
		"task_id", task.ID,
		"stage", stage,
		"error_class", domain.Classify(cause),
		"error", cause,
	)
	o.requestRelease(bg, doc)
	return cause
}

// requestRelease lets the mailbox side settle the source message once the document is terminal.
func (o *Orchestrator) requestRelease(ctx context.Context, doc *domain.Document) {
	mailboxID, ok := domain.MailboxID(doc.Source)
	if !ok || o.deps.Enqueuer == nil {
		return
	}
	if _, err := o.deps.Enqueuer.Enqueue(ctx, domain.TaskReleaseSource, doc.Checksum, mailboxID); err != nil {
		o.logger.Warn("release_enqueue_failed", "checksum", doc.Checksum, "mailbox_id", mailboxID, "error", err)
	}
}

func (o *Orchestrator) readObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := o.deps.Storage.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (o *Orchestrator) setTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) {
	if err := o.deps.Tasks.UpdateTaskStatus(ctx, taskID, status); err != nil {
		o.logger.Warn("task_status_save_failed", "task_id", taskID, "status", status, "error", err)
	}
}

func (o *Orchestrator) event(ctx context.Context, doc *domain.Document, stage domain.Stage, status, message string) {
	err := o.deps.Documents.AppendEvent(ctx, domain.ProcessingEvent{
		Checksum: doc.Checksum,
		TaskID:   doc.TaskID,
		Stage:    stage,
		Status:   status,
		Message:  message,
		At:       o.now(),
	})
	if err != nil {
		o.logger.Warn("event_append_failed", "checksum", doc.Checksum, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

type nopObserver struct{}

func (nopObserver) StageFinished(domain.Stage, string, time.Duration) {}
func (nopObserver) DeliveryFinished(string, string) {}
func (nopObserver) OCREscalated() {}
func (nopObserver) MetadataDegraded() {}
func (nopObserver) DocumentFinished(domain.DocumentStatus) {}
func (nopObserver) MailboxPolled(string, string) {}
func (nopObserver) TaskStarted(domain.TaskKind, time.Duration) {}
func (nopObserver) TaskFinished(domain.TaskKind, time.Duration, error) {}
