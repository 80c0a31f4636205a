package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

// recordStoreFake mirrors the Postgres repositories in memory.
type recordStoreFake struct {
	mu         sync.Mutex
	docs       map[string]domain.Document
	attempts   map[string]domain.ProcessingAttempt
	deliveries map[string]domain.DeliveryRecord
	tasks      map[string]domain.Task
	taskOrder  []string
	leases     map[string]string
	sources    map[string]domain.SourceMessage
	events     []domain.ProcessingEvent
	stalled    []domain.Document
}

func newRecordStoreFake() *recordStoreFake {
	return &recordStoreFake{
		docs:       make(map[string]domain.Document),
		attempts:   make(map[string]domain.ProcessingAttempt),
		deliveries: make(map[string]domain.DeliveryRecord),
		tasks:      make(map[string]domain.Task),
		leases:     make(map[string]string),
		sources:    make(map[string]domain.SourceMessage),
	}
}

func (f *recordStoreFake) CreateOrGetDocument(_ context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.docs[doc.Checksum]; ok {
		out := existing
		return &out, false, nil
	}
	f.docs[doc.Checksum] = *doc
	out := *doc
	return &out, true, nil
}

func (f *recordStoreFake) GetDocument(_ context.Context, checksum string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[checksum]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("checksum %s", checksum))
	}
	return &doc, nil
}

func (f *recordStoreFake) SaveDocument(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[doc.Checksum]; !ok {
		return domain.ErrDocumentNotFound
	}
	f.docs[doc.Checksum] = *doc
	return nil
}

func (f *recordStoreFake) ListStalledDocuments(context.Context, time.Time, int) ([]domain.Document, error) {
	return f.stalled, nil
}

func (f *recordStoreFake) AppendEvent(_ context.Context, event domain.ProcessingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *recordStoreFake) ListEvents(_ context.Context, checksum string, limit int) ([]domain.ProcessingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProcessingEvent
	for _, e := range f.events {
		if e.Checksum == checksum {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *recordStoreFake) document(checksum string) domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[checksum]
}

func (f *recordStoreFake) GetAttempt(_ context.Context, checksum string, stage domain.Stage) (domain.ProcessingAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if att, ok := f.attempts[checksum+"/"+string(stage)]; ok {
		return att, nil
	}
	return domain.ProcessingAttempt{Checksum: checksum, Stage: stage}, nil
}

func (f *recordStoreFake) SaveAttempt(_ context.Context, att domain.ProcessingAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := att.Checksum + "/" + string(att.Stage)
	if prev, ok := f.attempts[key]; ok && prev.Attempts > att.Attempts {
		att.Attempts = prev.Attempts
	}
	f.attempts[key] = att
	return nil
}

func (f *recordStoreFake) ListAttempts(_ context.Context, checksum string) ([]domain.ProcessingAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProcessingAttempt
	for _, stage := range domain.Stages {
		if att, ok := f.attempts[checksum+"/"+string(stage)]; ok {
			out = append(out, att)
		}
	}
	return out, nil
}

func (f *recordStoreFake) attempt(checksum string, stage domain.Stage) domain.ProcessingAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[checksum+"/"+string(stage)]
}

func (f *recordStoreFake) EnsureDeliveries(_ context.Context, checksum string, destinations []ports.DestinationRef) ([]domain.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range destinations {
		key := checksum + "/" + d.Name
		if _, ok := f.deliveries[key]; !ok {
			f.deliveries[key] = domain.DeliveryRecord{
				Checksum:    checksum,
				Destination: d.Name,
				Kind:        d.Kind,
				Status:      domain.DeliveryPending,
			}
		}
	}
	return f.listDeliveriesLocked(checksum), nil
}

func (f *recordStoreFake) SaveDelivery(_ context.Context, rec domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rec.Checksum + "/" + rec.Destination
	if prev, ok := f.deliveries[key]; ok && prev.Attempts > rec.Attempts {
		rec.Attempts = prev.Attempts
	}
	f.deliveries[key] = rec
	return nil
}

func (f *recordStoreFake) ListDeliveries(_ context.Context, checksum string) ([]domain.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listDeliveriesLocked(checksum), nil
}

func (f *recordStoreFake) listDeliveriesLocked(checksum string) []domain.DeliveryRecord {
	var out []domain.DeliveryRecord
	for _, rec := range f.deliveries {
		if rec.Checksum == checksum {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func (f *recordStoreFake) delivery(checksum, destination string) domain.DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[checksum+"/"+destination]
}

func (f *recordStoreFake) CreateTask(_ context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = *task
	f.taskOrder = append(f.taskOrder, task.ID)
	return nil
}

func (f *recordStoreFake) GetTask(_ context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrTaskNotFound, "get task", fmt.Errorf("id %s", id))
	}
	return &task, nil
}

func (f *recordStoreFake) LatestTaskForChecksum(_ context.Context, checksum string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.taskOrder) - 1; i >= 0; i-- {
		task := f.tasks[f.taskOrder[i]]
		if task.Checksum == checksum && task.Kind == domain.TaskProcessDocument {
			return &task, nil
		}
	}
	return nil, domain.ErrTaskNotFound
}

func (f *recordStoreFake) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.Status = status
	f.tasks[id] = task
	return nil
}

func (f *recordStoreFake) RevokeTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.Revoked = true
	if task.Status == domain.TaskQueued {
		task.Status = domain.TaskRevoked
	}
	f.tasks[id] = task
	return nil
}

func (f *recordStoreFake) IsTaskRevoked(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Revoked, nil
}

func (f *recordStoreFake) task(id string) domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *recordStoreFake) tasksOfKind(kind domain.TaskKind) []domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, id := range f.taskOrder {
		if f.tasks[id].Kind == kind {
			out = append(out, f.tasks[id])
		}
	}
	return out
}

func (f *recordStoreFake) AcquireLease(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if holder, ok := f.leases[key]; ok && holder != owner {
		return false, nil
	}
	f.leases[key] = owner
	return true, nil
}

func (f *recordStoreFake) ReleaseLease(_ context.Context, key, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leases[key] == owner {
		delete(f.leases, key)
	}
	return nil
}

func (f *recordStoreFake) RecordSourceMessage(_ context.Context, msg domain.SourceMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := msg.MailboxID + "/" + msg.MessageID
	existing, ok := f.sources[key]
	if !ok {
		msg.Checksums = append([]string(nil), msg.Checksums...)
		f.sources[key] = msg
		return nil
	}
	for _, checksum := range msg.Checksums {
		if !slices.Contains(existing.Checksums, checksum) {
			existing.Checksums = append(existing.Checksums, checksum)
		}
	}
	if existing.State == domain.SourcePending && msg.State == domain.SourceKept {
		existing.State = domain.SourceKept
	}
	existing.UID = msg.UID
	existing.UpdatedAt = msg.UpdatedAt
	f.sources[key] = existing
	return nil
}

func (f *recordStoreFake) ListPendingSourceMessages(_ context.Context, mailboxID string) ([]domain.SourceMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SourceMessage
	for _, msg := range f.sources {
		if msg.MailboxID == mailboxID && msg.State == domain.SourcePending {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (f *recordStoreFake) MarkSourceMessage(_ context.Context, mailboxID, messageID string, state domain.SourceMessageState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := mailboxID + "/" + messageID
	msg, ok := f.sources[key]
	if !ok {
		return domain.ErrSourceNotFound
	}
	msg.State = state
	f.sources[key] = msg
	return nil
}

func (f *recordStoreFake) source(mailboxID, messageID string) domain.SourceMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[mailboxID+"/"+messageID]
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newStorageFake() *storageFake {
	return &storageFake{objects: make(map[string][]byte)}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Create(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; ok {
		return fmt.Errorf("create %s: %w", key, fs.ErrExist)
	}
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *storageFake) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

type queueFake struct {
	mu        sync.Mutex
	published []domain.Task
	err       error
}

func (f *queueFake) Publish(_ context.Context, task domain.Task) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, task)
	return nil
}

func (f *queueFake) Consume(context.Context, domain.QueueName, int, ports.TaskHandler) error {
	return errors.New("not implemented")
}

type converterFake struct {
	calls int
	err   error
}

func (f *converterFake) ConvertToPDF(_ context.Context, _ string, _ string, data []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("%PDF-converted\n"), data...), nil
}

type inspectorFake struct {
	pages int
	err   error
}

func (f *inspectorFake) Inspect(context.Context, []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.pages, nil
}

type textFake struct {
	text  string
	calls int
}

func (f *textFake) ExtractText(context.Context, []byte) (string, error) {
	f.calls++
	return f.text, nil
}

type ocrFake struct {
	mu         sync.Mutex
	text       string
	searchable []byte
	errs       []error
	calls      int
}

func (f *ocrFake) Recognize(context.Context, []byte) (ports.OCRResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return ports.OCRResult{}, err
		}
	}
	return ports.OCRResult{Text: f.text, SearchablePDF: f.searchable}, nil
}

type metadataFake struct {
	md       domain.Metadata
	err      error
	calls    int
	lastText string
}

func (f *metadataFake) Extract(_ context.Context, text, _ string) (domain.Metadata, error) {
	f.calls++
	f.lastText = text
	if f.err != nil {
		return domain.Metadata{}, f.err
	}
	return f.md, nil
}

func (f *metadataFake) Refine(_ context.Context, text string) (string, error) {
	return text, nil
}

type pdfWriterFake struct{}

func (pdfWriterFake) Embed(_ context.Context, pdf []byte, md domain.Metadata) ([]byte, error) {
	return append(append([]byte{}, pdf...), []byte("\n%title="+md.Title)...), nil
}

type destinationFake struct {
	name string
	kind domain.DestinationKind

	mu      sync.Mutex
	errs    []error
	calls   int
	bundles []domain.Bundle
	// onDeliver runs before the result is returned.
	onDeliver func()
}

func (f *destinationFake) Name() string                 { return f.name }
func (f *destinationFake) Kind() domain.DestinationKind { return f.kind }

func (f *destinationFake) Deliver(_ context.Context, bundle domain.Bundle) (string, error) {
	f.mu.Lock()
	f.calls++
	f.bundles = append(f.bundles, bundle)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
	}
	hook := f.onDeliver
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return f.name + ":" + bundle.Filename, nil
}

func (f *destinationFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type observerFake struct {
	mu               sync.Mutex
	ocrEscalations   int
	metadataDegraded int
	finished         []domain.DocumentStatus
	polls            []string
	deliveries       map[string]string
}

func (f *observerFake) StageFinished(domain.Stage, string, time.Duration) {}
func (f *observerFake) DeliveryFinished(destination, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliveries == nil {
		f.deliveries = make(map[string]string)
	}
	f.deliveries[destination] = outcome
}
func (f *observerFake) OCREscalated() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ocrEscalations++
}
func (f *observerFake) MetadataDegraded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataDegraded++
}
func (f *observerFake) DocumentFinished(status domain.DocumentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
}
func (f *observerFake) MailboxPolled(mailboxID, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, mailboxID+":"+outcome)
}
func (f *observerFake) TaskStarted(domain.TaskKind, time.Duration)         {}
func (f *observerFake) TaskFinished(domain.TaskKind, time.Duration, error) {}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
