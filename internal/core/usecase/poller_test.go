package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type sessionFake struct {
	mu        sync.Mutex
	messages  []domain.FetchedMessage
	since     time.Time
	deleted   []string
	processed []string
	onServer  map[string]bool
	closed    bool
}

func (s *sessionFake) ListUnseen(_ context.Context, since time.Time) ([]domain.FetchedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = since
	return s.messages, nil
}

func (s *sessionFake) DeleteMessages(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []string
	for _, id := range ids {
		if s.onServer == nil || s.onServer[id] {
			found = append(found, id)
		}
	}
	s.deleted = append(s.deleted, found...)
	return found, nil
}

func (s *sessionFake) MarkProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, ids...)
	return nil
}

func (s *sessionFake) Close() error {
	s.closed = true
	return nil
}

type connectorFake struct {
	session *sessionFake
	err     error
	calls   int
}

func (c *connectorFake) Connect(context.Context, domain.MailboxSource) (ports.MailboxSession, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

type seenFake struct {
	seen   map[string]time.Time
	pruned []time.Time
}

func (f *seenFake) Seen(_ context.Context, mailboxID, messageID string) (bool, error) {
	_, ok := f.seen[mailboxID+"/"+messageID]
	return ok, nil
}

func (f *seenFake) MarkSeen(_ context.Context, mailboxID, messageID string, at time.Time) error {
	if f.seen == nil {
		f.seen = make(map[string]time.Time)
	}
	f.seen[mailboxID+"/"+messageID] = at
	return nil
}

func (f *seenFake) Prune(_ context.Context, before time.Time) (int64, error) {
	f.pruned = append(f.pruned, before)
	return 0, nil
}

type pollerFixture struct {
	h         *pipelineHarness
	session   *sessionFake
	connector *connectorFake
	seen      *seenFake
	poller    *Poller
	now       time.Time
}

func newPollerFixture(t *testing.T, deleteAfter bool, dests ...*destinationFake) *pollerFixture {
	t.Helper()
	h := newPipelineHarness(t, StagePolicy{}, dests...)
	f := &pollerFixture{
		h:       h,
		session: &sessionFake{},
		seen:    &seenFake{},
		now:     time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.connector = &connectorFake{session: f.session}
	f.poller = NewPoller(PollerDeps{
		Mailboxes: []domain.MailboxSource{{
			ID: "imap1", Host: "imap.example.com", Port: 993, Username: "u", Password: "p",
			DeleteAfterProcess: deleteAfter,
		}},
		Connector:  f.connector,
		Seen:       f.seen,
		Intake:     h.submit,
		Sources:    h.store,
		Documents:  h.store,
		Deliveries: h.store,
		Leases:     h.store,
		Enabled:    h.router.Enabled,
		Observer:   h.observer,
	}, PollerOptions{})
	f.poller.now = func() time.Time { return f.now }
	return f
}

func pdfMessage(id, body string) domain.FetchedMessage {
	return domain.FetchedMessage{
		MessageID: id,
		UID:       7,
		Attachments: []domain.Attachment{{
			Filename: id + ".pdf",
			MimeType: "application/pdf",
			Data:     []byte(scannedPDF + body),
		}},
	}
}

func TestPollSubmitsAttachmentsAndSkipsSeenMessages(t *testing.T) {
	f := newPollerFixture(t, true, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	f.session.messages = []domain.FetchedMessage{
		pdfMessage("m1@example.com", "1"),
		{MessageID: "", Attachments: pdfMessage("x", "x").Attachments},
	}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if want := f.now.Add(-3 * 24 * time.Hour); !f.session.since.Equal(want) {
		t.Fatalf("expected lookback since %v, got %v", want, f.session.since)
	}
	if len(f.h.queue.published) != 1 {
		t.Fatalf("expected one enqueued document, got %d", len(f.h.queue.published))
	}
	task := f.h.queue.published[0]
	doc := f.h.store.document(task.Checksum)
	if doc.Source != domain.MailboxChannel("imap1") {
		t.Fatalf("expected mailbox source, got %s", doc.Source)
	}
	src := f.h.store.source("imap1", "m1@example.com")
	if src.State != domain.SourcePending || len(src.Checksums) != 1 || src.Checksums[0] != task.Checksum {
		t.Fatalf("unexpected source message: %+v", src)
	}
	if len(f.session.processed) != 1 || !f.session.closed {
		t.Fatalf("expected processed flag and logout, got %v closed=%v", f.session.processed, f.session.closed)
	}
	if len(f.seen.pruned) != 1 {
		t.Fatalf("expected seen cache pruning")
	}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(f.h.queue.published) != 1 {
		t.Fatalf("seen message must not be enqueued again")
	}
}

func TestPollConnectionFailureIsReportedOnce(t *testing.T) {
	f := newPollerFixture(t, true)
	f.connector.err = domain.WrapError(domain.ErrTemporary, "imap dial", errors.New("connection refused"))

	err := f.poller.Poll(context.Background(), "imap1")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if f.connector.calls != 1 {
		t.Fatalf("expected a single connection attempt per cycle, got %d", f.connector.calls)
	}
	if len(f.h.observer.polls) != 1 || f.h.observer.polls[0] != "imap1:connect_failed" {
		t.Fatalf("unexpected poll observations: %v", f.h.observer.polls)
	}
	if _, held := f.h.store.leases[mailboxLeaseKey("imap1")]; held {
		t.Fatalf("mailbox lease must be released")
	}
}

func TestPollSkipsWhenAnotherWorkerHoldsMailbox(t *testing.T) {
	f := newPollerFixture(t, true)
	_, _ = f.h.store.AcquireLease(context.Background(), mailboxLeaseKey("imap1"), "other", time.Minute)

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if f.connector.calls != 0 {
		t.Fatalf("expected no connection while the lease is held")
	}
}

func TestPollUnknownMailbox(t *testing.T) {
	f := newPollerFixture(t, true)
	if err := f.poller.Poll(context.Background(), "nope"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSourceDeletedOnlyAfterCompletion(t *testing.T) {
	f := newPollerFixture(t, true, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	f.session.messages = []domain.FetchedMessage{pdfMessage("m1@example.com", "1")}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(f.session.deleted) != 0 {
		t.Fatalf("message deleted before processing: %v", f.session.deleted)
	}

	task := f.h.queue.published[0]
	if err := f.h.process(t, task.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if err := f.poller.ReleaseSources(context.Background(), "imap1"); err != nil {
		t.Fatalf("ReleaseSources() error = %v", err)
	}
	if len(f.session.deleted) != 1 || f.session.deleted[0] != "m1@example.com" {
		t.Fatalf("expected deletion after completion, got %v", f.session.deleted)
	}
	if got := f.h.store.source("imap1", "m1@example.com").State; got != domain.SourceDeleted {
		t.Fatalf("expected deleted state, got %s", got)
	}
}

func TestFailedDocumentKeepsSourceMessage(t *testing.T) {
	bad := &destinationFake{name: "dropbox", kind: domain.DestinationCloudDrive,
		errs: []error{domain.WrapError(domain.ErrUnauthorized, "dropbox", errors.New("expired"))}}
	f := newPollerFixture(t, true, bad)
	f.session.messages = []domain.FetchedMessage{pdfMessage("m1@example.com", "1")}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	_ = f.h.process(t, f.h.queue.published[0].ID)
	if err := f.poller.ReleaseSources(context.Background(), "imap1"); err != nil {
		t.Fatalf("ReleaseSources() error = %v", err)
	}
	if len(f.session.deleted) != 0 {
		t.Fatalf("failed document must never delete its source")
	}
	if got := f.h.store.source("imap1", "m1@example.com").State; got != domain.SourceKept {
		t.Fatalf("expected kept state, got %s", got)
	}
}

func TestMailboxWithoutDeleteKeepsMessages(t *testing.T) {
	f := newPollerFixture(t, false, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	f.session.messages = []domain.FetchedMessage{pdfMessage("m1@example.com", "1")}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	_ = f.h.process(t, f.h.queue.published[0].ID)
	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(f.session.deleted) != 0 {
		t.Fatalf("delete-after-process is off, got deletions %v", f.session.deleted)
	}
	if got := f.h.store.source("imap1", "m1@example.com").State; got != domain.SourceKept {
		t.Fatalf("expected kept state, got %s", got)
	}
}

func TestMessageAlreadyGoneIsMarkedDeleted(t *testing.T) {
	f := newPollerFixture(t, true, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	f.session.messages = []domain.FetchedMessage{pdfMessage("m1@example.com", "1")}
	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	_ = f.h.process(t, f.h.queue.published[0].ID)

	f.session.onServer = map[string]bool{}
	if err := f.poller.ReleaseSources(context.Background(), "imap1"); err != nil {
		t.Fatalf("ReleaseSources() error = %v", err)
	}
	if got := f.h.store.source("imap1", "m1@example.com").State; got != domain.SourceDeleted {
		t.Fatalf("expected deleted state, got %s", got)
	}
}

// The source may only be deleted when the document completed and every enabled
// destination is delivered, whatever the combination of states in the record store.
func TestDeletionNeverPrecedesCompleteDelivery(t *testing.T) {
	docStates := []domain.DocumentStatus{
		domain.StatusReceived, domain.StatusConverting, domain.StatusExtractingText,
		domain.StatusExtractingMetadata, domain.StatusDelivering, domain.StatusCompleted, domain.StatusFailed,
	}
	deliveryStates := []domain.DeliveryStatus{
		domain.DeliveryPending, domain.DeliveryDelivering, domain.DeliveryDelivered, domain.DeliveryFailed,
	}
	a := &destinationFake{name: "a", kind: domain.DestinationObjectStorage}
	b := &destinationFake{name: "b", kind: domain.DestinationWebDAV}

	for _, docState := range docStates {
		for _, aState := range deliveryStates {
			for _, bState := range deliveryStates {
				name := fmt.Sprintf("%s/%s/%s", docState, aState, bState)
				f := newPollerFixture(t, true, a, b)
				checksum := helloChecksum
				ctx := context.Background()
				_, _, _ = f.h.store.CreateOrGetDocument(ctx, &domain.Document{Checksum: checksum, Status: docState})
				_ = f.h.store.SaveDelivery(ctx, domain.DeliveryRecord{Checksum: checksum, Destination: "a", Status: aState})
				_ = f.h.store.SaveDelivery(ctx, domain.DeliveryRecord{Checksum: checksum, Destination: "b", Status: bState})
				_ = f.h.store.RecordSourceMessage(ctx, domain.SourceMessage{
					MailboxID: "imap1", MessageID: "m@x", Checksums: []string{checksum},
					DeleteAfterProcess: true, State: domain.SourcePending,
				})

				if err := f.poller.ReleaseSources(ctx, "imap1"); err != nil {
					t.Fatalf("%s: ReleaseSources() error = %v", name, err)
				}
				allowed := docState == domain.StatusCompleted &&
					aState == domain.DeliveryDelivered && bState == domain.DeliveryDelivered
				if deleted := len(f.session.deleted) > 0; deleted != allowed {
					t.Fatalf("%s: deleted=%v, allowed=%v", name, deleted, allowed)
				}
			}
		}
	}
}

type intakeFake struct {
	next  DocumentIntake
	fail  map[string]error
	calls map[string]int
}

func (f *intakeFake) SubmitDocument(ctx context.Context, req ports.SubmitRequest) (SubmitResult, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.Filename]++
	if err := f.fail[req.Filename]; err != nil {
		return SubmitResult{}, err
	}
	return f.next.SubmitDocument(ctx, req)
}

func twoAttachmentMessage(id string) domain.FetchedMessage {
	return domain.FetchedMessage{
		MessageID: id,
		UID:       9,
		Attachments: []domain.Attachment{
			{Filename: "a.pdf", MimeType: "application/pdf", Data: []byte(scannedPDF + "a")},
			{Filename: "b.pdf", MimeType: "application/pdf", Data: []byte(scannedPDF + "b")},
		},
	}
}

func processPublished(t *testing.T, f *pollerFixture) {
	t.Helper()
	for _, task := range f.h.queue.published {
		if task.Kind != domain.TaskProcessDocument {
			continue
		}
		if err := f.h.process(t, task.ID); err != nil {
			t.Fatalf("Process(%s) error = %v", task.ID, err)
		}
	}
}

func TestRejectedAttachmentKeepsSourceMessage(t *testing.T) {
	f := newPollerFixture(t, true, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	intake := &intakeFake{
		next: f.h.submit,
		fail: map[string]error{"b.pdf": domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("document exceeds 200 bytes"))},
	}
	f.poller.deps.Intake = intake
	f.session.messages = []domain.FetchedMessage{twoAttachmentMessage("m1@example.com")}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	src := f.h.store.source("imap1", "m1@example.com")
	if src.State != domain.SourceKept || len(src.Checksums) != 1 {
		t.Fatalf("expected kept source with one tracked document, got %+v", src)
	}

	processPublished(t, f)
	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(f.session.deleted) != 0 {
		t.Fatalf("mail with an unarchived attachment was deleted: %v", f.session.deleted)
	}
	if intake.calls["b.pdf"] != 1 {
		t.Fatalf("rejected attachment must not be retried, got %d submissions", intake.calls["b.pdf"])
	}
}

func TestTransientAttachmentFailureRetriesWithoutDeleting(t *testing.T) {
	f := newPollerFixture(t, true, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	intake := &intakeFake{
		next: f.h.submit,
		fail: map[string]error{"b.pdf": domain.WrapError(domain.ErrTemporary, "stage raw", errors.New("disk full"))},
	}
	f.poller.deps.Intake = intake
	f.session.messages = []domain.FetchedMessage{twoAttachmentMessage("m1@example.com")}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(f.session.processed) != 0 {
		t.Fatalf("message with a failed attachment must stay unseen, got %v", f.session.processed)
	}

	delete(intake.fail, "b.pdf")
	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	src := f.h.store.source("imap1", "m1@example.com")
	if len(src.Checksums) != 2 {
		t.Fatalf("expected checksums merged across polls, got %v", src.Checksums)
	}
	if src.State != domain.SourceKept {
		t.Fatalf("expected kept state, got %s", src.State)
	}

	processPublished(t, f)
	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("third Poll() error = %v", err)
	}
	if len(f.session.deleted) != 0 {
		t.Fatalf("kept message was deleted: %v", f.session.deleted)
	}
}

func TestUnreadableAttachmentKeepsSourceMessage(t *testing.T) {
	f := newPollerFixture(t, true, &destinationFake{name: "s3", kind: domain.DestinationObjectStorage})
	msg := pdfMessage("m1@example.com", "1")
	msg.Incomplete = true
	f.session.messages = []domain.FetchedMessage{msg}

	if err := f.poller.Poll(context.Background(), "imap1"); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	processPublished(t, f)
	if err := f.poller.ReleaseSources(context.Background(), "imap1"); err != nil {
		t.Fatalf("ReleaseSources() error = %v", err)
	}
	if len(f.session.deleted) != 0 {
		t.Fatalf("partially parsed mail was deleted: %v", f.session.deleted)
	}
	if got := f.h.store.source("imap1", "m1@example.com").State; got != domain.SourceKept {
		t.Fatalf("expected kept state, got %s", got)
	}
}
