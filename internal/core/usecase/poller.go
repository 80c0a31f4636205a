package usecase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

const (
	defaultLookback      = 3 * 24 * time.Hour
	defaultSeenRetention = 7 * 24 * time.Hour
	defaultPollLeaseTTL  = 10 * time.Minute
)

// DocumentIntake is the submit operation with the checksum exposed, which the poller
// needs to tie source messages to documents.
type DocumentIntake interface {
	SubmitDocument(ctx context.Context, req ports.SubmitRequest) (SubmitResult, error)
}

type PollerOptions struct {
	Lookback      time.Duration
	SeenRetention time.Duration
	LeaseTTL      time.Duration
}

type PollerDeps struct {
	Mailboxes  []domain.MailboxSource
	Connector  ports.MailboxConnector
	Seen       ports.SeenCache
	Intake     DocumentIntake
	Sources    ports.SourceMessageStore
	Documents  ports.DocumentStore
	Deliveries ports.DeliveryStore
	Leases     ports.LeaseStore
	// Enabled lists the destination names a completed document must be delivered to.
	Enabled  func() []string
	Observer ports.PipelineObserver
	Logger   *slog.Logger
}

type Poller struct {
	deps      PollerDeps
	mailboxes map[string]domain.MailboxSource
	options   PollerOptions
	owner     string
	logger    *slog.Logger
	observer  ports.PipelineObserver
	now       func() time.Time
}

func NewPoller(deps PollerDeps, options PollerOptions) *Poller {
	if options.Lookback <= 0 {
		options.Lookback = defaultLookback
	}
	if options.SeenRetention <= 0 {
		options.SeenRetention = defaultSeenRetention
	}
	if options.LeaseTTL <= 0 {
		options.LeaseTTL = defaultPollLeaseTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	if deps.Enabled == nil {
		deps.Enabled = func() []string { return nil }
	}
	byID := make(map[string]domain.MailboxSource, len(deps.Mailboxes))
	for _, mb := range deps.Mailboxes {
		byID[mb.ID] = mb
	}
	return &Poller{
		deps:      deps,
		mailboxes: byID,
		options:   options,
		owner:     "poller-" + uuid.NewString(),
		logger:    logger,
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func mailboxLeaseKey(mailboxID string) string {
	return "mailbox:" + mailboxID
}

func (p *Poller) mailbox(mailboxID string) (domain.MailboxSource, error) {
	mb, ok := p.mailboxes[mailboxID]
	if !ok {
		return domain.MailboxSource{}, domain.WrapError(domain.ErrInvalidInput, "poll", fmt.Errorf("unknown mailbox %q", mailboxID))
	}
	return mb, nil
}

// lock runs fn while holding the mailbox lease. It reports false when another worker holds it.
func (p *Poller) lock(ctx context.Context, mailboxID string, fn func() error) (bool, error) {
	key := mailboxLeaseKey(mailboxID)
	ok, err := p.deps.Leases.AcquireLease(ctx, key, p.owner, p.options.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("acquire mailbox lease: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := p.deps.Leases.ReleaseLease(context.WithoutCancel(ctx), key, p.owner); err != nil {
			p.logger.Warn("mailbox_lease_release_failed", "mailbox_id", mailboxID, "error", err)
		}
	}()
	return true, fn()
}

// Poll runs one cycle: list recent unseen mail, submit document attachments, then settle
// source messages whose documents are done. Connection failures end the cycle; the next
// scheduled poll tries again.
func (p *Poller) Poll(ctx context.Context, mailboxID string) error {
	mb, err := p.mailbox(mailboxID)
	if err != nil {
		return err
	}
	log := p.logger.With("mailbox_id", mailboxID)

	ran, err := p.lock(ctx, mailboxID, func() error {
		session, err := p.deps.Connector.Connect(ctx, mb)
		if err != nil {
			log.Error("mailbox_poll_failed", "phase", "connect", "error", err)
			p.observer.MailboxPolled(mailboxID, "connect_failed")
			return err
		}
		defer func() {
			if err := session.Close(); err != nil {
				log.Debug("mailbox_logout_failed", "error", err)
			}
		}()

		if err := p.ingest(ctx, mb, session); err != nil {
			log.Error("mailbox_poll_failed", "phase", "fetch", "error", err)
			p.observer.MailboxPolled(mailboxID, "fetch_failed")
			return err
		}
		p.observer.MailboxPolled(mailboxID, "success")

		if err := p.release(ctx, mb, session); err != nil {
			log.Warn("source_release_failed", "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		log.Info("mailbox_poll_skipped", "reason", "lease_held")
		p.observer.MailboxPolled(mailboxID, "skipped")
		return nil
	}

	if pruned, err := p.deps.Seen.Prune(ctx, p.now().Add(-p.options.SeenRetention)); err != nil {
		log.Warn("seen_cache_prune_failed", "error", err)
	} else if pruned > 0 {
		log.Debug("seen_cache_pruned", "rows", pruned)
	}
	return nil
}

func (p *Poller) ingest(ctx context.Context, mb domain.MailboxSource, session ports.MailboxSession) error {
	log := p.logger.With("mailbox_id", mb.ID)
	messages, err := session.ListUnseen(ctx, p.now().Add(-p.options.Lookback))
	if err != nil {
		return err
	}

	var handled []string
	for _, msg := range messages {
		if msg.MessageID == "" {
			log.Warn("mailbox_message_skipped", "uid", msg.UID, "reason", "missing_message_id")
			continue
		}
		seen, err := p.deps.Seen.Seen(ctx, mb.ID, msg.MessageID)
		if err != nil {
			return fmt.Errorf("seen cache lookup: %w", err)
		}
		if seen {
			continue
		}

		submitted := p.submitAttachments(ctx, mb, msg)
		complete := !msg.Incomplete && submitted.rejected == 0 && submitted.failed == 0
		if len(submitted.checksums) > 0 {
			// A mail is only deletable when every document it carries is tracked.
			state := domain.SourcePending
			if !mb.DeleteAfterProcess || !complete {
				state = domain.SourceKept
			}
			now := p.now()
			if err := p.deps.Sources.RecordSourceMessage(ctx, domain.SourceMessage{
				MailboxID:          mb.ID,
				MessageID:          msg.MessageID,
				UID:                msg.UID,
				Checksums:          submitted.checksums,
				DeleteAfterProcess: mb.DeleteAfterProcess,
				State:              state,
				CreatedAt:          now,
				UpdatedAt:          now,
			}); err != nil {
				return fmt.Errorf("record source message: %w", err)
			}
		}
		if !complete {
			log.Warn("mailbox_message_incomplete",
				"message_id", msg.MessageID,
				"submitted", len(submitted.checksums),
				"rejected", submitted.rejected,
				"failed", submitted.failed,
				"unreadable", msg.Incomplete,
			)
		}
		if submitted.failed > 0 {
			continue
		}
		if err := p.deps.Seen.MarkSeen(ctx, mb.ID, msg.MessageID, p.now()); err != nil {
			return fmt.Errorf("seen cache update: %w", err)
		}
		handled = append(handled, msg.MessageID)
	}

	if len(handled) > 0 {
		if err := session.MarkProcessed(ctx, handled); err != nil {
			log.Warn("mailbox_mark_processed_failed", "error", err)
		}
		log.Info("mailbox_poll_completed", "messages", len(handled))
	}
	return nil
}

type submittedAttachments struct {
	checksums []string
	// rejected attachments will never be accepted; failed ones may be on a later poll.
	rejected int
	failed   int
}

// submitAttachments hands every attachment to intake. A message with a failed
// attachment stays out of the seen cache and is retried on the next poll.
func (p *Poller) submitAttachments(ctx context.Context, mb domain.MailboxSource, msg domain.FetchedMessage) submittedAttachments {
	out := submittedAttachments{checksums: make([]string, 0, len(msg.Attachments))}
	for _, att := range msg.Attachments {
		result, err := p.deps.Intake.SubmitDocument(ctx, ports.SubmitRequest{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Source:   domain.MailboxChannel(mb.ID),
			Body:     bytes.NewReader(att.Data),
		})
		if err != nil {
			p.logger.Error("mailbox_attachment_submit_failed",
				"mailbox_id", mb.ID,
				"message_id", msg.MessageID,
				"filename", att.Filename,
				"error", err,
			)
			if domain.IsKind(err, domain.ErrInvalidInput) || domain.IsKind(err, domain.ErrUnsupportedMedia) {
				out.rejected++
			} else {
				out.failed++
			}
			continue
		}
		out.checksums = append(out.checksums, result.Checksum)
	}
	return out
}

// ReleaseSources settles pending source messages outside a poll cycle. It is a no-op
// while a poll holds the mailbox, since every poll sweeps on its own.
func (p *Poller) ReleaseSources(ctx context.Context, mailboxID string) error {
	mb, err := p.mailbox(mailboxID)
	if err != nil {
		return err
	}
	pending, err := p.deps.Sources.ListPendingSourceMessages(ctx, mailboxID)
	if err != nil {
		return fmt.Errorf("list pending source messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ran, err := p.lock(ctx, mailboxID, func() error {
		session, err := p.deps.Connector.Connect(ctx, mb)
		if err != nil {
			return err
		}
		defer session.Close()
		return p.release(ctx, mb, session)
	})
	if err != nil {
		return err
	}
	if !ran {
		p.logger.Info("source_release_deferred", "mailbox_id", mailboxID)
	}
	return nil
}

type releaseVerdict int

const (
	verdictWait releaseVerdict = iota
	verdictDelete
	verdictKeep
)

// release deletes source messages whose documents all completed with every enabled
// destination delivered. Messages with a failed document are kept for the operator.
func (p *Poller) release(ctx context.Context, mb domain.MailboxSource, session ports.MailboxSession) error {
	pending, err := p.deps.Sources.ListPendingSourceMessages(ctx, mb.ID)
	if err != nil {
		return fmt.Errorf("list pending source messages: %w", err)
	}

	var deletable []string
	for _, msg := range pending {
		verdict, err := p.verdict(ctx, msg)
		if err != nil {
			return err
		}
		switch {
		case verdict == verdictKeep:
			p.markSource(ctx, mb.ID, msg.MessageID, domain.SourceKept)
		case verdict == verdictDelete && mb.DeleteAfterProcess && msg.DeleteAfterProcess:
			deletable = append(deletable, msg.MessageID)
		case verdict == verdictDelete:
			p.markSource(ctx, mb.ID, msg.MessageID, domain.SourceKept)
		}
	}
	if len(deletable) == 0 {
		return nil
	}

	deleted, err := session.DeleteMessages(ctx, deletable)
	if err != nil {
		return fmt.Errorf("delete source messages: %w", err)
	}
	found := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		found[id] = true
	}
	for _, id := range deletable {
		if !found[id] {
			p.logger.Info("source_message_already_gone", "mailbox_id", mb.ID, "message_id", id)
		}
		p.markSource(ctx, mb.ID, id, domain.SourceDeleted)
	}
	p.logger.Info("source_messages_deleted", "mailbox_id", mb.ID, "count", len(deleted))
	return nil
}

func (p *Poller) verdict(ctx context.Context, msg domain.SourceMessage) (releaseVerdict, error) {
	if len(msg.Checksums) == 0 {
		return verdictWait, nil
	}
	enabled := p.deps.Enabled()
	anyFailed := false
	for _, checksum := range msg.Checksums {
		doc, err := p.deps.Documents.GetDocument(ctx, checksum)
		if err != nil {
			return verdictWait, fmt.Errorf("load document %s: %w", checksum, err)
		}
		switch doc.Status {
		case domain.StatusCompleted:
			records, err := p.deps.Deliveries.ListDeliveries(ctx, checksum)
			if err != nil {
				return verdictWait, fmt.Errorf("list deliveries %s: %w", checksum, err)
			}
			if domain.DeliveryOutcome(records, enabled) != domain.StatusCompleted {
				return verdictWait, nil
			}
		case domain.StatusFailed:
			anyFailed = true
		default:
			return verdictWait, nil
		}
	}
	if anyFailed {
		return verdictKeep, nil
	}
	return verdictDelete, nil
}

func (p *Poller) markSource(ctx context.Context, mailboxID, messageID string, state domain.SourceMessageState) {
	if err := p.deps.Sources.MarkSourceMessage(ctx, mailboxID, messageID, state); err != nil {
		p.logger.Warn("source_message_update_failed", "mailbox_id", mailboxID, "message_id", messageID, "state", state, "error", err)
	}
}
