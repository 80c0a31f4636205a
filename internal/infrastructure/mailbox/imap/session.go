package imap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

const gmailLabelsItem goimap.FetchItem = "X-GM-LABELS"

type session struct {
	client     *client.Client
	mailbox    domain.MailboxSource
	filter     AttachmentFilter
	logger     *slog.Logger
	gmail      bool
	gmailLabel string
}

// run executes fn and tears the connection down if ctx ends first; go-imap v1 has no
// context support of its own.
func (s *session) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.client.Terminate() })
	defer stop()

	err := fn()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// ListUnseen returns unread mails received on or after since. Bodies are fetched with
// BODY.PEEK so the server does not set \Seen.
func (s *session) ListUnseen(ctx context.Context, since time.Time) ([]domain.FetchedMessage, error) {
	var fetched []domain.FetchedMessage
	err := s.run(ctx, func() error {
		criteria := goimap.NewSearchCriteria()
		criteria.Since = since
		criteria.WithoutFlags = []string{goimap.SeenFlag}

		uids, err := s.client.UidSearch(criteria)
		if err != nil {
			return domain.WrapError(domain.ErrTemporary, "imap search", err)
		}
		if len(uids) == 0 {
			return nil
		}

		seqset := new(goimap.SeqSet)
		seqset.AddNum(uids...)
		section := &goimap.BodySectionName{Peek: true}
		items := []goimap.FetchItem{goimap.FetchUid, section.FetchItem()}
		if s.gmail {
			items = append(items, gmailLabelsItem)
		}

		messages := make(chan *goimap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, items, messages)
		}()

		for msg := range messages {
			if s.gmail && hasLabel(msg.Items[gmailLabelsItem], s.gmailLabel) {
				s.logger.Info("mailbox_message_already_labelled", slog.Uint64("uid", uint64(msg.Uid)))
				continue
			}
			body := msg.GetBody(section)
			if body == nil {
				s.logger.Warn("mailbox_message_without_body", slog.Uint64("uid", uint64(msg.Uid)))
				continue
			}
			parsed, err := parseMessage(body, s.filter)
			if err != nil {
				s.logger.Warn("mailbox_message_unreadable",
					slog.Uint64("uid", uint64(msg.Uid)),
					slog.String("error", err.Error()),
				)
			}
			parsed.UID = msg.Uid
			fetched = append(fetched, parsed)
		}

		if err := <-done; err != nil {
			return domain.WrapError(domain.ErrTemporary, "imap fetch", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// DeleteMessages flags the mails with the given Message-IDs as deleted and expunges
// them. It returns the ids that were found; ids no longer on the server are omitted.
func (s *session) DeleteMessages(ctx context.Context, messageIDs []string) ([]string, error) {
	var deleted []string
	err := s.run(ctx, func() error {
		seqset, found, err := s.lookup(messageIDs)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}

		flags := []interface{}{goimap.DeletedFlag}
		if err := s.client.UidStore(seqset, goimap.FormatFlagsOp(goimap.AddFlags, true), flags, nil); err != nil {
			return domain.WrapError(domain.ErrTemporary, "imap store deleted", err)
		}
		if err := s.expunge(seqset); err != nil {
			return domain.WrapError(domain.ErrTemporary, "imap expunge", err)
		}
		deleted = found
		return nil
	})
	return deleted, err
}

// uidExpunge is the UIDPLUS EXPUNGE; it is sent wrapped in a UID command.
type uidExpunge struct {
	seqset *goimap.SeqSet
}

func (c uidExpunge) Command() *goimap.Command {
	return &goimap.Command{Name: "EXPUNGE", Arguments: []interface{}{c.seqset}}
}

// expunge removes only the given uids when the server has UIDPLUS. A plain EXPUNGE
// also removes mail that other clients flagged \Deleted in the same folder.
func (s *session) expunge(seqset *goimap.SeqSet) error {
	uidplus, err := s.client.Support("UIDPLUS")
	if err != nil {
		return err
	}
	if !uidplus {
		s.logger.Debug("imap_expunge_folder_wide", slog.String("mailbox_id", s.mailbox.ID))
		return s.client.Expunge(nil)
	}
	status, err := s.client.Execute(&commands.Uid{Cmd: uidExpunge{seqset: seqset}}, nil)
	if err != nil {
		return err
	}
	return status.Err()
}

// MarkProcessed stars the mails and, on Gmail, applies the ingestion label so later
// polls and humans can tell them apart. Other servers only get the \Flagged star.
func (s *session) MarkProcessed(ctx context.Context, messageIDs []string) error {
	return s.run(ctx, func() error {
		seqset, found, err := s.lookup(messageIDs)
		if err != nil || len(found) == 0 {
			return err
		}
		flags := []interface{}{goimap.FlaggedFlag}
		if err := s.client.UidStore(seqset, goimap.FormatFlagsOp(goimap.AddFlags, true), flags, nil); err != nil {
			return domain.WrapError(domain.ErrTemporary, "imap store flagged", err)
		}
		if s.gmail {
			labels := []interface{}{s.gmailLabel}
			if err := s.client.UidStore(seqset, goimap.StoreItem("+X-GM-LABELS"), labels, nil); err != nil {
				return domain.WrapError(domain.ErrTemporary, "imap store label", err)
			}
		}
		return nil
	})
}

func (s *session) lookup(messageIDs []string) (*goimap.SeqSet, []string, error) {
	seqset := new(goimap.SeqSet)
	var found []string
	for _, id := range messageIDs {
		id = strings.Trim(strings.TrimSpace(id), "<>")
		if id == "" {
			continue
		}
		criteria := goimap.NewSearchCriteria()
		criteria.Header.Add("Message-Id", id)
		uids, err := s.client.UidSearch(criteria)
		if err != nil {
			return nil, nil, domain.WrapError(domain.ErrTemporary, "imap search message id", err)
		}
		if len(uids) == 0 {
			continue
		}
		seqset.AddNum(uids...)
		found = append(found, id)
	}
	return seqset, found, nil
}

func (s *session) Close() error {
	if err := s.client.Logout(); err != nil {
		_ = s.client.Terminate()
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func isGmail(host string) bool {
	return strings.Contains(strings.ToLower(host), "gmail")
}

func hasLabel(raw interface{}, label string) bool {
	values, ok := raw.([]interface{})
	if !ok {
		return false
	}
	for _, v := range values {
		if s, ok := v.(string); ok && strings.EqualFold(strings.Trim(s, `"`), label) {
			return true
		}
	}
	return false
}
