package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

const defaultRecoveryInterval = 5 * time.Minute

// ScheduleEntry is one periodic trigger. Each mailbox gets its own entry and interval.
type ScheduleEntry struct {
	Name      string
	Kind      domain.TaskKind
	MailboxID string
	Interval  time.Duration
	LastRun   time.Time
}

func (e ScheduleEntry) due(now time.Time) bool {
	return e.LastRun.IsZero() || !now.Before(e.LastRun.Add(e.Interval))
}

// Scheduler enqueues periodic tasks. It never runs them inline; the caller supplies the
// clock so tests advance time explicitly.
type Scheduler struct {
	publisher TaskPublisher
	logger    *slog.Logger

	mu      sync.Mutex
	entries []ScheduleEntry
}

func NewScheduler(publisher TaskPublisher, logger *slog.Logger, mailboxes []domain.MailboxSource, recoveryInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if recoveryInterval <= 0 {
		recoveryInterval = defaultRecoveryInterval
	}
	entries := make([]ScheduleEntry, 0, len(mailboxes)+1)
	for _, mb := range mailboxes {
		interval := mb.PollInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		entries = append(entries, ScheduleEntry{
			Name:      "poll:" + mb.ID,
			Kind:      domain.TaskPollMailbox,
			MailboxID: mb.ID,
			Interval:  interval,
		})
	}
	entries = append(entries, ScheduleEntry{
		Name:     "recover_stalled",
		Kind:     domain.TaskRecoverStalled,
		Interval: recoveryInterval,
	})
	return &Scheduler{publisher: publisher, logger: logger, entries: entries}
}

// Entries returns a snapshot of the schedule.
func (s *Scheduler) Entries() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// RunDue enqueues every entry whose interval elapsed at now. An entry whose enqueue fails
// keeps its previous run time and fires again on the next tick.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enqueued := 0
	var errs []error
	for i := range s.entries {
		entry := &s.entries[i]
		if !entry.due(now) {
			continue
		}
		task, err := s.publisher.Enqueue(ctx, entry.Kind, "", entry.MailboxID)
		if err != nil {
			s.logger.Error("schedule_enqueue_failed", "entry", entry.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
			continue
		}
		entry.LastRun = now
		enqueued++
		s.logger.Debug("schedule_enqueued", "entry", entry.Name, "task_id", task.ID)
	}
	return enqueued, errors.Join(errs...)
}
