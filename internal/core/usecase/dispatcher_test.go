package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

type processorFake struct{ tasks []domain.Task }

func (f *processorFake) Process(_ context.Context, task domain.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

type mailboxPollerFake struct {
	polled   []string
	released []string
	err      error
}

func (f *mailboxPollerFake) Poll(_ context.Context, mailboxID string) error {
	f.polled = append(f.polled, mailboxID)
	return f.err
}

func (f *mailboxPollerFake) ReleaseSources(_ context.Context, mailboxID string) error {
	f.released = append(f.released, mailboxID)
	return nil
}

type recovererFake struct{ calls int }

func (f *recovererFake) Recover(context.Context) (int, error) {
	f.calls++
	return 0, nil
}

func TestDispatcherRoutesByKind(t *testing.T) {
	store := newRecordStoreFake()
	proc, poller, rec := &processorFake{}, &mailboxPollerFake{}, &recovererFake{}
	d := NewDispatcher(proc, poller, rec, store, nil, nil, 0)
	ctx := context.Background()

	tasks := []domain.Task{
		{ID: "p", Kind: domain.TaskProcessDocument, Checksum: "c"},
		{ID: "m", Kind: domain.TaskPollMailbox, MailboxID: "imap1"},
		{ID: "r", Kind: domain.TaskReleaseSource, MailboxID: "imap2"},
		{ID: "s", Kind: domain.TaskRecoverStalled},
	}
	for i := range tasks {
		_ = store.CreateTask(ctx, &tasks[i])
		if err := d.Handle(ctx, tasks[i]); err != nil {
			t.Fatalf("Handle(%s) error = %v", tasks[i].Kind, err)
		}
	}
	if len(proc.tasks) != 1 || len(poller.polled) != 1 || len(poller.released) != 1 || rec.calls != 1 {
		t.Fatalf("unexpected routing: proc=%d poll=%v release=%v recover=%d",
			len(proc.tasks), poller.polled, poller.released, rec.calls)
	}
	if store.task("m").Status != domain.TaskSucceeded {
		t.Fatalf("expected poll task succeeded, got %s", store.task("m").Status)
	}
}

func TestDispatcherSkipsRevokedPeriodicTasks(t *testing.T) {
	store := newRecordStoreFake()
	poller := &mailboxPollerFake{}
	d := NewDispatcher(&processorFake{}, poller, &recovererFake{}, store, nil, nil, 0)
	ctx := context.Background()
	task := domain.Task{ID: "m", Kind: domain.TaskPollMailbox, MailboxID: "imap1", Status: domain.TaskQueued}
	_ = store.CreateTask(ctx, &task)
	_ = store.RevokeTask(ctx, "m")

	if err := d.Handle(ctx, task); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(poller.polled) != 0 {
		t.Fatalf("revoked poll must not run")
	}
}

func TestDispatcherMarksFailedTasks(t *testing.T) {
	store := newRecordStoreFake()
	poller := &mailboxPollerFake{err: errors.New("imap down")}
	d := NewDispatcher(&processorFake{}, poller, &recovererFake{}, store, nil, nil, 0)
	task := domain.Task{ID: "m", Kind: domain.TaskPollMailbox, MailboxID: "imap1"}
	_ = store.CreateTask(context.Background(), &task)

	if err := d.Handle(context.Background(), task); err == nil {
		t.Fatalf("expected error")
	}
	if store.task("m").Status != domain.TaskFailed {
		t.Fatalf("expected failed status, got %s", store.task("m").Status)
	}
}
