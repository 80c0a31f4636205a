package domain

import "time"

type TaskKind string

const (
	TaskProcessDocument TaskKind = "process_document"
	TaskPollMailbox     TaskKind = "poll_mailbox"
	TaskReleaseSource   TaskKind = "release_source"
	TaskRecoverStalled  TaskKind = "recover_stalled"
)

type QueueName string

const (
	QueueProcessing QueueName = "processing"
	QueueDefault    QueueName = "default"
)

// Queue routes long-running document work away from periodic triggers.
func (k TaskKind) Queue() QueueName {
	if k == TaskProcessDocument {
		return QueueProcessing
	}
	return QueueDefault
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskDuplicate TaskStatus = "duplicate"
	TaskRevoked   TaskStatus = "revoked"
)

type Task struct {
	ID         string     `json:"id"`
	Kind       TaskKind   `json:"kind"`
	Checksum   string     `json:"checksum,omitempty"`
	MailboxID  string     `json:"mailbox_id,omitempty"`
	Status     TaskStatus `json:"status,omitempty"`
	Revoked    bool       `json:"revoked,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
}
