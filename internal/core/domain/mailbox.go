package domain

import "time"

// MailboxSource is loaded from configuration at start-up and never mutated.
type MailboxSource struct {
	ID                 string        `yaml:"id"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	TLS                bool          `yaml:"tls"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Folder             string        `yaml:"folder"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	DeleteAfterProcess bool          `yaml:"delete_after_process"`
}

func (m MailboxSource) Valid() bool {
	return m.ID != "" && m.Host != "" && m.Port > 0 && m.Username != "" && m.Password != ""
}

type SourceMessageState string

const (
	SourcePending SourceMessageState = "pending"
	SourceDeleted SourceMessageState = "deleted"
	SourceKept    SourceMessageState = "kept"
)

// SourceMessage ties a fetched mail to the documents produced from its attachments.
type SourceMessage struct {
	MailboxID          string             `json:"mailbox_id"`
	MessageID          string             `json:"message_id"`
	UID                uint32             `json:"uid"`
	Checksums          []string           `json:"checksums"`
	DeleteAfterProcess bool               `json:"delete_after_process"`
	State              SourceMessageState `json:"state"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Attachment is one document-bearing part of a fetched mail.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// FetchedMessage is a mail listed by a poll together with its document attachments.
// Incomplete is set when a document-bearing part could not be read in full, so the
// mail holds more than Attachments carries.
type FetchedMessage struct {
	MessageID   string
	UID         uint32
	Attachments []Attachment
	Incomplete  bool
}
