package domain

import (
	"encoding/hex"
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusReceived           DocumentStatus = "received"
	StatusConverting         DocumentStatus = "converting"
	StatusExtractingText     DocumentStatus = "extracting_text"
	StatusExtractingMetadata DocumentStatus = "extracting_metadata"
	StatusDelivering         DocumentStatus = "delivering"
	StatusCompleted          DocumentStatus = "completed"
	StatusFailed             DocumentStatus = "failed"
)

// Terminal reports whether no further stage transition is expected.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Stage string

const (
	StageConvert  Stage = "convert"
	StageExtract  Stage = "extract_text"
	StageMetadata Stage = "extract_metadata"
	StageDeliver  Stage = "deliver"
)

// Stages lists pipeline stages in execution order.
var Stages = []Stage{StageConvert, StageExtract, StageMetadata, StageDeliver}

// Status returns the document status that is active while the stage runs.
func (s Stage) Status() DocumentStatus {
	switch s {
	case StageConvert:
		return StatusConverting
	case StageExtract:
		return StatusExtractingText
	case StageMetadata:
		return StatusExtractingMetadata
	case StageDeliver:
		return StatusDelivering
	default:
		return StatusReceived
	}
}

type TextSource string

const (
	TextSourceNone  TextSource = ""
	TextSourceLocal TextSource = "local"
	TextSourceOCR   TextSource = "ocr"
)

const (
	SourceUpload        = "upload"
	sourceMailboxPrefix = "mailbox:"
)

// MailboxChannel builds the source channel value for a mailbox id.
func MailboxChannel(mailboxID string) string {
	return sourceMailboxPrefix + mailboxID
}

// MailboxID extracts the mailbox id from a source channel, if any.
func MailboxID(source string) (string, bool) {
	if !strings.HasPrefix(source, sourceMailboxPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(source, sourceMailboxPrefix)
	return id, id != ""
}

type Document struct {
	Checksum      string         `json:"checksum"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type"`
	SizeBytes     int64          `json:"size_bytes"`
	Source        string         `json:"source"`
	RawRef        string         `json:"raw_ref"`
	CanonicalRef  string         `json:"canonical_ref,omitempty"`
	PageCount     int            `json:"page_count,omitempty"`
	Text          string         `json:"-"`
	TextExtracted bool           `json:"text_extracted"`
	TextSource    TextSource     `json:"text_source,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
	StoredName    string         `json:"stored_name,omitempty"`
	Status        DocumentStatus `json:"status"`
	TaskID        string         `json:"task_id,omitempty"`
	FailedStage   Stage          `json:"failed_stage,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CancelledError is the last error recorded for a document whose task was revoked.
const CancelledError = "cancelled"

type FailureCause string

const (
	FailureNone       FailureCause = ""
	FailureCancelled  FailureCause = "cancelled"
	FailureProcessing FailureCause = "processing"
)

// FailureCause separates a revoked document from one that failed in a stage.
func (d *Document) FailureCause() FailureCause {
	switch {
	case d.Status != StatusFailed:
		return FailureNone
	case d.LastError == CancelledError:
		return FailureCancelled
	default:
		return FailureProcessing
	}
}

// NextStage derives the first stage whose output is not persisted yet.
func (d *Document) NextStage() Stage {
	switch {
	case d.CanonicalRef == "":
		return StageConvert
	case !d.TextExtracted:
		return StageExtract
	case d.Metadata == nil:
		return StageMetadata
	default:
		return StageDeliver
	}
}

// IsChecksum reports whether ref looks like a hex sha256 digest.
func IsChecksum(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// ProcessingAttempt tracks retries of one stage for one document. WindowStart is the
// attempt count at which the current task began, so a resubmission gets a fresh budget
// while Attempts keeps growing.
type ProcessingAttempt struct {
	Checksum       string     `json:"checksum"`
	Stage          Stage      `json:"stage"`
	TaskID         string     `json:"task_id"`
	Attempts       int        `json:"attempts"`
	WindowStart    int        `json:"-"`
	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	NextEligibleAt time.Time  `json:"next_eligible_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Used returns attempts consumed inside the current window.
func (a ProcessingAttempt) Used() int {
	return a.Attempts - a.WindowStart
}

type ProcessingEvent struct {
	Checksum string    `json:"checksum"`
	TaskID   string    `json:"task_id,omitempty"`
	Stage    Stage     `json:"stage,omitempty"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// StatusView is the read model served to the listing UI.
type StatusView struct {
	Checksum        string              `json:"checksum"`
	TaskID          string              `json:"task_id,omitempty"`
	TaskStatus      TaskStatus          `json:"task_status,omitempty"`
	Filename        string              `json:"filename"`
	Stage           Stage               `json:"stage,omitempty"`
	Status          DocumentStatus      `json:"status"`
	LastError       string              `json:"last_error,omitempty"`
	FailureCause    FailureCause        `json:"failure_cause,omitempty"`
	MetadataPartial bool                `json:"metadata_partial"`
	Metadata        *Metadata           `json:"metadata,omitempty"`
	Destinations    []DeliveryRecord    `json:"destinations"`
	Attempts        []ProcessingAttempt `json:"attempts,omitempty"`
	Events          []ProcessingEvent   `json:"events,omitempty"`
}
