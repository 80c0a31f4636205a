package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearMailboxEnv(t *testing.T) {
	t.Helper()
	for _, prefix := range []string{"IMAP1_", "IMAP2_"} {
		for _, key := range []string{"HOST", "PORT", "USERNAME", "PASSWORD", "SSL", "FOLDER", "POLL_INTERVAL_MINUTES", "DELETE_AFTER_PROCESS"} {
			t.Setenv(prefix+key, "")
		}
	}
	t.Setenv("MAILBOXES_FILE", "")
}

func TestLoadPipelineDefaults(t *testing.T) {
	clearMailboxEnv(t)
	t.Setenv("OCR_MIN_TEXT_CHARS", "")
	t.Setenv("STAGE_MAX_ATTEMPTS_DELIVER", "")
	t.Setenv("RETRY_BASE_DELAY_MS", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("METADATA_MAX_REPROMPTS", "")
	t.Setenv("IMAP_LOOKBACK_DAYS", "")

	cfg := Load()
	if cfg.OCRMinTextChars != 20 {
		t.Fatalf("expected default ocr threshold 20, got %d", cfg.OCRMinTextChars)
	}
	if cfg.StageMaxAttemptsDeliver != 3 {
		t.Fatalf("expected default deliver attempts 3, got %d", cfg.StageMaxAttemptsDeliver)
	}
	if cfg.RetryBaseDelay != 2*time.Second {
		t.Fatalf("expected default base delay 2s, got %s", cfg.RetryBaseDelay)
	}
	if cfg.QueueBackend != "nats" {
		t.Fatalf("expected default queue backend nats, got %q", cfg.QueueBackend)
	}
	if cfg.MetadataMaxReprompts != 2 {
		t.Fatalf("expected default reprompts 2, got %d", cfg.MetadataMaxReprompts)
	}
	if cfg.IMAPLookbackDays != 3 {
		t.Fatalf("expected default lookback 3 days, got %d", cfg.IMAPLookbackDays)
	}
	if len(cfg.Mailboxes) != 0 {
		t.Fatalf("expected no mailboxes, got %+v", cfg.Mailboxes)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	clearMailboxEnv(t)
	t.Setenv("OCR_MIN_TEXT_CHARS", "50")
	t.Setenv("STAGE_TIMEOUT", "45s")
	t.Setenv("REFINE_OCR_TEXT", "true")
	t.Setenv("IMAP_ATTACHMENT_TYPES", "application/pdf, image/tiff ,")
	t.Setenv("MAX_UPLOAD_MB", "8")

	cfg := Load()
	if cfg.OCRMinTextChars != 50 {
		t.Fatalf("expected ocr threshold override, got %d", cfg.OCRMinTextChars)
	}
	if cfg.StageTimeout != 45*time.Second {
		t.Fatalf("expected stage timeout 45s, got %s", cfg.StageTimeout)
	}
	if !cfg.RefineOCRText {
		t.Fatalf("expected refine ocr text enabled")
	}
	if len(cfg.IMAPAttachmentTypes) != 2 || cfg.IMAPAttachmentTypes[1] != "image/tiff" {
		t.Fatalf("unexpected attachment types: %v", cfg.IMAPAttachmentTypes)
	}
	if cfg.MaxUploadBytes != 8<<20 {
		t.Fatalf("expected 8 MiB upload limit, got %d", cfg.MaxUploadBytes)
	}
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	clearMailboxEnv(t)
	t.Setenv("OCR_MIN_TEXT_CHARS", "many")
	t.Setenv("SCHEDULER_TICK", "soon")
	t.Setenv("REFINE_OCR_TEXT", "maybe")

	cfg := Load()
	if cfg.OCRMinTextChars != 20 {
		t.Fatalf("expected fallback ocr threshold, got %d", cfg.OCRMinTextChars)
	}
	if cfg.SchedulerTick != 30*time.Second {
		t.Fatalf("expected fallback scheduler tick, got %s", cfg.SchedulerTick)
	}
	if cfg.RefineOCRText {
		t.Fatalf("expected fallback refine flag false")
	}
}

func TestLoadMailboxesFromEnvFamilies(t *testing.T) {
	clearMailboxEnv(t)
	t.Setenv("IMAP1_HOST", "imap.example.com")
	t.Setenv("IMAP1_USERNAME", "scanner@example.com")
	t.Setenv("IMAP1_PASSWORD", "secret")
	t.Setenv("IMAP1_DELETE_AFTER_PROCESS", "true")
	t.Setenv("IMAP2_HOST", "imap.gmail.com")
	t.Setenv("IMAP2_USERNAME", "archive@example.com")

	cfg := Load()
	if len(cfg.Mailboxes) != 1 {
		t.Fatalf("expected one valid mailbox, got %d", len(cfg.Mailboxes))
	}
	mb := cfg.Mailboxes[0]
	if mb.ID != "imap1" || mb.Port != 993 || !mb.TLS || !mb.DeleteAfterProcess {
		t.Fatalf("unexpected mailbox: %+v", mb)
	}
	if mb.PollInterval != 5*time.Minute {
		t.Fatalf("expected 5m poll interval, got %s", mb.PollInterval)
	}
	if len(cfg.Warnings) != 1 {
		t.Fatalf("expected warning for incomplete imap2, got %v", cfg.Warnings)
	}
}

func TestLoadMailboxesFileAppendsEntries(t *testing.T) {
	clearMailboxEnv(t)
	t.Setenv("IMAP1_HOST", "imap.example.com")
	t.Setenv("IMAP1_USERNAME", "scanner@example.com")
	t.Setenv("IMAP1_PASSWORD", "secret")

	path := filepath.Join(t.TempDir(), "mailboxes.yaml")
	body := `mailboxes:
  - id: office
    host: mail.office.example
    port: 143
    ssl: false
    username: office
    password: pw
    poll_interval_minutes: 15
    delete_after_process: true
  - id: imap1
    host: dup.example
    username: dup
    password: dup
  - id: broken
    host: broken.example
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("MAILBOXES_FILE", path)

	cfg := Load()
	if len(cfg.Mailboxes) != 2 {
		t.Fatalf("expected env mailbox plus one file mailbox, got %+v", cfg.Mailboxes)
	}
	office := cfg.Mailboxes[1]
	if office.ID != "office" || office.Port != 143 || office.TLS {
		t.Fatalf("unexpected file mailbox: %+v", office)
	}
	if office.PollInterval != 15*time.Minute || office.Folder != "INBOX" {
		t.Fatalf("unexpected file mailbox defaults: %+v", office)
	}
	if len(cfg.Warnings) != 2 {
		t.Fatalf("expected duplicate and incomplete warnings, got %v", cfg.Warnings)
	}
}

func TestLoadMailboxesFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailboxes.yaml")
	if err := os.WriteFile(path, []byte("mailboxes: [\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, _, err := LoadMailboxesFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
