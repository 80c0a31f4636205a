package imap

import (
	"strings"
	"testing"
)

const multipartMail = "From: scanner@example.com\r\n" +
	"To: inbox@example.com\r\n" +
	"Subject: Scan\r\n" +
	"Message-ID: <scan-1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"=?windows-1252?Q?Rechnung_M=E4rz.pdf?=\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQKJSVFT0YK\r\n" +
	"--b1\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"second.PDF\"\r\n" +
	"\r\n" +
	"%PDF-1.4 second\r\n" +
	"--b1\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: attachment; filename=\"logo.png\"\r\n" +
	"\r\n" +
	"not a document\r\n" +
	"--b1--\r\n"

func TestParseMessageKeepsDocumentAttachments(t *testing.T) {
	msg, err := parseMessage(strings.NewReader(multipartMail), AttachmentFilter{})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if msg.MessageID != "scan-1@example.com" {
		t.Fatalf("unexpected message id %q", msg.MessageID)
	}
	if msg.Incomplete {
		t.Fatalf("expected complete message")
	}
	attachments := msg.Attachments
	if len(attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(attachments))
	}
	if attachments[0].Filename != "Rechnung März.pdf" {
		t.Fatalf("expected decoded filename, got %q", attachments[0].Filename)
	}
	if !strings.HasPrefix(string(attachments[0].Data), "%PDF-1.4") {
		t.Fatalf("expected decoded base64 body, got %q", attachments[0].Data)
	}
	if attachments[1].Filename != "second.PDF" || attachments[1].MimeType != "application/octet-stream" {
		t.Fatalf("unexpected second attachment %+v", attachments[1])
	}
}

func TestParseMessageHonoursFilter(t *testing.T) {
	msg, err := parseMessage(strings.NewReader(multipartMail), AttachmentFilter{MimeTypes: []string{"image/png"}})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	// octet-stream .pdf is always accepted
	if len(msg.Attachments) != 2 || msg.Attachments[1].Filename != "logo.png" {
		t.Fatalf("unexpected attachments %+v", msg.Attachments)
	}
	if msg.Incomplete {
		t.Fatalf("filtered-out parts must not mark the message incomplete")
	}
}

func TestParseMessageMarksOversizedAttachmentsIncomplete(t *testing.T) {
	msg, err := parseMessage(strings.NewReader(multipartMail), AttachmentFilter{MaxBytes: 10})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if len(msg.Attachments) != 0 {
		t.Fatalf("expected oversized attachments dropped, got %d", len(msg.Attachments))
	}
	if !msg.Incomplete {
		t.Fatalf("expected message marked incomplete")
	}
}

func TestParseMessageWithoutMessageID(t *testing.T) {
	raw := "From: a@b\r\nSubject: x\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	msg, err := parseMessage(strings.NewReader(raw), AttachmentFilter{})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if msg.MessageID != "" || len(msg.Attachments) != 0 || msg.Incomplete {
		t.Fatalf("unexpected result %+v", msg)
	}
}
