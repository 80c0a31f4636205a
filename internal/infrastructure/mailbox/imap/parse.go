package imap

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html/charset"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

func init() {
	// go-message only decodes UTF-8 and ASCII on its own; mail from scanners and
	// older clients routinely uses latin-1 or windows-125x filenames.
	message.CharsetReader = charset.NewReaderLabel
}

// AttachmentFilter decides which parts of a mail are documents.
type AttachmentFilter struct {
	MimeTypes []string
	MaxBytes  int64
}

func (f AttachmentFilter) accepts(mimeType, filename string) bool {
	mimeType = domain.BaseMediaType(mimeType)
	types := f.MimeTypes
	if len(types) == 0 {
		types = []string{"application/pdf"}
	}
	for _, allowed := range types {
		if strings.EqualFold(strings.TrimSpace(allowed), mimeType) {
			return true
		}
	}
	// Some clients send PDFs as generic binary.
	if mimeType == "application/octet-stream" && strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return true
	}
	return false
}

// parseMessage reads one RFC 5322 message and returns its Message-ID (without angle
// brackets) and the document attachments the filter accepts. Accepted parts that are
// too large or unreadable mark the message incomplete.
func parseMessage(r io.Reader, filter AttachmentFilter) (domain.FetchedMessage, error) {
	var msg domain.FetchedMessage
	reader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		msg.Incomplete = true
		return msg, fmt.Errorf("read message: %w", err)
	}
	defer reader.Close()

	msg.MessageID, err = reader.Header.MessageID()
	if err != nil {
		msg.MessageID = strings.Trim(strings.TrimSpace(reader.Header.Get("Message-Id")), "<>")
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			msg.Incomplete = true
			return msg, fmt.Errorf("read message part: %w", err)
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, err := header.Filename()
		if err != nil || filename == "" {
			continue
		}
		filename = filepath.Base(filename)
		mimeType, _, _ := header.ContentType()
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(filename))
		}
		if !filter.accepts(mimeType, filename) {
			continue
		}

		body := io.Reader(part.Body)
		if filter.MaxBytes > 0 {
			body = io.LimitReader(part.Body, filter.MaxBytes+1)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			msg.Incomplete = true
			return msg, fmt.Errorf("read attachment %s: %w", filename, err)
		}
		if filter.MaxBytes > 0 && int64(len(data)) > filter.MaxBytes {
			msg.Incomplete = true
			continue
		}
		if len(data) == 0 {
			continue
		}
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			Filename: filename,
			MimeType: domain.BaseMediaType(mimeType),
			Data:     data,
		})
	}
	return msg, nil
}
