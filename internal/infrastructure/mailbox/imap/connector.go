// Package imap lists and removes document-bearing mails on an IMAP server.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

type Options struct {
	Timeout    time.Duration
	Filter     AttachmentFilter
	Logger     *slog.Logger
	TLSConfig  *tls.Config
	GmailLabel string
}

type Connector struct {
	timeout    time.Duration
	filter     AttachmentFilter
	logger     *slog.Logger
	tlsConfig  *tls.Config
	gmailLabel string
}

func NewConnector(options Options) *Connector {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := options.GmailLabel
	if label == "" {
		label = "Ingested"
	}
	return &Connector{
		timeout:    timeout,
		filter:     options.Filter,
		logger:     logger,
		tlsConfig:  options.TLSConfig,
		gmailLabel: label,
	}
}

// Connect dials, logs in and selects the mailbox folder read-write.
func (c *Connector) Connect(ctx context.Context, mailbox domain.MailboxSource) (ports.MailboxSession, error) {
	addr := net.JoinHostPort(mailbox.Host, strconv.Itoa(mailbox.Port))
	dialer := &net.Dialer{Timeout: c.timeout}

	var (
		cl  *client.Client
		err error
	)
	if mailbox.TLS {
		tlsConfig := c.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: mailbox.Host, MinVersion: tls.VersionTLS12}
		}
		cl, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "imap dial", err)
	}
	cl.Timeout = c.timeout
	cl.ErrorLog = slog.NewLogLogger(c.logger.Handler(), slog.LevelWarn)

	s := &session{
		client:     cl,
		mailbox:    mailbox,
		filter:     c.filter,
		logger:     c.logger.With(slog.String("mailbox_id", mailbox.ID)),
		gmail:      isGmail(mailbox.Host),
		gmailLabel: c.gmailLabel,
	}

	err = s.run(ctx, func() error {
		if err := cl.Login(mailbox.Username, mailbox.Password); err != nil {
			return domain.WrapError(domain.ErrUnauthorized, "imap login", err)
		}
		folder := mailbox.Folder
		if folder == "" {
			folder = "INBOX"
		}
		if _, err := cl.Select(folder, false); err != nil {
			return domain.WrapError(domain.ErrRejected, "imap select", fmt.Errorf("folder %s: %w", folder, err))
		}
		return nil
	})
	if err != nil {
		_ = cl.Terminate()
		return nil, err
	}
	return s, nil
}
