// Package webdav uploads bundles to a WebDAV collection such as a Nextcloud folder.
package webdav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
)

type Config struct {
	Name     string
	URL      string
	Folder   string
	Username string
	Password string
	Timeout  time.Duration
}

type Destination struct {
	name       string
	baseURL    string
	folder     string
	username   string
	password   string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Destination, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webdav url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "nextcloud"
	}
	return &Destination{
		name:       name,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		folder:     strings.Trim(cfg.Folder, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}, nil
}

func (d *Destination) Name() string { return d.name }

func (d *Destination) Kind() domain.DestinationKind { return domain.DestinationWebDAV }

// Deliver PUTs the PDF and sidecar. PUT replaces an existing resource, so retries converge.
func (d *Destination) Deliver(ctx context.Context, bundle domain.Bundle) (string, error) {
	target := d.resourceURL(bundle.Filename)
	if err := d.put(ctx, target, "application/pdf", bundle.PDF); err != nil {
		return "", err
	}
	if len(bundle.Sidecar) > 0 {
		if err := d.put(ctx, d.resourceURL(bundle.SidecarName()), "application/json", bundle.Sidecar); err != nil {
			return "", err
		}
	}
	return target, nil
}

func (d *Destination) resourceURL(name string) string {
	segments := []string{d.baseURL}
	for _, part := range strings.Split(d.folder, "/") {
		if part != "" {
			segments = append(segments, url.PathEscape(part))
		}
	}
	segments = append(segments, url.PathEscape(name))
	return strings.Join(segments, "/")
}

func (d *Destination) put(ctx context.Context, target, contentType string, data []byte) error {
	call := func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create webdav request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if d.username != "" {
			req.SetBasicAuth(d.username, d.password)
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("webdav put request: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		default:
			return remote.NewStatusError("webdav", "put", resp)
		}
	}

	var err error
	if d.executor != nil {
		err = d.executor.Execute(ctx, "webdav.put", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return remote.Wrap("webdav put", err)
	}
	return nil
}
