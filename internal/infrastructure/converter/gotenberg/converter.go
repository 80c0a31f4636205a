// Package gotenberg renders office documents, images, HTML and Markdown into PDF
// through a Gotenberg server.
package gotenberg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/infrastructure/remote"
	"github.com/christianlouis/document-processor/internal/infrastructure/resilience"
)

const (
	libreOfficeRoute = "/forms/libreoffice/convert"
	htmlRoute        = "/forms/chromium/convert/html"
	markdownRoute    = "/forms/chromium/convert/markdown"

	markdownWrapper = `<!doctype html><html><head><meta charset="utf-8"></head><body>{{ toHTML "%s" }}</body></html>`
)

type Converter struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string, options Options) *Converter {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Converter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

type formFile struct {
	name string
	data []byte
}

func (c *Converter) ConvertToPDF(ctx context.Context, filename, mimeType string, data []byte) ([]byte, error) {
	kind := domain.ClassifyMedia(mimeType, filename)

	var (
		route string
		files []formFile
	)
	switch kind {
	case domain.MediaOffice, domain.MediaText, domain.MediaImage:
		if err := preflight(filename, data); err != nil {
			return nil, err
		}
		route = libreOfficeRoute
		files = []formFile{{name: uploadName(filename, kind, mimeType), data: data}}
	case domain.MediaHTML:
		route = htmlRoute
		files = []formFile{{name: "index.html", data: data}}
	case domain.MediaMarkdown:
		route = markdownRoute
		mdName := uploadName(filename, kind, mimeType)
		files = []formFile{
			{name: "index.html", data: []byte(fmt.Sprintf(markdownWrapper, mdName))},
			{name: mdName, data: data},
		}
	case domain.MediaPDF:
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s (%s)", domain.ErrUnsupportedMedia, mimeType, filename)
	}

	var pdf []byte
	call := func(callCtx context.Context) error {
		out, err := c.post(callCtx, route, files)
		if err != nil {
			return err
		}
		pdf = out
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "gotenberg.convert", call, remote.Classify)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, wrapConvertError(err)
	}
	return pdf, nil
}

func (c *Converter) post(ctx context.Context, route string, files []formFile) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := writer.CreateFormFile("files", f.name)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(f.data); err != nil {
			return nil, fmt.Errorf("write form file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, &body)
	if err != nil {
		return nil, fmt.Errorf("create convert request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gotenberg convert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, remote.NewStatusError("gotenberg", "convert", resp)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read converted pdf: %w", err)
	}
	return out, nil
}

// wrapConvertError treats a 400 from Gotenberg as input it cannot render.
func wrapConvertError(err error) error {
	if statusErr, ok := asStatusError(err); ok && statusErr.StatusCode == http.StatusBadRequest {
		return domain.WrapError(domain.ErrCorruptInput, "gotenberg convert", err)
	}
	return remote.Wrap("gotenberg convert", err)
}

// uploadName keeps the original extension, which Gotenberg uses to pick the import filter.
func uploadName(filename string, kind domain.MediaKind, mimeType string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == "/" || base == "" {
		base = "document"
	}
	if filepath.Ext(base) != "" {
		return base
	}
	return base + defaultExtension(kind, mimeType)
}

func defaultExtension(kind domain.MediaKind, mimeType string) string {
	switch kind {
	case domain.MediaText:
		return ".txt"
	case domain.MediaMarkdown:
		return ".md"
	case domain.MediaImage:
		switch domain.BaseMediaType(mimeType) {
		case "image/png":
			return ".png"
		case "image/tiff":
			return ".tiff"
		case "image/gif":
			return ".gif"
		case "image/bmp":
			return ".bmp"
		case "image/webp":
			return ".webp"
		default:
			return ".jpg"
		}
	default:
		return ".docx"
	}
}

func asStatusError(err error) (*remote.StatusError, bool) {
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}
