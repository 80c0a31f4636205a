package pdfdoc

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const creator = "document-processor"

// MetadataWriter stores extracted metadata in the PDF info dictionary:
// Title, Author (correspondent), Subject (document type) and Keywords (tags).
type MetadataWriter struct {
	conf *model.Configuration
}

func NewMetadataWriter() *MetadataWriter {
	return &MetadataWriter{conf: relaxedConfig()}
}

func (w *MetadataWriter) Embed(ctx context.Context, pdf []byte, md domain.Metadata) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdfCtx, err := readContext(pdf, w.conf)
	if err != nil {
		return nil, err
	}

	if pdfCtx.Info == nil {
		ref, err := pdfCtx.IndRefForNewObject(types.NewDict())
		if err != nil {
			return nil, fmt.Errorf("create info dict: %w", err)
		}
		pdfCtx.Info = ref
	}
	info, err := pdfCtx.DereferenceDict(*pdfCtx.Info)
	if err != nil {
		return nil, fmt.Errorf("read info dict: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("read info dict: missing")
	}

	for key, value := range infoEntries(md) {
		info.Update(key, types.NewHexLiteral(encodeTextString(value)))
	}

	var out bytes.Buffer
	if err := api.WriteContext(pdfCtx, &out); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return out.Bytes(), nil
}

func infoEntries(md domain.Metadata) map[string]string {
	entries := map[string]string{"Creator": creator}
	if v := strings.TrimSpace(md.Title); v != "" {
		entries["Title"] = v
	}
	if v := strings.TrimSpace(md.Correspondent); v != "" {
		entries["Author"] = v
	}
	if v := strings.TrimSpace(md.DocumentType); v != "" {
		entries["Subject"] = v
	}
	if len(md.Tags) > 0 {
		entries["Keywords"] = strings.Join(md.Tags, ", ")
	}
	return entries
}

// encodeTextString produces a PDF text string: UTF-16BE with byte order mark.
func encodeTextString(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2+2*len(units))
	out = append(out, 0xFE, 0xFF)
	for _, u := range units {
		out = append(out, byte(u>>8), byte(u))
	}
	return out
}
