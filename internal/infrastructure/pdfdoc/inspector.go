// Package pdfdoc validates PDFs and rewrites their document info with pdfcpu.
package pdfdoc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

type Inspector struct {
	conf *model.Configuration
}

func NewInspector() *Inspector {
	return &Inspector{conf: relaxedConfig()}
}

func relaxedConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Inspect parses and validates the PDF. Structural failures are corrupt input.
func (i *Inspector) Inspect(ctx context.Context, pdf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pdfCtx, err := readContext(pdf, i.conf)
	if err != nil {
		return 0, err
	}
	if pdfCtx.PageCount <= 0 {
		return 0, domain.WrapError(domain.ErrCorruptInput, "inspect pdf", fmt.Errorf("document has no pages"))
	}
	return pdfCtx.PageCount, nil
}

// readContext guards against pdfcpu panics on hostile input.
func readContext(pdf []byte, conf *model.Configuration) (pdfCtx *model.Context, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(pdf, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, domain.WrapError(domain.ErrCorruptInput, "read pdf", fmt.Errorf("missing %%PDF header"))
	}
	defer func() {
		if r := recover(); r != nil {
			pdfCtx = nil
			err = domain.WrapError(domain.ErrCorruptInput, "read pdf", fmt.Errorf("parser panic: %v", r))
		}
	}()

	pdfCtx, err = api.ReadValidateAndOptimize(bytes.NewReader(pdf), conf)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCorruptInput, "read pdf", err)
	}
	return pdfCtx, nil
}
