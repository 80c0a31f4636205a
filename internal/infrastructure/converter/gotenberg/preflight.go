package gotenberg

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/xuri/excelize/v2"
)

// preflight opens OOXML spreadsheets locally so broken workbooks fail as corrupt input
// instead of burning conversion attempts.
func preflight(filename string, data []byte) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
	default:
		return nil
	}

	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return domain.WrapError(domain.ErrCorruptInput, "open workbook", err)
	}
	defer book.Close()

	if len(book.GetSheetList()) == 0 {
		return domain.WrapError(domain.ErrCorruptInput, "open workbook", fmt.Errorf("workbook has no sheets"))
	}
	return nil
}
