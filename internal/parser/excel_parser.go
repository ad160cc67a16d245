package parser

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/xuri/excelize/v2"
)

// ExcelParser parses .xlsx usage files. Only the first sheet is read; the
// first row is the header and is discarded.
type ExcelParser struct{}

func (p *ExcelParser) Parse(payload []byte) ([]domain.RawRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("excel file is empty")
	}

	rows := make([]domain.RawRow, 0, len(records)-1)
	for _, record := range records[1:] {
		rows = append(rows, rowFromRecord(record))
	}
	return rows, nil
}
