package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"

	"github.com/nppsupply/velocity/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// CSVParser parses comma-separated usage files. The first record is the
// header row and is discarded; data rows are mapped by position.
type CSVParser struct{}

func (p *CSVParser) Parse(payload []byte) ([]domain.RawRow, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("csv file is empty")
	}

	rows := make([]domain.RawRow, 0, len(records)-1)
	for _, record := range records[1:] {
		rows = append(rows, rowFromRecord(record))
	}
	return rows, nil
}
