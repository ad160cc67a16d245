// Package parser turns usage-file bytes into ordered raw rows. A parse
// failure is fatal for the whole file; there is no row-level recovery
// from a corrupt payload.
package parser

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/nppsupply/velocity/internal/domain"
)

// ErrUnsupportedFormat is returned when no parser is registered for a
// file's extension.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Columns is the canonical 22-column usage-file layout, in file order.
// Fields are mapped by position; the header row is informational only.
var Columns = []string{
	"opco",
	"customer_number",
	"customer_name",
	"address_one",
	"address_two",
	"city",
	"zip_code",
	"invoice_number",
	"invoice_date",
	"product_number",
	"brand",
	"pack_size",
	"description",
	"corp_manuf_number",
	"gtin",
	"manufacturer_name",
	"qty",
	"sales",
	"landed_cost",
	"allowances",
	"freight1",
	"freight2",
}

// Parser converts file bytes into the ordered row sequence. Row index is
// position in the returned slice.
type Parser interface {
	Parse(payload []byte) ([]domain.RawRow, error)
}

// Registry selects a parser implementation by file extension.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the CSV and Excel parsers installed.
func NewRegistry() *Registry {
	return &Registry{
		parsers: map[string]Parser{
			".csv":  &CSVParser{},
			".xlsx": &ExcelParser{},
		},
	}
}

// For returns the parser for a file name, or ErrUnsupportedFormat.
func (r *Registry) For(fileName string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	p, ok := r.parsers[ext]
	if !ok {
		return nil, ErrUnsupportedFormat
	}
	return p, nil
}

// rowFromRecord maps one positional record onto the canonical columns.
// Short records leave trailing fields empty; extra cells are dropped.
func rowFromRecord(record []string) domain.RawRow {
	row := make(domain.RawRow, len(Columns))
	for i, name := range Columns {
		if i < len(record) {
			row[name] = strings.TrimSpace(record[i])
		} else {
			row[name] = ""
		}
	}
	return row
}
