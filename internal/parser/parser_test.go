package parser

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestRegistrySelectsByExtension(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.For("usage.csv"); err != nil {
		t.Errorf("csv: %v", err)
	}
	if _, err := reg.For("Usage.XLSX"); err != nil {
		t.Errorf("case-insensitive xlsx: %v", err)
	}
	if _, err := reg.For("usage.pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("pdf err = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := reg.For("noextension"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("bare name err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestCSVParserSkipsHeaderAndMapsByPosition(t *testing.T) {
	payload := []byte("h1,h2,h3\n001,CUST001,ABC Restaurant\n002,CUST002,XYZ Cafe\n")

	rows, err := (&CSVParser{}).Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["opco"] != "001" || rows[0]["customer_number"] != "CUST001" || rows[0]["customer_name"] != "ABC Restaurant" {
		t.Errorf("row 0 mapped wrong: %+v", rows[0])
	}
	// Header names never matter; mapping is positional.
	if rows[1]["customer_number"] != "CUST002" {
		t.Errorf("row 1 customer_number = %q", rows[1]["customer_number"])
	}
	// Short records leave trailing columns empty.
	if rows[0]["freight2"] != "" {
		t.Errorf("freight2 = %q, want empty", rows[0]["freight2"])
	}
}

func TestCSVParserStripsByteOrderMark(t *testing.T) {
	payload := append([]byte{0xEF, 0xBB, 0xBF}, []byte("header\n001,CUST001\n")...)

	rows, err := (&CSVParser{}).Parse(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 || rows[0]["opco"] != "001" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestCSVParserHeaderOnlyYieldsNoRows(t *testing.T) {
	rows, err := (&CSVParser{}).Parse([]byte("only,a,header\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(rows))
	}
}

func TestCSVParserRejectsBareQuote(t *testing.T) {
	if _, err := (&CSVParser{}).Parse([]byte("h\n\"unterminated\n")); err == nil {
		t.Fatal("expected parse error for malformed quoting")
	}
}

func TestExcelParserReadsFirstSheet(t *testing.T) {
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	records := [][]string{
		{"OPCO", "Customer #", "Customer Name"},
		{"001", "CUST001", "ABC Restaurant"},
		{"002", "CUST002", "XYZ Cafe"},
	}
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := wb.SetSheetRow(sheet, cell, &record); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := wb.Write(&buf); err != nil {
		t.Fatal(err)
	}

	rows, err := (&ExcelParser{}).Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["customer_number"] != "CUST001" || rows[1]["customer_name"] != "XYZ Cafe" {
		t.Errorf("mapping wrong: %+v", rows)
	}
}

func TestExcelParserRejectsGarbage(t *testing.T) {
	if _, err := (&ExcelParser{}).Parse([]byte("definitely not a workbook")); err == nil {
		t.Fatal("expected parse error for a non-zip payload")
	}
}
