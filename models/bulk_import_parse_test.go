package models

import (
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func importCells(overrides map[int]string) []string {
	cells := []string{
		"SO-CUST-1",   // sales reference
		"2026-08-10",  // order date
		"Acme Traders",
		"PR-77",
		"North Site",
		"PIPE-100",
		"Steel pipe 100mm",
		"12.5",
		"MTR",
		"240",
		"PO-CUST-1",  // purchase reference
		"2026-08-11", // purchase date
		"Bharat Steel",
		"REF-9",
		"12.5",
		"210",
		"18",
		"73063090",
		"4",
	}
	for idx, value := range overrides {
		cells[idx] = value
	}
	return cells
}

func TestParseImportRowComplete(t *testing.T) {
	row, err := parseImportRow(2, importCells(nil))
	if err != nil {
		t.Fatalf("parseImportRow: %v", err)
	}
	if row.SalesRef != "SO-CUST-1" || row.CustomerName != "Acme Traders" {
		t.Fatalf("unexpected sales fields: %+v", row)
	}
	if row.Qty.String() != "12.5" || row.PurchaseQty.String() != "12.5" {
		t.Fatalf("unexpected quantities: %s / %s", row.Qty, row.PurchaseQty)
	}
	if row.GstRate == nil || row.GstRate.String() != "18" {
		t.Fatalf("gst rate not parsed: %v", row.GstRate)
	}
	if row.ReceivedQty.String() != "4" {
		t.Fatalf("received qty not parsed: %s", row.ReceivedQty)
	}
	if row.OrderDate.Format("2006-01-02") != "2026-08-10" {
		t.Fatalf("unexpected order date %s", row.OrderDate)
	}
}

func TestParseImportRowSalesOnly(t *testing.T) {
	// blanking the purchase reference makes all purchase columns optional
	cells := importCells(map[int]string{10: "", 12: "", 14: "", 15: "", 16: "", 18: ""})
	row, err := parseImportRow(2, cells)
	if err != nil {
		t.Fatalf("parseImportRow: %v", err)
	}
	if row.PurchaseRef != "" || !row.PurchaseQty.IsZero() || row.GstRate != nil {
		t.Fatalf("purchase fields leaked into sales-only row: %+v", row)
	}
}

func TestParseImportRowRejections(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[int]string
		wantErr   string
	}{
		{"missing sales reference", map[int]string{0: ""}, "sales order reference"},
		{"missing customer", map[int]string{2: ""}, "customer name"},
		{"missing item code", map[int]string{5: ""}, "item code"},
		{"bad date", map[int]string{1: "Aug 10"}, "cannot parse date"},
		{"zero quantity", map[int]string{7: "0"}, "quantity must be positive"},
		{"negative quantity", map[int]string{7: "-3"}, "quantity must be positive"},
		{"supplier required", map[int]string{12: ""}, "supplier name"},
		{"received exceeds ordered", map[int]string{18: "99"}, "received quantity exceeds"},
		{"alpha hsn code", map[int]string{17: "CHAPTER7"}, "hsn code"},
		{"bad gst rate", map[int]string{16: "eighteen"}, "gst rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseImportRow(2, importCells(tc.overrides))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestParseImportRowsCollectsAllErrors(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := []any{"Sales Ref", "Date", "Customer"}
	_ = f.SetSheetRow(sheet, "A1", &header)

	good := importCells(nil)
	badDate := importCells(map[int]string{0: "SO-CUST-2", 1: "nonsense"})
	badQty := importCells(map[int]string{0: "SO-CUST-3", 7: "0"})
	for i, cells := range [][]string{good, badDate, badQty} {
		row := make([]any, len(cells))
		for j, c := range cells {
			row[j] = c
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetSheetRow(sheet, cell, &row)
	}

	rows, rowErrors, err := parseImportRows(f)
	if err != nil {
		t.Fatalf("parseImportRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 good row, got %d", len(rows))
	}
	if len(rowErrors) != 2 {
		t.Fatalf("expected 2 row errors, got %d: %+v", len(rowErrors), rowErrors)
	}
	// error rows carry their 1-based spreadsheet row index for annotation
	if rowErrors[0].RowIndex != 3 || rowErrors[1].RowIndex != 4 {
		t.Fatalf("unexpected error row indexes: %+v", rowErrors)
	}
}

func TestStageErrorWorkbookAnnotatesRows(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	_ = f.SetCellValue(sheet, "A1", "Sales Ref")
	_ = f.SetCellValue(sheet, "A3", "SO-CUST-2")

	store := &memFileStore{}
	url, err := stageErrorWorkbook(t.Context(), f, "batch.xlsx",
		[]importRowError{{RowIndex: 3, Message: "cannot parse date"}}, store)
	if err != nil {
		t.Fatalf("stageErrorWorkbook: %v", err)
	}
	if url == "" || !strings.Contains(store.lastName, "batch_errors.xlsx") {
		t.Fatalf("annotated file not staged: url=%q name=%q", url, store.lastName)
	}

	annotated, err := excelize.OpenReader(strings.NewReader(string(store.lastData)))
	if err != nil {
		t.Fatalf("reopen annotated workbook: %v", err)
	}
	defer annotated.Close()
	header, _ := annotated.GetCellValue(sheet, importErrorColumn+"1")
	msg, _ := annotated.GetCellValue(sheet, importErrorColumn+"3")
	if header != importErrorHeader || msg != "cannot parse date" {
		t.Fatalf("annotation missing: header=%q msg=%q", header, msg)
	}
}
