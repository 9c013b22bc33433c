package models_test

import (
	"bytes"
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/models"
	"github.com/xuri/excelize/v2"
)

type captureStore struct {
	lastName string
	lastData []byte
}

func (s *captureStore) AddFile(_ context.Context, name string, _ string, data []byte) (string, error) {
	s.lastName = name
	s.lastData = data
	return "mem://" + name, nil
}

func (s *captureStore) GetFile(context.Context, string) ([]byte, error) { return s.lastData, nil }
func (s *captureStore) DeleteFile(context.Context, string) error       { return nil }

func buildImportWorkbook(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := []any{"Sales Ref", "Date", "Customer", "PR", "Site", "Item", "Description",
		"Qty", "Unit", "Rate", "Purchase Ref", "PO Date", "Supplier", "Reference",
		"PO Qty", "PO Rate", "GST", "HSN", "Received"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		t.Fatalf("SetSheetRow: %v", err)
	}
	for i, cells := range rows {
		row := make([]any, len(cells))
		for j, c := range cells {
			row[j] = c
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf.Bytes()
}

func TestImportWorkbookBackfillsOrdersAndReceipts(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	store := &captureStore{}

	data := buildImportWorkbook(t, [][]string{
		{"SO-1", "2026-08-10", "Acme Traders", "PR-77", "North", "PIPE-100", "Steel pipe",
			"12", "MTR", "240", "PO-1", "2026-08-11", "Bharat Steel", "REF-9",
			"12", "210", "18", "73063090", "12"},
		{"SO-1", "2026-08-10", "Acme Traders", "PR-77", "North", "PIPE-200", "Steel pipe",
			"6", "MTR", "300", "PO-1", "2026-08-11", "Bharat Steel", "REF-9",
			"6", "260", "18", "73063090", "2"},
		{"SO-2", "2026-08-12", "Zen Infra", "", "", "ROD-10", "",
			"4", "PCS", "95", "", "", "", "", "", "", "", "", ""},
	})

	result, err := models.ImportWorkbook(ctx, "batch.xlsx", data, store)
	if err != nil {
		t.Fatalf("ImportWorkbook: %v", err)
	}
	if result.SalesOrders != 2 || result.PurchaseOrders != 1 || result.Receipts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	db := config.GetDB()
	var po models.PurchaseOrder
	if err := db.Preload("Details").Where("reference_number = ?", "REF-9").First(&po).Error; err != nil {
		t.Fatalf("fetch imported purchase order: %v", err)
	}
	// line 1 fully received, line 2 partially: the order sits in Fulfilment
	if po.CurrentStatus != models.PurchaseOrderStatusFulfilment {
		t.Fatalf("expected Fulfilment, got %s", po.CurrentStatus)
	}
	var log models.FulfilmentLog
	if err := db.Preload("Details").Where("purchase_order_id = ?", po.ID).First(&log).Error; err != nil {
		t.Fatalf("fetch backfilled log: %v", err)
	}
	if log.GateEntryNumber != "IMPORT" || len(log.Details) != 2 {
		t.Fatalf("backfilled log malformed: gate=%s lines=%d", log.GateEntryNumber, len(log.Details))
	}

	// the sales-only order stays Pending, the sourced one moves to Open
	var pending, open int64
	db.Model(&models.SalesOrder{}).Where("current_status = ?", models.SalesOrderStatusPending).Count(&pending)
	db.Model(&models.SalesOrder{}).Where("current_status = ?", models.SalesOrderStatusOpen).Count(&open)
	if pending != 1 || open != 1 {
		t.Fatalf("expected 1 Pending + 1 Open sales order, got %d/%d", pending, open)
	}
}

func TestImportWorkbookRejectsWholeBatchOnRowError(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	store := &captureStore{}

	data := buildImportWorkbook(t, [][]string{
		{"SO-1", "2026-08-10", "Acme Traders", "", "", "PIPE-100", "",
			"12", "MTR", "240", "", "", "", "", "", "", "", "", ""},
		{"SO-2", "not-a-date", "Zen Infra", "", "", "ROD-10", "",
			"4", "PCS", "95", "", "", "", "", "", "", "", "", ""},
	})

	result, err := models.ImportWorkbook(ctx, "batch.xlsx", data, store)
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if result == nil || result.ErrorFileUrl == "" {
		t.Fatalf("rejection must stage an error file, got %+v", result)
	}

	// nothing at all may persist, including the parseable first row
	var count int64
	if err := config.GetDB().Model(&models.SalesOrder{}).Count(&count).Error; err != nil {
		t.Fatalf("count sales orders: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected batch persisted %d sales orders", count)
	}

	annotated, err := excelize.OpenReader(bytes.NewReader(store.lastData))
	if err != nil {
		t.Fatalf("reopen annotated workbook: %v", err)
	}
	defer annotated.Close()
	sheet := annotated.GetSheetName(0)
	msg, _ := annotated.GetCellValue(sheet, "T3")
	if msg == "" {
		t.Fatalf("bad row not annotated")
	}
}
