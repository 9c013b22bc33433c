package models

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const (
	importSheetName      = "Orders"
	importGateEntry      = "IMPORT"
	importLockKey        = "bulkImportLock"
	importLockTTL        = 5 * time.Minute
	importErrorColumn    = "T"
	importErrorHeader    = "Errors"
	importDateLayout     = "2006-01-02"
	importDateLayoutAlt  = "02-01-2006"
	importMinColumns     = 8
	importHeaderRowCount = 1
)

var ErrorImportInProgress = errors.New("another bulk import is already running")

// importRow is one parsed spreadsheet row. Every row belongs to exactly
// one sales order group; rows with a purchase reference additionally
// belong to one purchase order group nested under it.
type importRow struct {
	RowIndex         int
	SalesRef         string
	OrderDate        time.Time
	CustomerName     string
	PrNumber         string
	SiteName         string
	ItemCode         string
	Description      string
	Qty              decimal.Decimal
	Unit             string
	UnitRate         decimal.Decimal
	PurchaseRef      string
	PurchaseDate     time.Time
	SupplierName     string
	ReferenceNumber  string
	PurchaseQty      decimal.Decimal
	PurchaseUnitRate decimal.Decimal
	GstRate          *decimal.Decimal
	HsnCode          string
	ReceivedQty      decimal.Decimal
}

// salesGroupKey decides which rows collapse into one sales order: same
// reference, customer, PR/site and date. A reused reference with a
// different customer is a different order, not a merge.
func (r importRow) salesGroupKey() string {
	return strings.Join([]string{
		r.SalesRef, r.CustomerName, r.PrNumber, r.SiteName,
		r.OrderDate.Format("2006-01-02"),
	}, "|")
}

func (r importRow) purchaseGroupKey() string {
	return strings.Join([]string{
		r.PurchaseRef, r.SupplierName, r.ReferenceNumber,
		r.PurchaseDate.Format("2006-01-02"),
	}, "|")
}

type importRowError struct {
	RowIndex int
	Message  string
}

type BulkImportResult struct {
	SalesOrders    int    `json:"sales_orders"`
	PurchaseOrders int    `json:"purchase_orders"`
	Receipts       int    `json:"receipts"`
	ErrorFileUrl   string `json:"error_file_url,omitempty"`
}

// ImportWorkbook loads a whole spreadsheet of sales orders, purchase
// orders and pre-received quantities in one transaction. Any row error
// rolls the entire batch back and stages an annotated copy of the
// workbook; the caller gets its URL and nothing is persisted.
func ImportWorkbook(ctx context.Context, fileName string, data []byte, store utils.FileStore) (*BulkImportResult, error) {
	tracer := otel.Tracer("bulkImport")
	ctx, span := tracer.Start(ctx, "ImportWorkbook")
	defer span.End()

	// one import at a time; concurrent batches would interleave numbering
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, importLockKey, importLockTTL, nil)
		if err == redislock.ErrNotObtained {
			return nil, ErrorImportInProgress
		}
		if err != nil {
			return nil, err
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	workbook, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot open workbook: %w", err)
	}
	defer workbook.Close()

	rows, rowErrors, err := parseImportRows(workbook)
	if err != nil {
		return nil, err
	}
	if len(rowErrors) > 0 {
		url, stageErr := stageErrorWorkbook(ctx, workbook, fileName, rowErrors, store)
		if stageErr != nil {
			return nil, stageErr
		}
		return &BulkImportResult{ErrorFileUrl: url}, errors.New("import rejected; see error file")
	}
	if len(rows) == 0 {
		return nil, errors.New("workbook contains no data rows")
	}

	result, applyErr := applyImport(ctx, rows)
	if applyErr != nil {
		var rowErr *importRowError
		if errors.As(applyErr, &rowErr) {
			url, stageErr := stageErrorWorkbook(ctx, workbook, fileName, []importRowError{*rowErr}, store)
			if stageErr != nil {
				return nil, stageErr
			}
			return &BulkImportResult{ErrorFileUrl: url}, errors.New("import rejected; see error file")
		}
		return nil, applyErr
	}
	return result, nil
}

func (e *importRowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.RowIndex, e.Message)
}

func rowFailure(rowIndex int, format string, args ...any) error {
	return &importRowError{RowIndex: rowIndex, Message: fmt.Sprintf(format, args...)}
}

// applyImport builds every order in one serializable transaction. A
// single NumberIssuer is shared across the batch so documents come out
// numbered in row order without re-reading uncommitted rows.
func applyImport(ctx context.Context, rows []importRow) (*BulkImportResult, error) {
	userId, _ := utils.GetUserIdFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()
	dbCtx := tx.WithContext(ctx)

	issuer := NewNumberIssuer()
	result := &BulkImportResult{}

	// rows sharing reference, customer, PR/site and date form one order;
	// first-appearance order is preserved
	salesRefs := make([]string, 0)
	salesGroups := make(map[string][]importRow)
	for _, row := range rows {
		key := row.salesGroupKey()
		if _, ok := salesGroups[key]; !ok {
			salesRefs = append(salesRefs, key)
		}
		salesGroups[key] = append(salesGroups[key], row)
	}

	touchedSalesOrders := make([]int, 0, len(salesRefs))
	touchedPurchaseOrders := make([]int, 0)

	for _, salesRef := range salesRefs {
		group := salesGroups[salesRef]
		head := group[0]

		customer, err := findOrCreateCustomer(dbCtx, head.CustomerName)
		if err != nil {
			return nil, rowFailure(head.RowIndex, "customer %q: %v", head.CustomerName, err)
		}

		number, seqNo, err := issuer.Next(dbCtx, DocumentKindSalesOrder, head.OrderDate)
		if err != nil {
			return nil, err
		}
		salesOrder := SalesOrder{
			OrderNumber:   number,
			SequenceNo:    seqNo,
			OrderDate:     head.OrderDate,
			CustomerId:    customer.ID,
			PrNumber:      head.PrNumber,
			SiteName:      head.SiteName,
			CurrentStatus: SalesOrderStatusPending,
			IsApproved:    utils.NewTrue(),
			CreatedById:   userId,
			UpdatedById:   userId,
		}
		total := decimal.Zero
		for _, row := range group {
			salesOrder.Details = append(salesOrder.Details, SalesOrderDetail{
				ItemCode:       row.ItemCode,
				Description:    row.Description,
				DetailQty:      row.Qty,
				DetailUnitRate: row.UnitRate,
				Unit:           row.Unit,
			})
			total = total.Add(row.Qty.Mul(row.UnitRate))
		}
		salesOrder.OrderTotalAmount = total
		if err := dbCtx.Create(&salesOrder).Error; err != nil {
			return nil, rowFailure(head.RowIndex, "sales order %q: %v", head.SalesRef, err)
		}
		result.SalesOrders++
		touchedSalesOrders = append(touchedSalesOrders, salesOrder.ID)

		// created details come back in input order; map row -> detail id
		salesDetailByRow := make(map[int]int, len(group))
		for i, row := range group {
			salesDetailByRow[row.RowIndex] = salesOrder.Details[i].ID
		}

		purchaseOrders, receipts, err := applyPurchaseGroups(dbCtx, issuer, group, salesDetailByRow, userId, correlationId)
		if err != nil {
			return nil, err
		}
		result.PurchaseOrders += len(purchaseOrders)
		result.Receipts += receipts
		touchedPurchaseOrders = append(touchedPurchaseOrders, purchaseOrders...)
	}

	for _, id := range touchedPurchaseOrders {
		if _, err := RefreshPurchaseOrderStatus(dbCtx, id); err != nil {
			return nil, err
		}
	}
	for _, id := range touchedSalesOrders {
		if _, err := RefreshSalesOrderStatus(dbCtx, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		// serialization conflicts surface here; the batch is all-or-nothing
		config.LogError(config.GetLogger(), "bulkImport.go", "applyImport",
			"batch commit failed", map[string]any{"correlation_id": correlationId}, err)
		return nil, rowFailure(importHeaderRowCount, "batch could not be committed: %v", err)
	}
	return result, nil
}

// applyPurchaseGroups builds the purchase orders nested under one sales
// order group, plus a synthesized receipt for any pre-received quantity.
func applyPurchaseGroups(tx *gorm.DB, issuer *NumberIssuer, group []importRow, salesDetailByRow map[int]int, userId int, correlationId string) ([]int, int, error) {
	purchaseRefs := make([]string, 0)
	purchaseGroups := make(map[string][]importRow)
	for _, row := range group {
		if row.PurchaseRef == "" {
			continue
		}
		key := row.purchaseGroupKey()
		if _, ok := purchaseGroups[key]; !ok {
			purchaseRefs = append(purchaseRefs, key)
		}
		purchaseGroups[key] = append(purchaseGroups[key], row)
	}

	orderIds := make([]int, 0, len(purchaseRefs))
	receipts := 0
	for _, purchaseRef := range purchaseRefs {
		rows := purchaseGroups[purchaseRef]
		head := rows[0]

		supplier, err := findOrCreateSupplier(tx, head.SupplierName)
		if err != nil {
			return nil, 0, rowFailure(head.RowIndex, "supplier %q: %v", head.SupplierName, err)
		}

		orderDate := head.PurchaseDate
		if orderDate.IsZero() {
			orderDate = head.OrderDate
		}
		number, seqNo, err := issuer.Next(tx, DocumentKindPurchaseOrder, orderDate)
		if err != nil {
			return nil, 0, err
		}
		order := PurchaseOrder{
			OrderNumber:     number,
			SequenceNo:      seqNo,
			OrderDate:       orderDate,
			SupplierId:      supplier.ID,
			ReferenceNumber: head.ReferenceNumber,
			CurrentStatus:   PurchaseOrderStatusOpen,
			IsApproved:      utils.NewTrue(),
			CreatedById:     userId,
			UpdatedById:     userId,
		}
		total := decimal.Zero
		for _, row := range rows {
			gstRateId := 0
			if row.GstRate != nil {
				gstRate, err := findOrCreateGstRate(tx, *row.GstRate)
				if err != nil {
					return nil, 0, rowFailure(row.RowIndex, "gst rate: %v", err)
				}
				gstRateId = gstRate.ID
			}
			order.Details = append(order.Details, PurchaseOrderDetail{
				SalesOrderDetailId: salesDetailByRow[row.RowIndex],
				ItemCode:           row.ItemCode,
				DetailQty:          row.PurchaseQty,
				DetailUnitRate:     row.PurchaseUnitRate,
				GstRateId:          gstRateId,
				HsnCode:            row.HsnCode,
			})
			total = total.Add(row.PurchaseQty.Mul(row.PurchaseUnitRate))
		}
		order.OrderTotalAmount = total
		if err := tx.Create(&order).Error; err != nil {
			return nil, 0, rowFailure(head.RowIndex, "purchase order %q: %v", head.PurchaseRef, err)
		}
		orderIds = append(orderIds, order.ID)

		applied, err := backfillReceipts(tx, &order, rows, userId, correlationId)
		if err != nil {
			return nil, 0, err
		}
		receipts += applied
	}
	return orderIds, receipts, nil
}

// backfillReceipts synthesizes one fulfilment log per imported purchase
// order covering quantities that were already physically received before
// the system took over. The gate entry number marks the log as imported.
// order.Details was created in rows order, so index i pairs rows[i] with
// its purchase line.
func backfillReceipts(tx *gorm.DB, order *PurchaseOrder, rows []importRow, userId int, correlationId string) (int, error) {
	anyReceived := false
	for _, row := range rows {
		if row.ReceivedQty.IsPositive() {
			anyReceived = true
			break
		}
	}
	if !anyReceived {
		return 0, nil
	}

	log := FulfilmentLog{
		PurchaseOrderId: order.ID,
		GateEntryNumber: importGateEntry,
		GateEntryDate:   order.OrderDate,
		Remarks:         fmt.Sprintf("backfilled by import %s", correlationId),
		CreatedById:     userId,
		UpdatedById:     userId,
	}
	if err := tx.Create(&log).Error; err != nil {
		return 0, err
	}

	for i, row := range rows {
		if !row.ReceivedQty.IsPositive() {
			continue
		}
		item, err := receiptDelta(tx, order.Details[i].ID, row.ReceivedQty)
		if err != nil {
			return 0, err
		}
		logDetail := FulfilmentLogDetail{
			FulfilmentLogId: log.ID,
			InventoryItemId: item.ID,
			Qty:             utils.RoundQty(row.ReceivedQty),
		}
		if err := tx.Create(&logDetail).Error; err != nil {
			return 0, err
		}
	}
	return 1, nil
}

func findOrCreateCustomer(tx *gorm.DB, name string) (*Customer, error) {
	var customer Customer
	err := tx.Where("name = ?", name).First(&customer).Error
	if err == nil {
		return &customer, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	customer = Customer{Name: name}
	if err := tx.Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func findOrCreateSupplier(tx *gorm.DB, name string) (*Supplier, error) {
	var supplier Supplier
	err := tx.Where("name = ?", name).First(&supplier).Error
	if err == nil {
		return &supplier, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	// imported suppliers get the strictest terms until someone edits them
	supplier = Supplier{Name: name, PaymentTerms: PaymentTermsDueOnReceipt}
	if err := tx.Create(&supplier).Error; err != nil {
		return nil, err
	}
	return &supplier, nil
}

func findOrCreateGstRate(tx *gorm.DB, rate decimal.Decimal) (*GstRate, error) {
	var gstRate GstRate
	err := tx.Where("rate = ?", rate).First(&gstRate).Error
	if err == nil {
		return &gstRate, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	gstRate = GstRate{Name: fmt.Sprintf("GST %s%%", rate.String()), Rate: rate}
	if err := tx.Create(&gstRate).Error; err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey("gstRateIds")
	return &gstRate, nil
}

// parseImportRows reads the data sheet into typed rows. Parse problems do
// not stop the scan; every bad row is reported so the error file shows
// them all at once.
func parseImportRows(workbook *excelize.File) ([]importRow, []importRowError, error) {
	sheet := importSheetName
	if idx, _ := workbook.GetSheetIndex(sheet); idx < 0 {
		sheet = workbook.GetSheetName(0)
	}
	raw, err := workbook.GetRows(sheet)
	if err != nil {
		return nil, nil, err
	}

	var rows []importRow
	var rowErrors []importRowError
	for i, cells := range raw {
		if i < importHeaderRowCount {
			continue
		}
		rowIndex := i + 1
		if isBlankRow(cells) {
			continue
		}
		if len(cells) < importMinColumns {
			rowErrors = append(rowErrors, importRowError{rowIndex, "row has too few columns"})
			continue
		}
		row, err := parseImportRow(rowIndex, cells)
		if err != nil {
			rowErrors = append(rowErrors, importRowError{rowIndex, err.Error()})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rowErrors, nil
}

func isBlankRow(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cellAt(cells []string, idx int) string {
	if idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func parseImportDate(value string) (time.Time, error) {
	for _, layout := range []string{importDateLayout, importDateLayoutAlt} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", value)
}

func parseImportQty(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cannot parse quantity %q", value)
	}
	return utils.RoundQty(d), nil
}

func parseImportRow(rowIndex int, cells []string) (importRow, error) {
	row := importRow{
		RowIndex:        rowIndex,
		SalesRef:        cellAt(cells, 0),
		CustomerName:    cellAt(cells, 2),
		PrNumber:        cellAt(cells, 3),
		SiteName:        cellAt(cells, 4),
		ItemCode:        cellAt(cells, 5),
		Description:     cellAt(cells, 6),
		Unit:            cellAt(cells, 8),
		PurchaseRef:     cellAt(cells, 10),
		SupplierName:    cellAt(cells, 12),
		ReferenceNumber: cellAt(cells, 13),
		HsnCode:         cellAt(cells, 17),
	}

	if row.SalesRef == "" {
		return row, errors.New("sales order reference is required")
	}
	if row.CustomerName == "" {
		return row, errors.New("customer name is required")
	}
	if row.ItemCode == "" {
		return row, errors.New("item code is required")
	}
	if err := validateHsnCode(row.HsnCode); err != nil {
		return row, err
	}

	orderDate, err := parseImportDate(cellAt(cells, 1))
	if err != nil {
		return row, err
	}
	row.OrderDate = orderDate

	if row.Qty, err = parseImportQty(cellAt(cells, 7)); err != nil {
		return row, err
	}
	if !row.Qty.IsPositive() {
		return row, errors.New("quantity must be positive")
	}
	if row.UnitRate, err = parseImportQty(cellAt(cells, 9)); err != nil {
		return row, err
	}

	if row.PurchaseRef != "" {
		if row.SupplierName == "" {
			return row, errors.New("supplier name is required for purchase rows")
		}
		if raw := cellAt(cells, 11); raw != "" {
			if row.PurchaseDate, err = parseImportDate(raw); err != nil {
				return row, err
			}
		}
		if row.PurchaseQty, err = parseImportQty(cellAt(cells, 14)); err != nil {
			return row, err
		}
		if !row.PurchaseQty.IsPositive() {
			return row, errors.New("purchase quantity must be positive")
		}
		if row.PurchaseUnitRate, err = parseImportQty(cellAt(cells, 15)); err != nil {
			return row, err
		}
		if raw := cellAt(cells, 16); raw != "" {
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return row, fmt.Errorf("cannot parse gst rate %q", raw)
			}
			row.GstRate = &rate
		}
		if row.ReceivedQty, err = parseImportQty(cellAt(cells, 18)); err != nil {
			return row, err
		}
		if row.ReceivedQty.IsNegative() {
			return row, errors.New("received quantity cannot be negative")
		}
		if row.ReceivedQty.GreaterThan(row.PurchaseQty) {
			return row, errors.New("received quantity exceeds ordered quantity")
		}
	}
	return row, nil
}

// stageErrorWorkbook writes the row errors into an extra column of the
// uploaded workbook and stages the annotated copy for download.
func stageErrorWorkbook(ctx context.Context, workbook *excelize.File, fileName string, rowErrors []importRowError, store utils.FileStore) (string, error) {
	sheet := importSheetName
	if idx, _ := workbook.GetSheetIndex(sheet); idx < 0 {
		sheet = workbook.GetSheetName(0)
	}

	if err := workbook.SetCellValue(sheet, importErrorColumn+"1", importErrorHeader); err != nil {
		return "", err
	}
	for _, rowErr := range rowErrors {
		cell := fmt.Sprintf("%s%d", importErrorColumn, rowErr.RowIndex)
		if err := workbook.SetCellValue(sheet, cell, rowErr.Message); err != nil {
			return "", err
		}
	}

	buf, err := workbook.WriteToBuffer()
	if err != nil {
		return "", err
	}

	name := strings.TrimSuffix(fileName, ".xlsx") + "_errors.xlsx"
	url, err := store.AddFile(ctx, name,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	if err != nil {
		return "", err
	}
	config.LogWarn(config.GetLogger(), "bulkImport.go", "stageErrorWorkbook",
		"import rejected; annotated workbook staged",
		map[string]any{"url": url, "errors": len(rowErrors)})
	return url, nil
}
