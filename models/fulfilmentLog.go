package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FulfilmentLog records one physical goods-receipt event from a supplier.
type FulfilmentLog struct {
	ID                    int                   `gorm:"primary_key" json:"id"`
	PurchaseOrderId       int                   `gorm:"index;not null" json:"purchase_order_id" binding:"required"`
	GateEntryNumber       string                `gorm:"size:50;not null" json:"gate_entry_number"`
	GateEntryDate         time.Time             `gorm:"not null" json:"gate_entry_date"`
	SupplierInvoiceNumber string                `gorm:"size:100;default:null" json:"supplier_invoice_number"`
	SupplierInvoiceDate   *time.Time            `gorm:"default:null" json:"supplier_invoice_date"`
	Location              string                `gorm:"size:100;default:null" json:"location"`
	Remarks               string                `gorm:"type:text;default:null" json:"remarks"`
	Details               []FulfilmentLogDetail `json:"details"`
	CreatedById           int                   `gorm:"default:null" json:"created_by_id"`
	UpdatedById           int                   `gorm:"default:null" json:"updated_by_id"`
	CreatedAt             time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// FulfilmentLogDetail is immutable once created; the only allowed change
// is deletion, which reverses the ledger delta it caused.
type FulfilmentLogDetail struct {
	ID              int             `gorm:"primary_key" json:"id"`
	FulfilmentLogId int             `gorm:"index;not null" json:"fulfilment_log_id"`
	InventoryItemId int             `gorm:"index;not null" json:"inventory_item_id"`
	Qty             decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
}

type NewFulfilmentLog struct {
	PurchaseOrderId       int                       `json:"purchase_order_id" binding:"required"`
	GateEntryNumber       string                    `json:"gate_entry_number" binding:"required"`
	GateEntryDate         time.Time                 `json:"gate_entry_date" binding:"required"`
	SupplierInvoiceNumber string                    `json:"supplier_invoice_number"`
	SupplierInvoiceDate   *time.Time                `json:"supplier_invoice_date"`
	Location              string                    `json:"location"`
	Remarks               string                    `json:"remarks"`
	Details               []NewFulfilmentLogDetail  `json:"details" binding:"required,dive"`
	Expenses              []NewPurchaseOrderExpense `json:"expenses"`
	ExistingExpenseIds    []int                     `json:"existing_expense_ids"`
}

type NewFulfilmentLogDetail struct {
	PurchaseOrderDetailId int             `json:"purchase_order_detail_id" binding:"required"`
	Qty                   decimal.Decimal `json:"qty" binding:"required"`
	HsnCode               string          `json:"hsn_code"`
	GstRateId             int             `json:"gst_rate_id"`
}

// FulfilmentLineResult reports what happened to one receipt line.
type FulfilmentLineResult struct {
	PurchaseOrderDetailId int             `json:"purchase_order_detail_id"`
	Qty                   decimal.Decimal `json:"qty"`
	Outcome               LineOutcome     `json:"outcome"`
}

type FulfilmentResult struct {
	Log         *FulfilmentLog         `json:"log"`
	Lines       []FulfilmentLineResult `json:"lines"`
	OrderStatus PurchaseOrderStatus    `json:"order_status"`
}

func (input NewFulfilmentLog) validate() error {
	if len(input.Details) == 0 {
		return errors.New("receipt requires at least one line")
	}
	for _, line := range input.Details {
		if line.Qty.IsZero() {
			return errors.New("receipt line quantity must not be zero")
		}
		if err := validateHsnCode(line.HsnCode); err != nil {
			return err
		}
	}
	return nil
}

// CreateFulfilmentLog records a goods receipt: it moves the received
// quantities into the inventory ledger, one FulfilmentLogDetail per
// applied line, and recomputes the purchase order stage. Lines whose
// delta would push the balance outside [0, ordered qty] are skipped per
// line, not failed; a receipt in which nothing applied aborts entirely.
func CreateFulfilmentLog(ctx context.Context, input *NewFulfilmentLog) (*FulfilmentResult, error) {
	logger := config.GetLogger()

	if err := input.validate(); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()
	dbCtx := tx.WithContext(ctx)

	var order PurchaseOrder
	if err := dbCtx.Preload("Details").First(&order, input.PurchaseOrderId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if order.CurrentStatus == PurchaseOrderStatusCancelled {
		return nil, errors.New("cannot receive against a cancelled purchase order")
	}

	orderDetails := make(map[int]*PurchaseOrderDetail, len(order.Details))
	for i := range order.Details {
		orderDetails[order.Details[i].ID] = &order.Details[i]
	}

	log := FulfilmentLog{
		PurchaseOrderId:       input.PurchaseOrderId,
		GateEntryNumber:       input.GateEntryNumber,
		GateEntryDate:         input.GateEntryDate,
		SupplierInvoiceNumber: input.SupplierInvoiceNumber,
		SupplierInvoiceDate:   input.SupplierInvoiceDate,
		Location:              input.Location,
		Remarks:               input.Remarks,
		CreatedById:           userId,
		UpdatedById:           userId,
	}
	if err := dbCtx.Create(&log).Error; err != nil {
		return nil, err
	}

	lines := make([]FulfilmentLineResult, 0, len(input.Details))
	applied := 0
	for _, line := range input.Details {
		detail, ok := orderDetails[line.PurchaseOrderDetailId]
		if !ok {
			// referencing a line outside the order is fatal, not a skip
			return nil, fmt.Errorf("purchase order line %d does not belong to order %d", line.PurchaseOrderDetailId, order.ID)
		}

		// corrective metadata from the gate entry wins over what the
		// order was created with
		updates := map[string]any{}
		if line.HsnCode != "" && line.HsnCode != detail.HsnCode {
			updates["hsn_code"] = line.HsnCode
		}
		if line.GstRateId > 0 && line.GstRateId != detail.GstRateId {
			if err := validateGstRateId(ctx, line.GstRateId); err != nil {
				return nil, errors.New("gst rate not found")
			}
			updates["gst_rate_id"] = line.GstRateId
		}
		if len(updates) > 0 {
			if err := dbCtx.Model(detail).Updates(updates).Error; err != nil {
				return nil, err
			}
		}

		outcome, err := applyReceiptLine(dbCtx, detail, line.Qty, log.ID)
		if err != nil {
			return nil, err
		}
		if outcome == LineOutcomeApplied {
			applied++
		} else {
			config.LogWarn(logger, "fulfilmentLog.go", "CreateFulfilmentLog",
				"receipt line skipped",
				map[string]any{"purchase_order_detail_id": detail.ID, "qty": line.Qty, "outcome": outcome})
		}
		lines = append(lines, FulfilmentLineResult{
			PurchaseOrderDetailId: line.PurchaseOrderDetailId,
			Qty:                   line.Qty,
			Outcome:               outcome,
		})
	}

	// a receipt event that applied nothing must not be persisted
	if applied == 0 {
		err := errors.New("no receipt lines could be applied")
		config.LogError(logger, "fulfilmentLog.go", "CreateFulfilmentLog",
			"whole receipt aborted", map[string]any{"purchase_order_id": order.ID}, err)
		return nil, err
	}

	if err := attachReceiptExpenses(dbCtx, &order, log.ID, input.Expenses, input.ExistingExpenseIds); err != nil {
		return nil, err
	}

	status, err := RefreshPurchaseOrderStatus(dbCtx, order.ID)
	if err != nil {
		return nil, err
	}

	if err := dbCtx.Preload("Details").First(&log, log.ID).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &FulfilmentResult{Log: &log, Lines: lines, OrderStatus: status}, nil
}

// applyReceiptLine moves one line's delta into the ledger. The delta may
// be negative (a same-event correction) but the resulting balance must
// stay inside [QtyGone, ordered qty].
func applyReceiptLine(tx *gorm.DB, detail *PurchaseOrderDetail, delta decimal.Decimal, logId int) (LineOutcome, error) {
	if delta.IsZero() {
		return "", errors.New("receipt line quantity must not be zero")
	}

	var current InventoryItem
	err := tx.Where("purchase_order_detail_id = ?", detail.ID).First(&current).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return "", err
	}

	next := utils.RoundQty(current.Qty.Add(delta))
	if next.IsNegative() || next.GreaterThan(detail.DetailQty) || next.LessThan(current.QtyGone) {
		return LineOutcomeSkippedOverCap, nil
	}

	item, err := receiptDelta(tx, detail.ID, delta)
	if err != nil {
		return "", err
	}

	logDetail := FulfilmentLogDetail{
		FulfilmentLogId: logId,
		InventoryItemId: item.ID,
		Qty:             utils.RoundQty(delta),
	}
	if err := tx.Create(&logDetail).Error; err != nil {
		return "", err
	}
	return LineOutcomeApplied, nil
}

func attachReceiptExpenses(tx *gorm.DB, order *PurchaseOrder, logId int, newExpenses []NewPurchaseOrderExpense, existingIds []int) error {
	for _, expense := range newExpenses {
		row := PurchaseOrderExpense{
			PurchaseOrderId: order.ID,
			FulfilmentLogId: &logId,
			Description:     expense.Description,
			Price:           expense.Price,
			GstRateId:       expense.GstRateId,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	for _, id := range utils.UniqueSlice(existingIds) {
		result := tx.Model(&PurchaseOrderExpense{}).
			Where("id = ? AND purchase_order_id = ?", id, order.ID).
			Update("fulfilment_log_id", logId)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("expense %d does not belong to order %d", id, order.ID)
		}
	}
	return nil
}

func GetFulfilmentLog(ctx context.Context, id int) (*FulfilmentLog, error) {
	return utils.FetchModel[FulfilmentLog](ctx, id, "Details")
}

// DeleteFulfilmentLogDetail reverses the ledger delta one receipt line
// caused. It hard-fails when the received quantity has already been
// consumed by invoices past the reversal point.
func DeleteFulfilmentLogDetail(ctx context.Context, detailId int) error {
	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()
	dbCtx := tx.WithContext(ctx)

	var logDetail FulfilmentLogDetail
	if err := dbCtx.First(&logDetail, detailId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}
	var log FulfilmentLog
	if err := dbCtx.First(&log, logDetail.FulfilmentLogId).Error; err != nil {
		return err
	}
	var item InventoryItem
	if err := dbCtx.First(&item, logDetail.InventoryItemId).Error; err != nil {
		return err
	}

	next := utils.RoundQty(item.Qty.Sub(logDetail.Qty))
	if next.LessThan(item.QtyGone) {
		return errors.New("received quantity has already been invoiced; delete the invoice first")
	}
	item.Qty = next
	if err := dbCtx.Model(&item).Update("qty", item.Qty).Error; err != nil {
		return err
	}

	if err := dbCtx.Delete(&logDetail).Error; err != nil {
		return err
	}

	// a log with no remaining lines is an empty receipt event; drop it
	var remaining int64
	if err := dbCtx.Model(&FulfilmentLogDetail{}).
		Where("fulfilment_log_id = ?", log.ID).Count(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 {
		if err := dbCtx.Model(&PurchaseOrderExpense{}).
			Where("fulfilment_log_id = ?", log.ID).
			Update("fulfilment_log_id", nil).Error; err != nil {
			return err
		}
		if err := dbCtx.Delete(&log).Error; err != nil {
			return err
		}
	}

	if _, err := RefreshPurchaseOrderStatus(dbCtx, log.PurchaseOrderId); err != nil {
		return err
	}
	return tx.Commit().Error
}
