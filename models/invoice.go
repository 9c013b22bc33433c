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

// Invoice consumes received inventory against sales order lines. A draft
// carries no number; the number is issued when the draft is finalized.
type Invoice struct {
	ID             int             `gorm:"primary_key" json:"id"`
	InvoiceNumber  string          `gorm:"size:50;default:null;uniqueIndex" json:"invoice_number"`
	SequenceNo     int64           `gorm:"default:0" json:"sequence_no"`
	IsDraft        *bool           `gorm:"not null;default:true" json:"is_draft"`
	InvoiceDate    time.Time       `gorm:"not null" json:"invoice_date" binding:"required"`
	CustomerId     int             `gorm:"index;not null" json:"customer_id" binding:"required"`
	Currency       string          `gorm:"size:10;default:'INR'" json:"currency"`
	ConversionRate decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"conversion_rate"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Details        []InvoiceDetail `json:"details"`
	CreatedById    int             `gorm:"default:null" json:"created_by_id"`
	UpdatedById    int             `gorm:"default:null" json:"updated_by_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceDetail struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	InvoiceId          int             `gorm:"index;not null" json:"invoice_id"`
	SalesOrderDetailId int             `gorm:"index;not null" json:"sales_order_detail_id"`
	Qty                decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitRate           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_rate"`
}

type NewInvoice struct {
	InvoiceDate    time.Time          `json:"invoice_date" binding:"required"`
	CustomerId     int                `json:"customer_id" binding:"required"`
	Currency       string             `json:"currency"`
	ConversionRate decimal.Decimal    `json:"conversion_rate"`
	IsDraft        bool               `json:"is_draft"`
	Details        []NewInvoiceDetail `json:"details" binding:"required,dive"`
}

type NewInvoiceDetail struct {
	SalesOrderDetailId int             `json:"sales_order_detail_id" binding:"required"`
	Qty                decimal.Decimal `json:"qty" binding:"required"`
	UnitRate           decimal.Decimal `json:"unit_rate"`
}

// InvoiceAllocation reports how much one purchase order line contributed
// to an invoice line, or why it contributed nothing.
type InvoiceAllocation struct {
	PurchaseOrderDetailId int             `json:"purchase_order_detail_id"`
	Qty                   decimal.Decimal `json:"qty"`
	Outcome               LineOutcome     `json:"outcome"`
}

type InvoiceLineResult struct {
	SalesOrderDetailId int                 `json:"sales_order_detail_id"`
	Qty                decimal.Decimal     `json:"qty"`
	Allocations        []InvoiceAllocation `json:"allocations"`
}

type InvoiceResult struct {
	Invoice *Invoice            `json:"invoice"`
	Lines   []InvoiceLineResult `json:"lines"`
}

func (input NewInvoice) validate(ctx context.Context) error {
	if err := utils.ValidateResourceId[Customer](ctx, input.CustomerId); err != nil {
		return errors.New("customer not found")
	}
	if len(input.Details) == 0 {
		return errors.New("invoice requires at least one line")
	}
	for _, detail := range input.Details {
		if !detail.Qty.IsPositive() {
			return errors.New("line quantity must be positive")
		}
	}
	return nil
}

// CreateInvoice allocates inventory for every line at creation time,
// draft or not. Each line walks the purchase order lines sourced from
// its sales order line in linking order and drains them front to back;
// if the walk ends with quantity still unallocated the whole invoice is
// rolled back.
func CreateInvoice(ctx context.Context, input *NewInvoice) (*InvoiceResult, error) {
	logger := config.GetLogger()

	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	currency := input.Currency
	if currency == "" {
		currency = "INR"
	}
	conversionRate := input.ConversionRate
	if conversionRate.IsZero() {
		conversionRate = decimal.NewFromInt(1)
	}

	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()
	dbCtx := tx.WithContext(ctx)

	invoice := Invoice{
		IsDraft:        &input.IsDraft,
		InvoiceDate:    input.InvoiceDate,
		CustomerId:     input.CustomerId,
		Currency:       currency,
		ConversionRate: conversionRate,
		CreatedById:    userId,
		UpdatedById:    userId,
	}

	if !input.IsDraft {
		issuer := NewNumberIssuer()
		number, seqNo, err := issuer.Next(dbCtx, DocumentKindInvoice, input.InvoiceDate)
		if err != nil {
			return nil, err
		}
		invoice.InvoiceNumber = number
		invoice.SequenceNo = seqNo
	}
	if err := dbCtx.Create(&invoice).Error; err != nil {
		return nil, err
	}

	total := decimal.Zero
	salesOrderIds := make([]int, 0, len(input.Details))
	lines := make([]InvoiceLineResult, 0, len(input.Details))
	for _, line := range input.Details {
		var salesDetail SalesOrderDetail
		if err := dbCtx.First(&salesDetail, line.SalesOrderDetailId).Error; err != nil {
			return nil, errors.New("sales order line not found")
		}
		var salesOrder SalesOrder
		if err := dbCtx.First(&salesOrder, salesDetail.SalesOrderId).Error; err != nil {
			return nil, err
		}
		if !utils.DereferencePtr(salesOrder.IsApproved) {
			return nil, fmt.Errorf("sales order %s is not approved for invoicing", salesOrder.OrderNumber)
		}
		if salesOrder.CurrentStatus == SalesOrderStatusCancelled {
			return nil, fmt.Errorf("sales order %s is cancelled", salesOrder.OrderNumber)
		}

		// total invoiced across all invoices must stay within the ordered qty
		var alreadyInvoiced decimal.Decimal
		if err := dbCtx.Model(&InvoiceDetail{}).
			Where("sales_order_detail_id = ?", salesDetail.ID).
			Select("COALESCE(SUM(qty), 0)").
			Scan(&alreadyInvoiced).Error; err != nil {
			return nil, err
		}
		if utils.RoundQty(alreadyInvoiced.Add(line.Qty)).GreaterThan(salesDetail.DetailQty) {
			return nil, fmt.Errorf("invoiced quantity for item %s would exceed the ordered quantity", salesDetail.ItemCode)
		}

		allocations, err := allocateInventory(dbCtx, salesDetail.ID, line.Qty)
		if err != nil {
			config.LogError(logger, "invoice.go", "CreateInvoice", "allocation failed",
				map[string]any{"sales_order_detail_id": salesDetail.ID, "qty": line.Qty}, err)
			return nil, err
		}
		for _, alloc := range allocations {
			if alloc.Outcome != LineOutcomeApplied {
				config.LogWarn(logger, "invoice.go", "CreateInvoice",
					"purchase line skipped during allocation",
					map[string]any{"purchase_order_detail_id": alloc.PurchaseOrderDetailId, "outcome": alloc.Outcome})
			}
		}

		unitRate := line.UnitRate
		if unitRate.IsZero() {
			unitRate = salesDetail.DetailUnitRate
		}
		detail := InvoiceDetail{
			InvoiceId:          invoice.ID,
			SalesOrderDetailId: salesDetail.ID,
			Qty:                utils.RoundQty(line.Qty),
			UnitRate:           unitRate,
		}
		if err := dbCtx.Create(&detail).Error; err != nil {
			return nil, err
		}
		total = total.Add(detail.Qty.Mul(unitRate))
		salesOrderIds = append(salesOrderIds, salesDetail.SalesOrderId)
		lines = append(lines, InvoiceLineResult{
			SalesOrderDetailId: salesDetail.ID,
			Qty:                detail.Qty,
			Allocations:        allocations,
		})
	}

	if err := dbCtx.Model(&invoice).Update("total_amount", total).Error; err != nil {
		return nil, err
	}
	invoice.TotalAmount = total

	for _, salesOrderId := range utils.UniqueSlice(salesOrderIds) {
		if _, err := RefreshSalesOrderStatus(dbCtx, salesOrderId); err != nil {
			return nil, err
		}
	}

	if err := dbCtx.Preload("Details").First(&invoice, invoice.ID).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &InvoiceResult{Invoice: &invoice, Lines: lines}, nil
}

// allocateInventory drains the purchase order lines sourced from one
// sales order line, oldest link first. Lines that have received nothing
// are skipped, not failed. Quantity still unallocated after the walk is
// insufficient inventory and aborts the caller.
func allocateInventory(tx *gorm.DB, salesOrderDetailId int, qty decimal.Decimal) ([]InvoiceAllocation, error) {
	var purchaseDetails []PurchaseOrderDetail
	if err := tx.Where("sales_order_detail_id = ?", salesOrderDetailId).
		Order("id ASC").
		Find(&purchaseDetails).Error; err != nil {
		return nil, err
	}

	detailIds := make([]int, 0, len(purchaseDetails))
	for _, detail := range purchaseDetails {
		detailIds = append(detailIds, detail.ID)
	}
	inventory, err := inventoryByDetailIds(tx, detailIds)
	if err != nil {
		return nil, err
	}

	remaining := utils.RoundQty(qty)
	allocations := make([]InvoiceAllocation, 0, len(purchaseDetails))
	for _, detail := range purchaseDetails {
		if remaining.IsZero() {
			break
		}
		item := inventory[detail.ID]
		if item == nil || item.AvailableQty().IsZero() {
			allocations = append(allocations, InvoiceAllocation{
				PurchaseOrderDetailId: detail.ID,
				Qty:                   decimal.Zero,
				Outcome:               LineOutcomeSkippedNoInventory,
			})
			continue
		}

		take := decimal.Min(item.AvailableQty(), remaining)
		if err := consume(tx, item, take); err != nil {
			return nil, err
		}
		remaining = utils.RoundQty(remaining.Sub(take))
		allocations = append(allocations, InvoiceAllocation{
			PurchaseOrderDetailId: detail.ID,
			Qty:                   take,
			Outcome:               LineOutcomeApplied,
		})
	}

	if remaining.IsPositive() {
		return nil, ErrorInsufficientInventory
	}
	return allocations, nil
}

// releaseInventory undoes one invoice line's consumption, walking the
// same purchase lines in reverse so the most recently drained line is
// refilled first.
func releaseInventory(tx *gorm.DB, salesOrderDetailId int, qty decimal.Decimal) error {
	var purchaseDetails []PurchaseOrderDetail
	if err := tx.Where("sales_order_detail_id = ?", salesOrderDetailId).
		Order("id DESC").
		Find(&purchaseDetails).Error; err != nil {
		return err
	}

	detailIds := make([]int, 0, len(purchaseDetails))
	for _, detail := range purchaseDetails {
		detailIds = append(detailIds, detail.ID)
	}
	inventory, err := inventoryByDetailIds(tx, detailIds)
	if err != nil {
		return err
	}

	remaining := utils.RoundQty(qty)
	for _, detail := range purchaseDetails {
		if remaining.IsZero() {
			break
		}
		item := inventory[detail.ID]
		if item == nil || item.QtyGone.IsZero() {
			continue
		}
		give := decimal.Min(item.QtyGone, remaining)
		if err := release(tx, item, give); err != nil {
			return err
		}
		remaining = utils.RoundQty(remaining.Sub(give))
	}
	if remaining.IsPositive() {
		return errors.New("ledger does not hold enough consumed quantity to release")
	}
	return nil
}

func GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	return utils.FetchModel[Invoice](ctx, id, "Details")
}

func ListInvoices(ctx context.Context, customerId *int, limit int, offset int) ([]*Invoice, error) {
	db := config.GetDB()
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	dbCtx := db.WithContext(ctx).Preload("Details").Order("id DESC").Limit(limit).Offset(offset)
	if customerId != nil {
		dbCtx = dbCtx.Where("customer_id = ?", *customerId)
	}
	var invoices []*Invoice
	if err := dbCtx.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

// FinalizeInvoice issues the document number for a draft. The number is
// taken from the invoice date's period; the issuer's last-number lookup
// filters by invoice_date, so the date and the number must agree or the
// finalized row becomes invisible to later issuance in its period.
func FinalizeInvoice(ctx context.Context, id int) (*Invoice, error) {
	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()
	dbCtx := tx.WithContext(ctx)

	var invoice Invoice
	if err := dbCtx.First(&invoice, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if !utils.DereferencePtr(invoice.IsDraft) {
		return nil, errors.New("invoice is already finalized")
	}

	issuer := NewNumberIssuer()
	number, seqNo, err := issuer.Next(dbCtx, DocumentKindInvoice, invoice.InvoiceDate)
	if err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	updates := map[string]any{
		"invoice_number": number,
		"sequence_no":    seqNo,
		"is_draft":       false,
		"updated_by_id":  userId,
	}
	if err := dbCtx.Model(&invoice).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	invoice.InvoiceNumber = number
	invoice.SequenceNo = seqNo
	invoice.IsDraft = utils.NewFalse()
	return &invoice, nil
}

// DeleteInvoiceDetail removes one invoice line and returns its quantity
// to the ledger. A finalized invoice keeps its number even if this
// empties it.
func DeleteInvoiceDetail(ctx context.Context, detailId int) error {
	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()
	dbCtx := tx.WithContext(ctx)

	var detail InvoiceDetail
	if err := dbCtx.First(&detail, detailId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}
	var invoice Invoice
	if err := dbCtx.First(&invoice, detail.InvoiceId).Error; err != nil {
		return err
	}
	var salesDetail SalesOrderDetail
	if err := dbCtx.First(&salesDetail, detail.SalesOrderDetailId).Error; err != nil {
		return err
	}

	if err := releaseInventory(dbCtx, detail.SalesOrderDetailId, detail.Qty); err != nil {
		return err
	}
	if err := dbCtx.Delete(&detail).Error; err != nil {
		return err
	}

	newTotal := invoice.TotalAmount.Sub(detail.Qty.Mul(detail.UnitRate))
	if err := dbCtx.Model(&invoice).Update("total_amount", newTotal).Error; err != nil {
		return err
	}

	if _, err := RefreshSalesOrderStatus(dbCtx, salesDetail.SalesOrderId); err != nil {
		return err
	}
	return tx.Commit().Error
}
