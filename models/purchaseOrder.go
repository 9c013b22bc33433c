package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PurchaseOrder struct {
	ID               int                    `gorm:"primary_key" json:"id"`
	OrderNumber      string                 `gorm:"size:50;not null;uniqueIndex" json:"order_number"`
	SequenceNo       int64                  `gorm:"not null" json:"sequence_no"`
	OrderDate        time.Time              `gorm:"not null" json:"order_date" binding:"required"`
	SupplierId       int                    `gorm:"index;not null" json:"supplier_id" binding:"required"`
	ReferenceNumber  string                 `gorm:"size:100;default:null" json:"reference_number"`
	CurrentStatus    PurchaseOrderStatus    `gorm:"type:enum('Pending','Open','Fulfilment','Closed','Cancelled');not null" json:"current_status"`
	IsApproved       *bool                  `gorm:"not null;default:false" json:"is_approved"`
	OrderTotalAmount decimal.Decimal        `gorm:"type:decimal(20,4);default:0" json:"order_total_amount"`
	Details          []PurchaseOrderDetail  `json:"details"`
	Expenses         []PurchaseOrderExpense `json:"expenses"`
	CreatedById      int                    `gorm:"default:null" json:"created_by_id"`
	UpdatedById      int                    `gorm:"default:null" json:"updated_by_id"`
	CreatedAt        time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrderDetail struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId    int             `gorm:"index;not null" json:"purchase_order_id"`
	SalesOrderDetailId int             `gorm:"index;default:null" json:"sales_order_detail_id"`
	InquiryId          int             `gorm:"default:null" json:"inquiry_id"`
	ItemCode           string          `gorm:"size:100;not null" json:"item_code" binding:"required"`
	DetailQty          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"detail_qty" binding:"required"`
	DetailUnitRate     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	GstRateId          int             `gorm:"default:null" json:"gst_rate_id"`
	HsnCode            string          `gorm:"size:10;default:null" json:"hsn_code"`
}

type PurchaseOrderExpense struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	FulfilmentLogId *int            `gorm:"index;default:null" json:"fulfilment_log_id"`
	Description     string          `gorm:"size:255;not null" json:"description"`
	Price           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	GstRateId       int             `gorm:"default:null" json:"gst_rate_id"`
}

type NewPurchaseOrder struct {
	OrderDate       time.Time                 `json:"order_date" binding:"required"`
	SupplierId      int                       `json:"supplier_id" binding:"required"`
	ReferenceNumber string                    `json:"reference_number"`
	Details         []NewPurchaseOrderDetail  `json:"details" binding:"required,dive"`
	Expenses        []NewPurchaseOrderExpense `json:"expenses"`
}

type NewPurchaseOrderDetail struct {
	SalesOrderDetailId int             `json:"sales_order_detail_id"`
	InquiryId          int             `json:"inquiry_id"`
	ItemCode           string          `json:"item_code" binding:"required"`
	DetailQty          decimal.Decimal `json:"detail_qty" binding:"required"`
	DetailUnitRate     decimal.Decimal `json:"detail_unit_rate"`
	GstRateId          int             `json:"gst_rate_id"`
	HsnCode            string          `json:"hsn_code"`
}

type NewPurchaseOrderExpense struct {
	Description string          `json:"description" binding:"required"`
	Price       decimal.Decimal `json:"price"`
	GstRateId   int             `json:"gst_rate_id"`
}

const hsnCodeMaxLen = 8

func validateHsnCode(hsnCode string) error {
	if hsnCode == "" {
		return nil
	}
	if len(hsnCode) > hsnCodeMaxLen {
		return errors.New("hsn code is too long")
	}
	for _, r := range hsnCode {
		if r < '0' || r > '9' {
			return errors.New("hsn code must be numeric")
		}
	}
	return nil
}

func (input NewPurchaseOrder) validate(ctx context.Context) error {
	if err := ValidateSupplierForPurchase(ctx, input.SupplierId); err != nil {
		return err
	}
	if len(input.Details) == 0 {
		return errors.New("purchase order requires at least one line")
	}
	for _, detail := range input.Details {
		if !detail.DetailQty.IsPositive() {
			return errors.New("line quantity must be positive")
		}
		if err := validateHsnCode(detail.HsnCode); err != nil {
			return err
		}
		if err := validateGstRateId(ctx, detail.GstRateId); err != nil {
			return errors.New("gst rate not found")
		}
		if detail.SalesOrderDetailId > 0 {
			if err := utils.ValidateResourceId[SalesOrderDetail](ctx, detail.SalesOrderDetailId); err != nil {
				return errors.New("sales order line not found")
			}
		}
		if detail.InquiryId > 0 {
			if err := utils.ValidateResourceId[Inquiry](ctx, detail.InquiryId); err != nil {
				return errors.New("inquiry not found")
			}
		}
	}
	return nil
}

func buildPurchaseOrder(ctx context.Context, input *NewPurchaseOrder) PurchaseOrder {
	userId, _ := utils.GetUserIdFromContext(ctx)

	var details []PurchaseOrderDetail
	total := decimal.Zero
	for _, item := range input.Details {
		details = append(details, PurchaseOrderDetail{
			SalesOrderDetailId: item.SalesOrderDetailId,
			InquiryId:          item.InquiryId,
			ItemCode:           item.ItemCode,
			DetailQty:          item.DetailQty,
			DetailUnitRate:     item.DetailUnitRate,
			GstRateId:          item.GstRateId,
			HsnCode:            item.HsnCode,
		})
		total = total.Add(item.DetailQty.Mul(item.DetailUnitRate))
	}

	var expenses []PurchaseOrderExpense
	for _, expense := range input.Expenses {
		expenses = append(expenses, PurchaseOrderExpense{
			Description: expense.Description,
			Price:       expense.Price,
			GstRateId:   expense.GstRateId,
		})
		total = total.Add(expense.Price)
	}

	return PurchaseOrder{
		OrderDate:        input.OrderDate,
		SupplierId:       input.SupplierId,
		ReferenceNumber:  input.ReferenceNumber,
		CurrentStatus:    PurchaseOrderStatusOpen,
		IsApproved:       utils.NewFalse(),
		OrderTotalAmount: total,
		Details:          details,
		Expenses:         expenses,
		CreatedById:      userId,
		UpdatedById:      userId,
	}
}

func CreatePurchaseOrder(ctx context.Context, input *NewPurchaseOrder) (*PurchaseOrder, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	purchaseOrder := buildPurchaseOrder(ctx, input)

	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	issuer := NewNumberIssuer()
	number, seqNo, err := issuer.Next(tx.WithContext(ctx), DocumentKindPurchaseOrder, input.OrderDate)
	if err != nil {
		return nil, err
	}
	purchaseOrder.OrderNumber = number
	purchaseOrder.SequenceNo = seqNo

	if err := tx.WithContext(ctx).Create(&purchaseOrder).Error; err != nil {
		return nil, err
	}

	// linking purchase lines can move the sourced sales orders out of Pending
	if err := refreshLinkedSalesOrders(tx.WithContext(ctx), purchaseOrder.Details); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &purchaseOrder, nil
}

// refreshLinkedSalesOrders recomputes the stage of every sales order a
// set of purchase lines sources from.
func refreshLinkedSalesOrders(tx *gorm.DB, details []PurchaseOrderDetail) error {
	salesDetailIds := make([]int, 0, len(details))
	for _, detail := range details {
		if detail.SalesOrderDetailId > 0 {
			salesDetailIds = append(salesDetailIds, detail.SalesOrderDetailId)
		}
	}
	if len(salesDetailIds) == 0 {
		return nil
	}

	var salesOrderIds []int
	if err := tx.Model(&SalesOrderDetail{}).
		Where("id IN ?", salesDetailIds).
		Distinct().
		Pluck("sales_order_id", &salesOrderIds).Error; err != nil {
		return err
	}
	for _, salesOrderId := range salesOrderIds {
		if _, err := RefreshSalesOrderStatus(tx, salesOrderId); err != nil {
			return err
		}
	}
	return nil
}

func GetPurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	return utils.FetchModel[PurchaseOrder](ctx, id, "Details", "Expenses")
}

func ListPurchaseOrders(ctx context.Context, status *PurchaseOrderStatus, limit int, offset int) ([]*PurchaseOrder, error) {
	db := config.GetDB()
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	dbCtx := db.WithContext(ctx).Preload("Details").Order("id DESC").Limit(limit).Offset(offset)
	if status != nil {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	var orders []*PurchaseOrder
	if err := dbCtx.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func ApprovePurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	db := config.GetDB()
	order, err := utils.FetchModel[PurchaseOrder](ctx, id)
	if err != nil {
		return nil, err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	if err := db.WithContext(ctx).Model(order).
		Updates(map[string]any{"is_approved": true, "updated_by_id": userId}).Error; err != nil {
		return nil, err
	}
	return order, nil
}

// UpdatePurchaseOrderStatus is the unguarded admin override; see
// UpdateSalesOrderStatus.
func UpdatePurchaseOrderStatus(ctx context.Context, id int, status PurchaseOrderStatus) (*PurchaseOrder, error) {
	order, err := utils.FetchModel[PurchaseOrder](ctx, id, "Details")
	if err != nil {
		return nil, err
	}

	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	derived, err := RefreshPurchaseOrderStatus(tx.WithContext(ctx), order.ID)
	if err != nil {
		return nil, err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	if err := tx.WithContext(ctx).Model(order).
		Updates(map[string]any{"current_status": status, "updated_by_id": userId}).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logStatusDivergence("purchase_order", order.ID, string(status), string(derived))
	order.CurrentStatus = status
	return order, nil
}
