package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/shopspring/decimal"
)

type SalesOrder struct {
	ID               int                 `gorm:"primary_key" json:"id"`
	OrderNumber      string              `gorm:"size:50;not null;uniqueIndex" json:"order_number"`
	SequenceNo       int64               `gorm:"not null" json:"sequence_no"`
	OrderDate        time.Time           `gorm:"not null" json:"order_date" binding:"required"`
	CustomerId       int                 `gorm:"index;not null" json:"customer_id" binding:"required"`
	PrNumber         string              `gorm:"size:100;default:null" json:"pr_number"`
	SiteName         string              `gorm:"size:100;default:null" json:"site_name"`
	CurrentStatus    SalesOrderStatus    `gorm:"type:enum('Pending','Open','Invoice','Closed','Cancelled');not null" json:"current_status"`
	IsApproved       *bool               `gorm:"not null;default:false" json:"is_approved"`
	OrderTotalAmount decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"order_total_amount"`
	Details          []SalesOrderDetail  `json:"details"`
	Expenses         []SalesOrderExpense `json:"expenses"`
	CreatedById      int                 `gorm:"default:null" json:"created_by_id"`
	UpdatedById      int                 `gorm:"default:null" json:"updated_by_id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesOrderDetail struct {
	ID             int             `gorm:"primary_key" json:"id"`
	SalesOrderId   int             `gorm:"index;not null" json:"sales_order_id"`
	ItemCode       string          `gorm:"size:100;not null" json:"item_code" binding:"required"`
	Description    string          `gorm:"size:255;default:null" json:"description"`
	DetailQty      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"detail_qty" binding:"required"`
	DetailUnitRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	Unit           string          `gorm:"size:20;default:null" json:"unit"`
	InquiryId      int             `gorm:"default:null" json:"inquiry_id"`
}

type SalesOrderExpense struct {
	ID           int             `gorm:"primary_key" json:"id"`
	SalesOrderId int             `gorm:"index;not null" json:"sales_order_id"`
	Description  string          `gorm:"size:255;not null" json:"description"`
	Price        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	GstRateId    int             `gorm:"default:null" json:"gst_rate_id"`
}

type NewSalesOrder struct {
	OrderDate  time.Time              `json:"order_date" binding:"required"`
	CustomerId int                    `json:"customer_id" binding:"required"`
	PrNumber   string                 `json:"pr_number"`
	SiteName   string                 `json:"site_name"`
	Details    []NewSalesOrderDetail  `json:"details" binding:"required,dive"`
	Expenses   []NewSalesOrderExpense `json:"expenses"`
}

type NewSalesOrderDetail struct {
	ItemCode       string          `json:"item_code" binding:"required"`
	Description    string          `json:"description"`
	DetailQty      decimal.Decimal `json:"detail_qty" binding:"required"`
	DetailUnitRate decimal.Decimal `json:"detail_unit_rate"`
	Unit           string          `json:"unit"`
	InquiryId      int             `json:"inquiry_id"`
}

type NewSalesOrderExpense struct {
	Description string          `json:"description" binding:"required"`
	Price       decimal.Decimal `json:"price"`
	GstRateId   int             `json:"gst_rate_id"`
}

func (input NewSalesOrder) validate(ctx context.Context) error {
	if err := utils.ValidateResourceId[Customer](ctx, input.CustomerId); err != nil {
		return errors.New("customer not found")
	}
	if len(input.Details) == 0 {
		return errors.New("sales order requires at least one line")
	}
	for _, detail := range input.Details {
		if !detail.DetailQty.IsPositive() {
			return errors.New("line quantity must be positive")
		}
		if detail.InquiryId > 0 {
			if err := utils.ValidateResourceId[Inquiry](ctx, detail.InquiryId); err != nil {
				return errors.New("inquiry not found")
			}
		}
	}
	for _, expense := range input.Expenses {
		if err := validateGstRateId(ctx, expense.GstRateId); err != nil {
			return errors.New("gst rate not found")
		}
	}
	return nil
}

func buildSalesOrder(ctx context.Context, input *NewSalesOrder) SalesOrder {
	userId, _ := utils.GetUserIdFromContext(ctx)

	var details []SalesOrderDetail
	total := decimal.Zero
	for _, item := range input.Details {
		details = append(details, SalesOrderDetail{
			ItemCode:       item.ItemCode,
			Description:    item.Description,
			DetailQty:      item.DetailQty,
			DetailUnitRate: item.DetailUnitRate,
			Unit:           item.Unit,
			InquiryId:      item.InquiryId,
		})
		total = total.Add(item.DetailQty.Mul(item.DetailUnitRate))
	}

	var expenses []SalesOrderExpense
	for _, expense := range input.Expenses {
		expenses = append(expenses, SalesOrderExpense{
			Description: expense.Description,
			Price:       expense.Price,
			GstRateId:   expense.GstRateId,
		})
		total = total.Add(expense.Price)
	}

	return SalesOrder{
		OrderDate:        input.OrderDate,
		CustomerId:       input.CustomerId,
		PrNumber:         input.PrNumber,
		SiteName:         input.SiteName,
		CurrentStatus:    SalesOrderStatusPending,
		IsApproved:       utils.NewFalse(),
		OrderTotalAmount: total,
		Details:          details,
		Expenses:         expenses,
		CreatedById:      userId,
		UpdatedById:      userId,
	}
}

func CreateSalesOrder(ctx context.Context, input *NewSalesOrder) (*SalesOrder, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	salesOrder := buildSalesOrder(ctx, input)

	tx := config.BeginSerializable()
	// always rollback on early-return or panic to avoid leaking DB locks
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	issuer := NewNumberIssuer()
	number, seqNo, err := issuer.Next(tx.WithContext(ctx), DocumentKindSalesOrder, input.OrderDate)
	if err != nil {
		return nil, err
	}
	salesOrder.OrderNumber = number
	salesOrder.SequenceNo = seqNo

	if err := tx.WithContext(ctx).Create(&salesOrder).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &salesOrder, nil
}

func GetSalesOrder(ctx context.Context, id int) (*SalesOrder, error) {
	return utils.FetchModel[SalesOrder](ctx, id, "Details", "Expenses")
}

func ListSalesOrders(ctx context.Context, status *SalesOrderStatus, limit int, offset int) ([]*SalesOrder, error) {
	db := config.GetDB()
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	dbCtx := db.WithContext(ctx).Preload("Details").Order("id DESC").Limit(limit).Offset(offset)
	if status != nil {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	var orders []*SalesOrder
	if err := dbCtx.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ApproveSalesOrder flips the approval flag; approval gates invoicing,
// not the stage machine.
func ApproveSalesOrder(ctx context.Context, id int) (*SalesOrder, error) {
	db := config.GetDB()
	order, err := utils.FetchModel[SalesOrder](ctx, id)
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

// UpdateSalesOrderStatus is the unguarded admin override: it can move a
// status backwards (e.g. Closed -> Open) with no coverage check. The
// divergence from the derived stage is logged, never blocked.
func UpdateSalesOrderStatus(ctx context.Context, id int, status SalesOrderStatus) (*SalesOrder, error) {
	order, err := utils.FetchModel[SalesOrder](ctx, id, "Details")
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

	derived, err := RefreshSalesOrderStatus(tx.WithContext(ctx), order.ID)
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

	logStatusDivergence("sales_order", order.ID, string(status), string(derived))
	order.CurrentStatus = status
	return order, nil
}
