package models

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrorInsufficientInventory = errors.New("insufficient inventory to satisfy the requested invoice quantity")

// InventoryItem is the running balance tied to exactly one purchase order
// line: Qty is everything received against the line, QtyGone everything
// consumed by invoices. 0 <= QtyGone <= Qty <= ordered qty always holds.
type InventoryItem struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	PurchaseOrderDetailId int             `gorm:"uniqueIndex;not null" json:"purchase_order_detail_id"`
	Qty                   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty"`
	QtyGone               decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_gone"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (it *InventoryItem) AvailableQty() decimal.Decimal {
	return utils.RoundQty(it.Qty.Sub(it.QtyGone))
}

// inventoryByDetailIds loads the inventory rows for a set of purchase
// order details, keyed by detail id. Details that have not received
// anything yet have no row and no map entry.
func inventoryByDetailIds(tx *gorm.DB, detailIds []int) (map[int]*InventoryItem, error) {
	result := make(map[int]*InventoryItem, len(detailIds))
	if len(detailIds) == 0 {
		return result, nil
	}
	var items []*InventoryItem
	if err := tx.Where("purchase_order_detail_id IN ?", detailIds).Find(&items).Error; err != nil {
		return nil, err
	}
	for _, item := range items {
		result[item.PurchaseOrderDetailId] = item
	}
	return result, nil
}

// receiptDelta applies a received quantity to the ledger, creating the
// row lazily on first receipt.
func receiptDelta(tx *gorm.DB, purchaseOrderDetailId int, delta decimal.Decimal) (*InventoryItem, error) {
	var item InventoryItem
	err := tx.Where("purchase_order_detail_id = ?", purchaseOrderDetailId).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		item = InventoryItem{
			PurchaseOrderDetailId: purchaseOrderDetailId,
			Qty:                   utils.RoundQty(delta),
			QtyGone:               decimal.Zero,
		}
		if err := tx.Create(&item).Error; err != nil {
			return nil, err
		}
		return &item, nil
	}
	if err != nil {
		return nil, err
	}

	item.Qty = utils.RoundQty(item.Qty.Add(delta))
	if err := tx.Model(&item).Update("qty", item.Qty).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// consume marks qty of the item as gone. Callers guarantee qty does not
// exceed the available balance; this is re-checked here as a hard stop.
func consume(tx *gorm.DB, item *InventoryItem, qty decimal.Decimal) error {
	if qty.GreaterThan(item.AvailableQty()) {
		return ErrorInsufficientInventory
	}
	item.QtyGone = utils.RoundQty(item.QtyGone.Add(qty))
	return tx.Model(item).Update("qty_gone", item.QtyGone).Error
}

// release undoes a consumption, e.g. when an invoice line is deleted.
func release(tx *gorm.DB, item *InventoryItem, qty decimal.Decimal) error {
	next := utils.RoundQty(item.QtyGone.Sub(qty))
	if next.IsNegative() {
		return errors.New("cannot release more than has been consumed")
	}
	item.QtyGone = next
	return tx.Model(item).Update("qty_gone", item.QtyGone).Error
}
