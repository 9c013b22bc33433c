package main

import (
	"log"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/models"
	"gorm.io/gorm"
)

// rebuild-stages re-derives every order's status from current coverage.
// Safe to rerun; derivation is idempotent and never touches Cancelled
// orders. Useful after a manual data fix or a bad import rollback.
func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()

	var purchaseOrderIds []int
	if err := db.Model(&models.PurchaseOrder{}).Pluck("id", &purchaseOrderIds).Error; err != nil {
		log.Fatalf("cannot list purchase orders: %v", err)
	}
	var salesOrderIds []int
	if err := db.Model(&models.SalesOrder{}).Pluck("id", &salesOrderIds).Error; err != nil {
		log.Fatalf("cannot list sales orders: %v", err)
	}

	changed := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, id := range purchaseOrderIds {
			if _, err := models.RefreshPurchaseOrderStatus(tx, id); err != nil {
				return err
			}
			changed++
		}
		for _, id := range salesOrderIds {
			if _, err := models.RefreshSalesOrderStatus(tx, id); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		log.Fatalf("rebuild failed, nothing persisted: %v", err)
	}
	log.Printf("refreshed %d orders (%d purchase, %d sales)",
		changed, len(purchaseOrderIds), len(salesOrderIds))
}
