package models

import (
	"log"

	"bitbucket.org/mmdatafocus/trading_backend/config"
)

// MigrateTable keeps the schema in sync at startup. Order matters only
// for readability; gorm resolves foreign keys itself.
func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&User{},
		&Customer{},
		&Supplier{},
		&GstRate{},
		&DocumentPrefix{},
		&Inquiry{},
		&SalesOrder{},
		&SalesOrderDetail{},
		&SalesOrderExpense{},
		&PurchaseOrder{},
		&PurchaseOrderDetail{},
		&PurchaseOrderExpense{},
		&InventoryItem{},
		&FulfilmentLog{},
		&FulfilmentLogDetail{},
		&Invoice{},
		&InvoiceDetail{},
	)
	if err != nil {
		log.Fatalf("auto migration failed: %v", err)
	}
}
