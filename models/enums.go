package models

import (
	"encoding/json"
	"errors"
)

type SalesOrderStatus string

const (
	SalesOrderStatusPending   SalesOrderStatus = "Pending"
	SalesOrderStatusOpen      SalesOrderStatus = "Open"
	SalesOrderStatusInvoice   SalesOrderStatus = "Invoice"
	SalesOrderStatusClosed    SalesOrderStatus = "Closed"
	SalesOrderStatusCancelled SalesOrderStatus = "Cancelled"
)

func (t *SalesOrderStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("sales order status must be string")
	}
	switch SalesOrderStatus(str) {
	case SalesOrderStatusPending, SalesOrderStatusOpen, SalesOrderStatusInvoice,
		SalesOrderStatusClosed, SalesOrderStatusCancelled:
		*t = SalesOrderStatus(str)
	default:
		return errors.New("invalid sales order status")
	}
	return nil
}

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusPending    PurchaseOrderStatus = "Pending"
	PurchaseOrderStatusOpen       PurchaseOrderStatus = "Open"
	PurchaseOrderStatusFulfilment PurchaseOrderStatus = "Fulfilment"
	PurchaseOrderStatusClosed     PurchaseOrderStatus = "Closed"
	PurchaseOrderStatusCancelled  PurchaseOrderStatus = "Cancelled"
)

func (t *PurchaseOrderStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("purchase order status must be string")
	}
	switch PurchaseOrderStatus(str) {
	case PurchaseOrderStatusPending, PurchaseOrderStatusOpen, PurchaseOrderStatusFulfilment,
		PurchaseOrderStatusClosed, PurchaseOrderStatusCancelled:
		*t = PurchaseOrderStatus(str)
	default:
		return errors.New("invalid purchase order status")
	}
	return nil
}

type PaymentTerms string

const (
	PaymentTermsDueOnReceipt PaymentTerms = "DueOnReceipt"
	PaymentTermsNet15        PaymentTerms = "Net15"
	PaymentTermsNet30        PaymentTerms = "Net30"
	PaymentTermsNet45        PaymentTerms = "Net45"
	PaymentTermsNet60        PaymentTerms = "Net60"
	PaymentTermsCustom       PaymentTerms = "Custom"
)

func (t *PaymentTerms) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("payment terms must be string")
	}
	switch PaymentTerms(str) {
	case PaymentTermsDueOnReceipt, PaymentTermsNet15, PaymentTermsNet30,
		PaymentTermsNet45, PaymentTermsNet60, PaymentTermsCustom:
		*t = PaymentTerms(str)
	default:
		return errors.New("invalid payment terms")
	}
	return nil
}

// LineOutcome tags what happened to a single receipt or allocation line.
// Business-expected skips are reported, never swallowed, so callers and
// tests can assert on them.
type LineOutcome string

const (
	LineOutcomeApplied            LineOutcome = "Applied"
	LineOutcomeSkippedOverCap     LineOutcome = "SkippedOverCap"
	LineOutcomeSkippedNoInventory LineOutcome = "SkippedNoInventory"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "Admin"
	UserRoleStaff UserRole = "Staff"
)
