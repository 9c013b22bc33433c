package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
)

type Supplier struct {
	ID           int          `gorm:"primary_key" json:"id"`
	Name         string       `gorm:"size:100;not null" json:"name" binding:"required"`
	Email        string       `gorm:"size:100;default:null" json:"email"`
	Phone        string       `gorm:"size:20;default:null" json:"phone"`
	Address      string       `gorm:"type:text;default:null" json:"address"`
	Gstin        string       `gorm:"size:20;default:null" json:"gstin"`
	PaymentTerms PaymentTerms `gorm:"type:enum('DueOnReceipt','Net15','Net30','Net45','Net60','Custom');not null" json:"payment_terms" binding:"required"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSupplier struct {
	Name         string       `json:"name" binding:"required"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone"`
	Address      string       `json:"address"`
	Gstin        string       `json:"gstin"`
	PaymentTerms PaymentTerms `json:"payment_terms" binding:"required"`
}

func (input NewSupplier) validate() error {
	// a supplier without payment terms cannot be ordered from
	if input.PaymentTerms == "" {
		return errors.New("supplier payment terms are required")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return errors.New("invalid phone number")
		}
	}
	return nil
}

func CreateSupplier(ctx context.Context, input *NewSupplier) (*Supplier, error) {
	db := config.GetDB()

	if err := input.validate(); err != nil {
		return nil, err
	}

	supplier := Supplier{
		Name:         input.Name,
		Email:        input.Email,
		Phone:        input.Phone,
		Address:      input.Address,
		Gstin:        input.Gstin,
		PaymentTerms: input.PaymentTerms,
	}
	if err := db.WithContext(ctx).Create(&supplier).Error; err != nil {
		return nil, err
	}
	return &supplier, nil
}

func GetSupplier(ctx context.Context, id int) (*Supplier, error) {
	return utils.FetchModel[Supplier](ctx, id)
}

func ListSuppliers(ctx context.Context) ([]*Supplier, error) {
	return utils.FetchAllModels[Supplier](ctx)
}

// ValidateSupplierForPurchase rejects suppliers that are missing payment
// terms; purchase orders and receipts against them are a consistency error.
func ValidateSupplierForPurchase(ctx context.Context, supplierId int) error {
	supplier, err := GetSupplier(ctx, supplierId)
	if err != nil {
		return errors.New("supplier not found")
	}
	if supplier.PaymentTerms == "" {
		return errors.New("supplier has no payment terms")
	}
	return nil
}
