package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
)

// Inquiry is a pre-sales request-for-quote record; its id can seed sales
// and purchase order lines.
type Inquiry struct {
	ID            int       `gorm:"primary_key" json:"id"`
	InquiryNumber string    `gorm:"size:50;not null;uniqueIndex" json:"inquiry_number"`
	SequenceNo    int64     `gorm:"not null" json:"sequence_no"`
	InquiryDate   time.Time `gorm:"not null" json:"inquiry_date" binding:"required"`
	CustomerId    int       `gorm:"index;not null" json:"customer_id" binding:"required"`
	Remarks       string    `gorm:"type:text;default:null" json:"remarks"`
	CreatedById   int       `gorm:"default:null" json:"created_by_id"`
	UpdatedById   int       `gorm:"default:null" json:"updated_by_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInquiry struct {
	InquiryDate time.Time `json:"inquiry_date" binding:"required"`
	CustomerId  int       `json:"customer_id" binding:"required"`
	Remarks     string    `json:"remarks"`
}

func CreateInquiry(ctx context.Context, input *NewInquiry) (*Inquiry, error) {
	if err := utils.ValidateResourceId[Customer](ctx, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}

	userId, _ := utils.GetUserIdFromContext(ctx)

	inquiry := Inquiry{
		InquiryDate: input.InquiryDate,
		CustomerId:  input.CustomerId,
		Remarks:     input.Remarks,
		CreatedById: userId,
		UpdatedById: userId,
	}

	tx := config.BeginSerializable()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	issuer := NewNumberIssuer()
	number, seqNo, err := issuer.Next(tx.WithContext(ctx), DocumentKindInquiry, input.InquiryDate)
	if err != nil {
		return nil, err
	}
	inquiry.InquiryNumber = number
	inquiry.SequenceNo = seqNo

	if err := tx.WithContext(ctx).Create(&inquiry).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &inquiry, nil
}

func GetInquiry(ctx context.Context, id int) (*Inquiry, error) {
	return utils.FetchModel[Inquiry](ctx, id)
}

func ListInquiries(ctx context.Context) ([]*Inquiry, error) {
	return utils.FetchAllModels[Inquiry](ctx)
}
