package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
	"github.com/shopspring/decimal"
)

type GstRate struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Name      string          `gorm:"size:50;not null" json:"name" binding:"required"`
	Rate      decimal.Decimal `gorm:"type:decimal(8,4);not null" json:"rate"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListGstRates(ctx context.Context) ([]*GstRate, error) {
	return utils.FetchAllModels[GstRate](ctx)
}

func CreateGstRate(ctx context.Context, input *GstRate) (*GstRate, error) {
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(input).Error; err != nil {
		return nil, err
	}
	// the cached id set is stale now
	if err := config.RemoveRedisKey("gstRateIds"); err != nil {
		return nil, err
	}
	return input, nil
}

// cached id set; gst rates change rarely so a redis round-trip beats a
// table count on every receipt line
func validateGstRateId(ctx context.Context, gstRateId int) error {
	if gstRateId == 0 {
		return nil
	}

	ids := make(map[int]bool)
	const redisKey = "gstRateIds"
	exists, err := config.GetRedisObject(redisKey, &ids)
	if err != nil {
		return err
	}
	if exists && ids[gstRateId] {
		return nil
	}

	db := config.GetDB()
	var allIds []int
	if err := db.WithContext(ctx).Model(&GstRate{}).Pluck("id", &allIds).Error; err != nil {
		return err
	}
	ids = make(map[int]bool, len(allIds))
	for _, id := range allIds {
		ids[id] = true
	}
	if err := config.SetRedisObject(redisKey, &ids, 10*time.Minute); err != nil {
		return err
	}

	if !ids[gstRateId] {
		return utils.ErrorRecordNotFound
	}
	return nil
}
