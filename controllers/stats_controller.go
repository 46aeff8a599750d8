package controllers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mannmitra/rewards/models"
	"github.com/mannmitra/rewards/utils"
)

const statsCacheKey = "stats:ledger"

// StatsController provides aggregate ledger statistics: record counts,
// coins in circulation, and daily active users.
type StatsController struct {
	db  *gorm.DB
	loc *time.Location
}

// NewStatsController creates a new StatsController instance.
func NewStatsController(db *gorm.DB, loc *time.Location) *StatsController {
	return &StatsController{db: db, loc: loc}
}

// GetStats returns aggregate statistics, cached for a minute in redis so the
// landing page can poll it cheaply.
func (s *StatsController) GetStats(ctx *gin.Context) {
	if b, ok := utils.CacheGetBytes(statsCacheKey); ok {
		utils.Success(ctx, json.RawMessage(b))
		return
	}

	var recordCount int64
	var premiumCount int64
	var coinsInCirculation int64

	if err := s.db.Model(&models.UserProgress{}).Count(&recordCount).Error; err != nil {
		// Fallback to 0 instead of failing the whole endpoint
		recordCount = 0
	}

	if err := s.db.Model(&models.UserProgress{}).
		Where("subscription_tier = ?", models.TierPremium).
		Count(&premiumCount).Error; err != nil {
		premiumCount = 0
	}

	if err := s.db.Model(&models.UserProgress{}).
		Select("COALESCE(SUM(coins),0)").
		Scan(&coinsInCirculation).Error; err != nil {
		coinsInCirculation = 0
	}

	stats := gin.H{
		"record_count":         recordCount,
		"premium_count":        premiumCount,
		"coins_in_circulation": coinsInCirculation,
		"daily_active_count":   s.dailyActive(),
	}

	utils.CacheSetJSON(statsCacheKey, stats, time.Minute)
	utils.Success(ctx, stats)
}

// dailyActive reads today's distinct-user HyperLogLog maintained by the
// DailyActiveRecorder middleware.
func (s *StatsController) dailyActive() int64 {
	key := "active:" + utils.DayStart(time.Now(), s.loc).Format("2006-01-02")
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := utils.GetRedis().PFCount(c, key).Result()
	if err != nil {
		return 0
	}
	return n
}
