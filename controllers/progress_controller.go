package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mannmitra/rewards/ledger"
	"github.com/mannmitra/rewards/middleware"
	"github.com/mannmitra/rewards/models"
	"github.com/mannmitra/rewards/utils"
)

// ProgressController exposes the rewards ledger over HTTP. Terminal statuses
// (already completed, already owned, insufficient balance) ride inside 200
// responses; HTTP errors are reserved for auth, bad input, and storage.
type ProgressController struct {
	ledger *ledger.Service
}

// NewProgressController creates a new controller instance.
func NewProgressController(l *ledger.Service) *ProgressController {
	return &ProgressController{ledger: l}
}

// GetProgress returns the caller's progress record, creating it on first
// touch and running the daily streak + login bonus evaluation, mirroring how
// the client refreshes its header on page load.
func (p *ProgressController) GetProgress(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	rec, err := retryOnConflict(func() (*models.UserProgress, error) {
		return p.ledger.TouchLogin(ctx.Request.Context(), userID)
	})
	if err != nil {
		p.fail(ctx, err)
		return
	}
	utils.Success(ctx, rec)
}

// GetHistory returns the bounded coin history, newest first.
func (p *ProgressController) GetHistory(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	entries, err := p.ledger.History(ctx.Request.Context(), userID)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"history": entries})
}

// RewardActivity credits a capped daily reward for a community post or
// diary entry. Collaborator services call this after persisting the content;
// a capped (zero-coin) outcome is still a 200.
func (p *ProgressController) RewardActivity(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	var req struct {
		Category    string `json:"category" binding:"required"`
		Amount      int    `json:"amount"`
		Description string `json:"description"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid request payload")
		return
	}

	var applied int
	rec, err := retryOnConflict(func() (*models.UserProgress, error) {
		var rec *models.UserProgress
		var err error
		applied, rec, err = p.ledger.RewardActivity(ctx.Request.Context(), userID, req.Category, req.Amount, req.Description)
		return rec, err
	})
	if err != nil {
		p.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"applied": applied, "progress": rec})
}

// CompleteActivity records a one-time class completion. reward_amount comes
// from the class catalog owned by the classes service.
func (p *ProgressController) CompleteActivity(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	var req struct {
		ActivityID   string `json:"activity_id" binding:"required"`
		RewardAmount int    `json:"reward_amount"`
		Description  string `json:"description"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid request payload")
		return
	}

	var status models.CompletionStatus
	rec, err := retryOnConflict(func() (*models.UserProgress, error) {
		var rec *models.UserProgress
		var err error
		status, rec, err = p.ledger.CompleteActivity(ctx.Request.Context(), userID, req.ActivityID, req.RewardAmount, req.Description)
		return rec, err
	})
	if err != nil {
		p.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"status": status, "progress": rec})
}

// Redeem spends coins against a store item. cost and item_name come from
// the reward catalog owned by the store collaborator.
func (p *ProgressController) Redeem(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	var req struct {
		ItemID   string `json:"item_id" binding:"required"`
		Cost     int    `json:"cost" binding:"required"`
		ItemName string `json:"item_name"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid request payload")
		return
	}

	var status models.RedeemStatus
	rec, err := retryOnConflict(func() (*models.UserProgress, error) {
		var rec *models.UserProgress
		var err error
		status, rec, err = p.ledger.Redeem(ctx.Request.Context(), userID, req.ItemID, req.Cost, req.ItemName)
		return rec, err
	})
	if err != nil {
		p.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"status": status, "progress": rec})
}

// SetSubscription updates the caller's tier. Invoked by the billing
// collaborator after a successful upgrade (or a cancellation).
func (p *ProgressController) SetSubscription(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}

	var req struct {
		Tier    string     `json:"tier" binding:"required"`
		EndDate *time.Time `json:"end_date"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40040, "invalid request payload")
		return
	}

	rec, err := retryOnConflict(func() (*models.UserProgress, error) {
		return p.ledger.SetSubscriptionTier(ctx.Request.Context(), userID, req.Tier, req.EndDate)
	})
	if err != nil {
		p.fail(ctx, err)
		return
	}
	utils.Success(ctx, rec)
}

// fail maps ledger errors onto the response envelope. Conflicts surface as
// 409 only after the retry in retryOnConflict was also beaten.
func (p *ProgressController) fail(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidCategory):
		utils.Error(ctx, http.StatusBadRequest, 40041, "unknown activity category")
	case errors.Is(err, ledger.ErrInvalidAmount):
		utils.Error(ctx, http.StatusBadRequest, 40042, "invalid coin amount")
	case errors.Is(err, ledger.ErrInvalidTier):
		utils.Error(ctx, http.StatusBadRequest, 40043, "invalid subscription tier")
	case errors.Is(err, ledger.ErrRecordConflict):
		utils.Error(ctx, http.StatusConflict, 40910, "progress record busy, please retry")
	default:
		utils.Sugar.Errorf("ledger operation failed: %v", err)
		utils.Error(ctx, http.StatusInternalServerError, 50040, "storage unavailable")
	}
}

// retryOnConflict re-runs an operation once when a concurrent writer from
// another instance wins the conditional update.
func retryOnConflict(op func() (*models.UserProgress, error)) (*models.UserProgress, error) {
	rec, err := op()
	if errors.Is(err, ledger.ErrRecordConflict) {
		rec, err = op()
	}
	return rec, err
}

func getUserID(ctx *gin.Context) (uint, bool) {
	v, ok := ctx.Get(middleware.ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}
