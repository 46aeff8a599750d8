package ledger

import (
	"context"
	"time"

	"github.com/mannmitra/rewards/models"
	"github.com/mannmitra/rewards/utils"
)

// StartSubscriptionSweeper launches a background goroutine that periodically
// downgrades premium records whose subscription end date has passed. The
// ledger also expires lazily on the next operation; the sweeper just keeps
// idle accounts honest. Best-effort: failures are logged and retried on the
// next tick.
func (s *Service) StartSubscriptionSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	go func() {
		for {
			// Sleep first to avoid racing immediately at startup
			time.Sleep(interval)
			s.sweepExpiredSubscriptions()
		}
	}()
}

func (s *Service) sweepExpiredSubscriptions() {
	var userIDs []uint
	err := s.db.Model(&models.UserProgress{}).
		Where("subscription_tier = ? AND subscription_ends_at IS NOT NULL AND subscription_ends_at <= ?", models.TierPremium, s.now()).
		Limit(100).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		utils.Sugar.Warnf("subscription sweep query failed: %v", err)
		return
	}

	for _, userID := range userIDs {
		// update() runs the lazy expiry itself; an empty mutation is enough.
		if _, err := s.GetOrCreate(context.Background(), userID); err != nil {
			utils.Sugar.Warnf("subscription sweep downgrade failed user=%d: %v", userID, err)
		}
	}
	if len(userIDs) > 0 {
		utils.Sugar.Infof("subscription sweep downgraded %d expired premium records", len(userIDs))
	}
}
