// Package ledger turns user activity into coin balances. It owns the
// load→mutate→save cycle around the pure rules in models: every operation
// runs under a per-user lock and commits through a version-stamped
// conditional update, so two racing requests for one user can never both
// read a stale record and write past a daily cap or double-redeem an item.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mannmitra/rewards/config"
	"github.com/mannmitra/rewards/models"
	"github.com/mannmitra/rewards/utils"
)

var (
	// ErrRecordConflict signals a concurrent writer won the conditional
	// update; callers should retry the whole operation once.
	ErrRecordConflict = errors.New("progress record modified concurrently")
	// ErrInvalidCategory is returned for an unconfigured accrual category.
	ErrInvalidCategory = errors.New("unknown activity category")
	// ErrInvalidAmount is returned for negative or nonsensical coin amounts.
	ErrInvalidAmount = errors.New("invalid coin amount")
	// ErrInvalidTier is returned for a subscription tier outside free/premium.
	ErrInvalidTier = errors.New("invalid subscription tier")
)

// Service is the progress & rewards ledger.
type Service struct {
	db    *gorm.DB
	cfg   config.AppConfig
	loc   *time.Location
	locks *userLocks

	// now is swappable in tests; all day arithmetic flows from it.
	now func() time.Time
}

// New creates a ledger service bound to the given database handle.
func New(db *gorm.DB, cfg config.AppConfig) *Service {
	return &Service{
		db:    db,
		cfg:   cfg,
		loc:   utils.LoadLocation(cfg.Timezone),
		locks: newUserLocks(),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// moment captures a single consistent "now" and its day-start for one
// logical operation, so streak evaluation and cap rollover cannot disagree
// about the date under clock skew.
func (s *Service) moment() (now, today time.Time) {
	now = s.now()
	today = utils.DayStart(now, s.loc)
	return now, today
}

func (s *Service) categoryNames() []string {
	names := make([]string, 0, len(s.cfg.Categories))
	for name := range s.cfg.Categories {
		names = append(names, name)
	}
	return names
}

// GetOrCreate returns the user's progress record, creating the default one
// on first touch. A lapsed premium subscription is downgraded on the way out.
func (s *Service) GetOrCreate(ctx context.Context, userID uint) (*models.UserProgress, error) {
	return s.update(ctx, userID, func(rec *models.UserProgress, today, now time.Time) (bool, error) {
		return false, nil
	})
}

// TouchLogin runs the streak evaluator and the daily login accrual as one
// atomic commit. Safe to call any number of times per day.
func (s *Service) TouchLogin(ctx context.Context, userID uint) (*models.UserProgress, error) {
	rule, ok := s.cfg.Categories["login"]
	if !ok {
		return nil, ErrInvalidCategory
	}
	return s.update(ctx, userID, func(rec *models.UserProgress, today, now time.Time) (bool, error) {
		changed := rec.EvaluateStreak(today)
		if applied := rec.Accrue("login", rule.Amount, rule.DailyCap, "Daily login bonus", today, now); applied > 0 {
			changed = true
		}
		return changed, nil
	})
}

// RewardActivity credits coins for one qualifying event in a non-login
// category (community post, diary entry). amount <= 0 falls back to the
// configured per-event amount; the daily cap always binds. The applied
// amount is returned alongside the record; zero means silently capped.
func (s *Service) RewardActivity(ctx context.Context, userID uint, category string, amount int, description string) (int, *models.UserProgress, error) {
	rule, ok := s.cfg.Categories[category]
	if !ok || category == "login" {
		return 0, nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}
	if amount < 0 {
		return 0, nil, ErrInvalidAmount
	}
	if amount == 0 {
		amount = rule.Amount
	}
	if description == "" {
		description = defaultDescription(category)
	}
	description = utils.Sanitize(description)

	var applied int
	rec, err := s.update(ctx, userID, func(rec *models.UserProgress, today, now time.Time) (bool, error) {
		applied = rec.Accrue(category, amount, rule.DailyCap, description, today, now)
		return applied > 0, nil
	})
	if err != nil {
		return 0, nil, err
	}
	return applied, rec, nil
}

// CompleteActivity grants a one-time reward for a completable catalog item
// (a class). Completion is recorded for every tier; coins only land for
// premium users unless configured otherwise. Calling it again for the same
// activity reports AlreadyCompleted and changes nothing.
func (s *Service) CompleteActivity(ctx context.Context, userID uint, activityID string, rewardAmount int, description string) (models.CompletionStatus, *models.UserProgress, error) {
	if activityID == "" {
		return "", nil, errors.New("activity id is required")
	}
	if rewardAmount < 0 {
		return "", nil, ErrInvalidAmount
	}
	if description == "" {
		description = "Class completed"
	}
	description = utils.Sanitize(description)

	var status models.CompletionStatus
	rec, err := s.update(ctx, userID, func(rec *models.UserProgress, today, now time.Time) (bool, error) {
		awardCoins := rec.IsPremium(now) || s.cfg.CompletionAwardsFreeTier
		status = rec.Complete(activityID, rewardAmount, description, awardCoins, now)
		return status == models.CompletionCompleted, nil
	})
	if err != nil {
		return "", nil, err
	}
	return status, rec, nil
}

// Redeem spends coins against a catalog item and records permanent
// ownership. AlreadyOwned and InsufficientBalance are statuses, not errors.
func (s *Service) Redeem(ctx context.Context, userID uint, itemID string, cost int, itemName string) (models.RedeemStatus, *models.UserProgress, error) {
	if itemID == "" {
		return "", nil, errors.New("item id is required")
	}
	if cost <= 0 {
		return "", nil, ErrInvalidAmount
	}
	itemName = utils.Sanitize(itemName)
	if itemName == "" {
		itemName = "reward item"
	}

	var status models.RedeemStatus
	rec, err := s.update(ctx, userID, func(rec *models.UserProgress, today, now time.Time) (bool, error) {
		status = rec.Redeem(itemID, cost, itemName, now)
		return status == models.RedeemRedeemed, nil
	})
	if err != nil {
		return "", nil, err
	}
	return status, rec, nil
}

// SetSubscriptionTier is called by the billing collaborator on upgrade or
// downgrade. endsAt is optional; a nil end date means no scheduled expiry.
func (s *Service) SetSubscriptionTier(ctx context.Context, userID uint, tier string, endsAt *time.Time) (*models.UserProgress, error) {
	if tier != models.TierFree && tier != models.TierPremium {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTier, tier)
	}
	return s.update(ctx, userID, func(rec *models.UserProgress, today, now time.Time) (bool, error) {
		rec.SubscriptionTier = tier
		if tier == models.TierFree {
			rec.SubscriptionEndsAt = nil
		} else {
			rec.SubscriptionEndsAt = endsAt
		}
		return true, nil
	})
}

// History returns the bounded transaction log, newest first.
func (s *Service) History(ctx context.Context, userID uint) ([]models.HistoryEntry, error) {
	rec, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.HistoryEntry, len(rec.History))
	for i, e := range rec.History {
		entries[len(rec.History)-1-i] = e
	}
	return entries, nil
}

// update is the single write path: per-user lock, load-or-create, lazy
// subscription expiry, rule mutation on the in-memory copy, then one
// conditional UPDATE keyed on the version stamp. Nothing is persisted when
// the mutation fails or the context is cancelled before the write.
func (s *Service) update(ctx context.Context, userID uint, mutate func(rec *models.UserProgress, today, now time.Time) (bool, error)) (*models.UserProgress, error) {
	if userID == 0 {
		return nil, errors.New("user id is required")
	}

	s.locks.lock(userID)
	defer s.locks.unlock(userID)

	rec, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now, today := s.moment()
	changed := rec.ExpireSubscription(now)

	mutated, err := mutate(rec, today, now)
	if err != nil {
		return nil, err
	}
	if !changed && !mutated {
		return rec, nil
	}

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) loadOrCreate(ctx context.Context, userID uint) (*models.UserProgress, error) {
	var rec models.UserProgress
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	fresh := models.NewUserProgress(userID, s.categoryNames())
	if err := s.db.WithContext(ctx).Create(fresh).Error; err != nil {
		// Another process may have won the creation race; fall back to its row.
		var again models.UserProgress
		if e := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&again).Error; e == nil {
			return &again, nil
		}
		return nil, fmt.Errorf("create progress: %w", err)
	}
	return fresh, nil
}

// save commits the whole record in one statement, conditional on the version
// it was loaded with. RowsAffected == 0 means a concurrent writer got there
// first and the caller must retry from a fresh load.
func (s *Service) save(ctx context.Context, rec *models.UserProgress) error {
	loadedVersion := rec.Version
	rec.Version++

	res := s.db.WithContext(ctx).
		Model(&models.UserProgress{}).
		Where("id = ? AND version = ?", rec.ID, loadedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(rec)
	if res.Error != nil {
		rec.Version = loadedVersion
		return fmt.Errorf("save progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		rec.Version = loadedVersion
		return ErrRecordConflict
	}
	return nil
}

func defaultDescription(category string) string {
	switch category {
	case "community":
		return "Community post reward"
	case "diary":
		return "Diary entry reward"
	default:
		return category + " reward"
	}
}
