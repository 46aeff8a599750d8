package ledger_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mannmitra/rewards/config"
	"github.com/mannmitra/rewards/ledger"
	"github.com/mannmitra/rewards/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) NextDay() {
	c.Advance(24 * time.Hour)
}

func newTestService(t *testing.T) (*ledger.Service, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.UserProgress{}))

	cfg := config.AppConfig{
		Categories: config.DefaultCategories(),
		Timezone:   "UTC",
	}

	clock := &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	svc := ledger.New(db, cfg)
	svc.SetClock(clock.Now)
	return svc, clock
}

func makePremium(t *testing.T, svc *ledger.Service, userID uint) {
	t.Helper()
	_, err := svc.SetSubscriptionTier(context.Background(), userID, models.TierPremium, nil)
	require.NoError(t, err)
}

func TestGetOrCreateDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(1), rec.UserID)
	assert.Equal(t, 0, rec.Coins)
	assert.Equal(t, 0, rec.CurrentStreak)
	assert.Equal(t, models.TierFree, rec.SubscriptionTier)

	// a second call returns the same row, not a new one
	again, err := svc.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
}

func TestTouchLoginFreeTierStreakOnly(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	var streaks []int
	for i := 0; i < 3; i++ {
		rec, err := svc.TouchLogin(ctx, 1)
		require.NoError(t, err)
		streaks = append(streaks, rec.CurrentStreak)
		assert.Equal(t, 0, rec.Coins, "free tier earns no login bonus")
		clock.NextDay()
	}
	assert.Equal(t, []int{1, 2, 3}, streaks)
}

func TestTouchLoginPremiumBonusOncePerDay(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	rec, err := svc.TouchLogin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Coins)

	// repeated logins the same day are idempotent for both streak and bonus
	rec, err = svc.TouchLogin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Coins)
	assert.Equal(t, 1, rec.CurrentStreak)
	assert.Len(t, rec.History, 1)

	clock.NextDay()
	rec, err = svc.TouchLogin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Coins)
	assert.Equal(t, 2, rec.CurrentStreak)
}

func TestStreakResetsAfterGap(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	rec, err := svc.TouchLogin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CurrentStreak)

	// skip a day entirely
	clock.Advance(48 * time.Hour)
	rec, err = svc.TouchLogin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CurrentStreak)
}

func TestRewardActivityCapSequence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	var applied []int
	for i := 0; i < 3; i++ {
		a, _, err := svc.RewardActivity(ctx, 1, "diary", 0, "")
		require.NoError(t, err)
		applied = append(applied, a)
	}
	assert.Equal(t, []int{5, 5, 0}, applied)

	rec, err := svc.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Coins)
	// the capped third call produced no history entry
	assert.Len(t, rec.History, 2)
}

func TestRewardActivityValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RewardActivity(ctx, 1, "gardening", 0, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidCategory)

	// login accrual only happens through TouchLogin
	_, _, err = svc.RewardActivity(ctx, 1, "login", 0, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidCategory)

	_, _, err = svc.RewardActivity(ctx, 1, "diary", -5, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestRewardActivityFreeTierSilentZero(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	applied, rec, err := svc.RewardActivity(ctx, 1, "community", 0, "")
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 0, rec.Coins)
	assert.Empty(t, rec.History)
}

func TestCompleteActivityIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	status, rec, err := svc.CompleteActivity(ctx, 1, "c1", 10, "Class Completed: Morning Flow")
	require.NoError(t, err)
	assert.Equal(t, models.CompletionCompleted, status)
	assert.Equal(t, 10, rec.Coins)

	status, rec, err = svc.CompleteActivity(ctx, 1, "c1", 10, "Class Completed: Morning Flow")
	require.NoError(t, err)
	assert.Equal(t, models.CompletionAlreadyCompleted, status)
	assert.Equal(t, 10, rec.Coins, "coins increase exactly once")
}

func TestCompleteActivityFreeTier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	status, rec, err := svc.CompleteActivity(ctx, 1, "c2", 10, "")
	require.NoError(t, err)
	assert.Equal(t, models.CompletionCompleted, status)
	assert.True(t, rec.CompletedActivities.Has("c2"))
	assert.Equal(t, 0, rec.Coins, "completion is progress, not currency, on free tier")
}

func TestRedeemFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	// earn 100 coins through a completion reward
	_, _, err := svc.CompleteActivity(ctx, 1, "c-big", 100, "")
	require.NoError(t, err)

	status, rec, err := svc.Redeem(ctx, 1, "r_pen", 150, "Fancy Pen")
	require.NoError(t, err)
	assert.Equal(t, models.RedeemInsufficientBalance, status)
	assert.Equal(t, 100, rec.Coins)
	assert.False(t, rec.OwnedRewards.Has("r_pen"))

	// earn up to 150 and retry
	_, _, err = svc.CompleteActivity(ctx, 1, "c-small", 50, "")
	require.NoError(t, err)

	status, rec, err = svc.Redeem(ctx, 1, "r_pen", 150, "Fancy Pen")
	require.NoError(t, err)
	assert.Equal(t, models.RedeemRedeemed, status)
	assert.Equal(t, 0, rec.Coins)
	assert.True(t, rec.OwnedRewards.Has("r_pen"))

	// redemption is tier-independent but strictly once per item
	status, rec, err = svc.Redeem(ctx, 1, "r_pen", 150, "Fancy Pen")
	require.NoError(t, err)
	assert.Equal(t, models.RedeemAlreadyOwned, status)
	assert.Equal(t, 0, rec.Coins)
}

func TestHistoryBoundedAndNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	for i := 0; i < 60; i++ {
		_, _, err := svc.CompleteActivity(ctx, 1, fmt.Sprintf("class-%d", i), 1, fmt.Sprintf("Class %d", i))
		require.NoError(t, err)
	}

	entries, err := svc.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, models.HistoryLimit)
	assert.Equal(t, "Class 59", entries[0].Description)
	assert.Equal(t, "Class 10", entries[len(entries)-1].Description)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Timestamp.After(entries[i-1].Timestamp))
	}
}

func TestConcurrentRewardsRespectCap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, _, err := svc.RewardActivity(ctx, 1, "community", 0, "")
			if err != nil {
				return
			}
			mu.Lock()
			total += applied
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total, "concurrent accruals must sum to exactly the daily cap")
	rec, err := svc.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Coins)
	assert.GreaterOrEqual(t, rec.Coins, 0)
}

func TestSubscriptionExpiresLazily(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	ends := clock.Now().Add(24 * time.Hour)
	rec, err := svc.SetSubscriptionTier(ctx, 1, models.TierPremium, &ends)
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, rec.SubscriptionTier)

	// still premium before the end date
	applied, _, err := svc.RewardActivity(ctx, 1, "diary", 0, "")
	require.NoError(t, err)
	assert.Equal(t, 5, applied)

	clock.Advance(48 * time.Hour)
	rec, err = svc.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, rec.SubscriptionTier)

	applied, _, err = svc.RewardActivity(ctx, 1, "diary", 0, "")
	require.NoError(t, err)
	assert.Equal(t, 0, applied, "lapsed premium earns nothing")
}

func TestRecordsAreIndependentAcrossUsers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	makePremium(t, svc, 1)

	_, _, err := svc.CompleteActivity(ctx, 1, "c1", 10, "")
	require.NoError(t, err)

	rec, err := svc.GetOrCreate(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Coins)
	assert.False(t, rec.CompletedActivities.Has("c1"))
}
