package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mannmitra/rewards/utils"
)

// Subscription tiers. Accrual is premium-gated; redemption is not.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// History entry kinds.
const (
	HistoryEarned = "earned"
	HistorySpent  = "spent"
)

// HistoryLimit bounds the embedded transaction log; oldest entries are
// dropped once the record holds this many.
const HistoryLimit = 50

// CompletionStatus is the terminal outcome of a class-completion attempt.
// AlreadyCompleted is informational, not an error.
type CompletionStatus string

const (
	CompletionCompleted        CompletionStatus = "completed"
	CompletionAlreadyCompleted CompletionStatus = "already_completed"
)

// RedeemStatus is the terminal outcome of a catalog redemption attempt.
type RedeemStatus string

const (
	RedeemRedeemed            RedeemStatus = "redeemed"
	RedeemAlreadyOwned        RedeemStatus = "already_owned"
	RedeemInsufficientBalance RedeemStatus = "insufficient_balance"
)

// StringSet is a JSON-friendly set of opaque IDs. Membership is append-only:
// nothing in this package ever removes an element.
type StringSet map[string]bool

// Has reports membership.
func (s StringSet) Has(id string) bool {
	return s[id]
}

// Add inserts id, allocating the set on first use.
func (s *StringSet) Add(id string) {
	if *s == nil {
		*s = StringSet{}
	}
	(*s)[id] = true
}

// Len returns the number of members.
func (s StringSet) Len() int {
	return len(s)
}

// DailyCounter tracks coins earned for one category within the current day.
type DailyCounter struct {
	EarnedToday   int       `json:"earned_today"`
	LastResetDate time.Time `json:"last_reset_date"`
}

// HistoryEntry is one immutable line of the bounded coin log. The ID gives
// clients a stable list key.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Amount      int       `json:"amount"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserProgress is the per-user coin ledger record: balance, streak,
// subscription tier, per-category daily counters, completed activities,
// owned rewards, and the bounded history. Mutated only through the rule
// methods below; persistence and concurrency control live in the ledger
// package.
type UserProgress struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"uniqueIndex;not null" json:"user_id"`

	Coins            int        `gorm:"not null;default:0" json:"coins"`
	CurrentStreak    int        `gorm:"not null;default:0" json:"current_streak"`
	LastActivityDate *time.Time `json:"last_activity_date"`

	SubscriptionTier   string     `gorm:"size:16;not null;default:free" json:"subscription_tier"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at"`

	DailyTracking       map[string]*DailyCounter `gorm:"serializer:json" json:"daily_tracking"`
	CompletedActivities StringSet                `gorm:"serializer:json" json:"completed_activities"`
	OwnedRewards        StringSet                `gorm:"serializer:json" json:"owned_rewards"`
	History             []HistoryEntry           `gorm:"serializer:json" json:"history"`

	// Version stamps every save; the ledger's conditional UPDATE uses it to
	// detect concurrent writers.
	Version uint `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserProgress returns the default record created on a user's first
// activity: zero coins, zero streak, free tier, and an always-present daily
// counter per configured category so no rule has to nil-patch sub-documents.
func NewUserProgress(userID uint, categories []string) *UserProgress {
	tracking := make(map[string]*DailyCounter, len(categories))
	for _, c := range categories {
		tracking[c] = &DailyCounter{}
	}
	return &UserProgress{
		UserID:              userID,
		SubscriptionTier:    TierFree,
		DailyTracking:       tracking,
		CompletedActivities: StringSet{},
		OwnedRewards:        StringSet{},
		History:             []HistoryEntry{},
	}
}

// IsPremium reports whether the record enjoys premium accrual at the given
// instant, honouring the optional subscription end date.
func (p *UserProgress) IsPremium(now time.Time) bool {
	if p.SubscriptionTier != TierPremium {
		return false
	}
	return p.SubscriptionEndsAt == nil || p.SubscriptionEndsAt.After(now)
}

// ExpireSubscription downgrades a lapsed premium record to free. Returns
// true when the record changed and needs persisting.
func (p *UserProgress) ExpireSubscription(now time.Time) bool {
	if p.SubscriptionTier == TierPremium && p.SubscriptionEndsAt != nil && !p.SubscriptionEndsAt.After(now) {
		p.SubscriptionTier = TierFree
		return true
	}
	return false
}

// EvaluateStreak advances the consecutive-day streak for activity on today
// (a day-start timestamp from the ledger's single day-boundary helper).
// Same day: no change. Yesterday: streak+1. Any gap or first activity: 1.
// Returns true when the record changed.
//
// Comparison is by calendar day in today's location, never by instant: a
// datetime column round-trip can hand LastActivityDate back homed in the
// server's zone, where instant arithmetic misjudges DST-length days.
func (p *UserProgress) EvaluateStreak(today time.Time) bool {
	loc := today.Location()
	if p.LastActivityDate != nil && utils.SameDay(*p.LastActivityDate, today, loc) {
		return false
	}
	if p.LastActivityDate != nil && utils.IsYesterday(*p.LastActivityDate, today, loc) {
		p.CurrentStreak++
	} else {
		p.CurrentStreak = 1
	}
	d := today
	p.LastActivityDate = &d
	return true
}

// Accrue credits coins for one qualifying event in a category, subject to
// that category's daily cap. The rollover is lazy: the first accrual of a new
// day resets the counter. A fully capped accrual applies zero coins and
// leaves the record untouched, including its history.
func (p *UserProgress) Accrue(category string, amount, dailyCap int, description string, today, now time.Time) int {
	if !p.IsPremium(now) {
		return 0
	}
	if p.DailyTracking == nil {
		p.DailyTracking = map[string]*DailyCounter{}
	}
	counter, ok := p.DailyTracking[category]
	if !ok {
		counter = &DailyCounter{}
		p.DailyTracking[category] = counter
	}
	if !utils.SameDay(counter.LastResetDate, today, today.Location()) {
		counter.EarnedToday = 0
		counter.LastResetDate = today
	}

	room := dailyCap - counter.EarnedToday
	if room < 0 {
		room = 0
	}
	applied := amount
	if applied > room {
		applied = room
	}
	if applied == 0 {
		return 0
	}

	p.Coins += applied
	counter.EarnedToday += applied
	p.AppendHistory(HistoryEarned, applied, description, now)
	return applied
}

// Complete records a one-time activity completion. Membership is recorded
// for every tier; coins are granted per the award gate the caller resolved
// from policy. Repeat calls report AlreadyCompleted without mutation.
func (p *UserProgress) Complete(activityID string, rewardAmount int, description string, awardCoins bool, now time.Time) CompletionStatus {
	if p.CompletedActivities.Has(activityID) {
		return CompletionAlreadyCompleted
	}
	p.CompletedActivities.Add(activityID)
	if awardCoins && rewardAmount > 0 {
		p.Coins += rewardAmount
		p.AppendHistory(HistoryEarned, rewardAmount, description, now)
	}
	return CompletionCompleted
}

// Redeem debits the balance for a catalog item and records permanent
// ownership. AlreadyOwned and InsufficientBalance leave the record untouched.
func (p *UserProgress) Redeem(itemID string, cost int, itemName string, now time.Time) RedeemStatus {
	if p.OwnedRewards.Has(itemID) {
		return RedeemAlreadyOwned
	}
	if p.Coins < cost {
		return RedeemInsufficientBalance
	}
	p.Coins -= cost
	p.OwnedRewards.Add(itemID)
	p.AppendHistory(HistorySpent, cost, "Redeemed: "+itemName, now)
	return RedeemRedeemed
}

// AppendHistory pushes an entry onto the bounded log, dropping the oldest
// entries beyond HistoryLimit.
func (p *UserProgress) AppendHistory(kind string, amount int, description string, at time.Time) {
	p.History = append(p.History, HistoryEntry{
		ID:          uuid.NewString(),
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Timestamp:   at,
	})
	if len(p.History) > HistoryLimit {
		p.History = p.History[len(p.History)-HistoryLimit:]
	}
}
