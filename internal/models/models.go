package models

import "time"

// Entitlement is the per-account record of plan and remaining quota.
// One row per account, created lazily on first request.
type Entitlement struct {
	AccountID          string
	Plan               string
	CreditsBalance     int
	SubscriptionStatus string
	UsageCount         int
	PeriodStart        time.Time
	PaymentReference   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UsageLogEntry is an append-only observability record. Its loss never
// affects request correctness.
type UsageLogEntry struct {
	ID         string
	AccountID  string
	Action     string
	TokensUsed *int
	Metadata   string
	CreatedAt  time.Time
}

// PlanStateUpdate is a partial overwrite of an entitlement record, applied
// by payment-webhook handling. Nil fields are left untouched.
type PlanStateUpdate struct {
	Plan               *string
	CreditsBalance     *int
	SubscriptionStatus *string
	UsageCount         *int
	PeriodStart        *time.Time
	PaymentReference   *string
}

const (
	PlanFree         = "free"
	PlanBYOK         = "byok"
	PlanSubscription = "subscription"
)

const (
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

const (
	ActionChatRequest           = "chat_request"
	ActionSubscriptionCreated   = "subscription_created"
	ActionSubscriptionCancelled = "subscription_cancelled"
	ActionPaymentFailed         = "payment_failed"
)

// UnlimitedCredits is the reserved credits_balance sentinel. It is never
// decremented.
const UnlimitedCredits = -1
