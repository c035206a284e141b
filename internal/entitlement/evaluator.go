package entitlement

import (
	"time"

	"sidebarassist/internal/models"
)

// Machine-readable denial codes surfaced to the caller.
const (
	CodeUseOwnKey            = "USE_OWN_KEY"
	CodeSubscriptionInactive = "SUBSCRIPTION_INACTIVE"
	CodeWeeklyLimitReached   = "WEEKLY_LIMIT_REACHED"
	CodeCreditsExhausted     = "CREDITS_EXHAUSTED"
	CodeNotInitialized       = "NOT_INITIALIZED"
)

// Charge identifies which ledger mutation an Allow decision requires.
type Charge int

const (
	ChargeNone Charge = iota
	ChargeCredit
	ChargeUsage
)

// Limits is the configurable quota policy.
type Limits struct {
	WeeklyLimit  int
	PeriodLength time.Duration
	TrialCredits int
}

// Decision is the outcome of evaluating an entitlement record. When Allowed
// is false, Code carries the denial reason. NeedsReset means the quota
// period has elapsed and the reset must be applied before (or atomically
// with) the charge.
type Decision struct {
	Allowed    bool
	Code       string
	Charge     Charge
	NeedsReset bool

	// Display fields for denial responses.
	CreditsRemaining   int
	UsageCount         int
	Limit              int
	SubscriptionStatus string
}

// Evaluate decides whether a request may proceed and which mutation to
// apply. It is pure: no I/O, no clock access beyond the supplied now.
func Evaluate(rec models.Entitlement, now time.Time, limits Limits) Decision {
	switch rec.Plan {
	case models.PlanBYOK:
		// BYOK accounts call the upstream provider directly; this service
		// never proxies for them, regardless of any balance fields.
		return Decision{Code: CodeUseOwnKey}

	case models.PlanSubscription:
		if rec.SubscriptionStatus != models.SubscriptionActive {
			return Decision{
				Code:               CodeSubscriptionInactive,
				SubscriptionStatus: rec.SubscriptionStatus,
			}
		}
		usage := rec.UsageCount
		needsReset := now.Sub(rec.PeriodStart) > limits.PeriodLength
		if needsReset {
			// The limit is checked against the fresh count.
			usage = 0
		}
		if usage >= limits.WeeklyLimit {
			return Decision{
				Code:       CodeWeeklyLimitReached,
				UsageCount: usage,
				Limit:      limits.WeeklyLimit,
			}
		}
		return Decision{
			Allowed:    true,
			Charge:     ChargeUsage,
			NeedsReset: needsReset,
			UsageCount: usage,
			Limit:      limits.WeeklyLimit,
		}

	case models.PlanFree:
		if rec.CreditsBalance == models.UnlimitedCredits {
			return Decision{Allowed: true, Charge: ChargeNone}
		}
		if rec.CreditsBalance <= 0 {
			return Decision{Code: CodeCreditsExhausted, CreditsRemaining: 0}
		}
		return Decision{
			Allowed:          true,
			Charge:           ChargeCredit,
			CreditsRemaining: rec.CreditsBalance,
		}

	default:
		return Decision{Code: CodeNotInitialized}
	}
}
