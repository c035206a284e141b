package entitlement

import (
	"testing"
	"time"

	"sidebarassist/internal/models"
)

var testLimits = Limits{
	WeeklyLimit:  375,
	PeriodLength: 7 * 24 * time.Hour,
	TrialCredits: 10,
}

func TestEvaluateBYOKAlwaysDenied(t *testing.T) {
	now := time.Now()
	rec := models.Entitlement{
		AccountID:          "acc-1",
		Plan:               models.PlanBYOK,
		CreditsBalance:     100,
		SubscriptionStatus: models.SubscriptionActive,
		UsageCount:         0,
		PeriodStart:        now,
	}
	d := Evaluate(rec, now, testLimits)
	if d.Allowed {
		t.Fatalf("byok account must be denied")
	}
	if d.Code != CodeUseOwnKey {
		t.Fatalf("unexpected code: %s", d.Code)
	}
	if d.Charge != ChargeNone {
		t.Fatalf("byok denial must not carry a charge")
	}
}

func TestEvaluateFreeCredits(t *testing.T) {
	now := time.Now()
	rec := models.Entitlement{Plan: models.PlanFree, CreditsBalance: 3}
	d := Evaluate(rec, now, testLimits)
	if !d.Allowed || d.Charge != ChargeCredit {
		t.Fatalf("expected allow with credit charge, got %+v", d)
	}

	rec.CreditsBalance = 0
	d = Evaluate(rec, now, testLimits)
	if d.Allowed || d.Code != CodeCreditsExhausted {
		t.Fatalf("expected credits exhausted, got %+v", d)
	}
}

func TestEvaluateFreeUnlimitedSentinel(t *testing.T) {
	rec := models.Entitlement{Plan: models.PlanFree, CreditsBalance: models.UnlimitedCredits}
	d := Evaluate(rec, time.Now(), testLimits)
	if !d.Allowed {
		t.Fatalf("unlimited balance must be allowed")
	}
	if d.Charge != ChargeNone {
		t.Fatalf("unlimited balance must never be charged")
	}
}

func TestEvaluateSubscriptionInactive(t *testing.T) {
	for _, status := range []string{
		models.SubscriptionPastDue,
		models.SubscriptionCancelled,
		models.SubscriptionExpired,
	} {
		rec := models.Entitlement{
			Plan:               models.PlanSubscription,
			SubscriptionStatus: status,
			PeriodStart:        time.Now(),
		}
		d := Evaluate(rec, time.Now(), testLimits)
		if d.Allowed || d.Code != CodeSubscriptionInactive {
			t.Fatalf("status %s: expected inactive denial, got %+v", status, d)
		}
		if d.SubscriptionStatus != status {
			t.Fatalf("status %s: denial must carry the status for display", status)
		}
	}
}

func TestEvaluateSubscriptionLimitBoundary(t *testing.T) {
	now := time.Now()
	rec := models.Entitlement{
		Plan:               models.PlanSubscription,
		SubscriptionStatus: models.SubscriptionActive,
		UsageCount:         374,
		PeriodStart:        now.Add(-time.Hour),
	}
	d := Evaluate(rec, now, testLimits)
	if !d.Allowed || d.Charge != ChargeUsage {
		t.Fatalf("374/375 must be allowed, got %+v", d)
	}

	rec.UsageCount = 375
	d = Evaluate(rec, now, testLimits)
	if d.Allowed || d.Code != CodeWeeklyLimitReached {
		t.Fatalf("375/375 must be denied, got %+v", d)
	}
	if d.UsageCount != 375 || d.Limit != 375 {
		t.Fatalf("denial must carry count and limit, got %+v", d)
	}
}

func TestEvaluateSubscriptionPeriodReset(t *testing.T) {
	now := time.Now()
	rec := models.Entitlement{
		Plan:               models.PlanSubscription,
		SubscriptionStatus: models.SubscriptionActive,
		UsageCount:         200,
		PeriodStart:        now.Add(-8 * 24 * time.Hour),
	}
	d := Evaluate(rec, now, testLimits)
	if !d.Allowed {
		t.Fatalf("elapsed period must allow after reset, got %+v", d)
	}
	if !d.NeedsReset {
		t.Fatalf("expected reset for an 8-day-old period")
	}

	// Even an over-limit count is forgiven once the period has elapsed.
	rec.UsageCount = 500
	d = Evaluate(rec, now, testLimits)
	if !d.Allowed || !d.NeedsReset {
		t.Fatalf("elapsed period with over-limit count must reset and allow, got %+v", d)
	}

	// A fresh period does not reset again.
	rec.UsageCount = 1
	rec.PeriodStart = now.Add(-time.Millisecond)
	d = Evaluate(rec, now, testLimits)
	if !d.Allowed || d.NeedsReset {
		t.Fatalf("fresh period must not reset, got %+v", d)
	}
}

func TestEvaluateUnknownPlan(t *testing.T) {
	rec := models.Entitlement{Plan: "enterprise"}
	d := Evaluate(rec, time.Now(), testLimits)
	if d.Allowed || d.Code != CodeNotInitialized {
		t.Fatalf("unknown plan must deny NOT_INITIALIZED, got %+v", d)
	}
}
