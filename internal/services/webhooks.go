package services

import (
	"context"
	"fmt"
	"time"

	"sidebarassist/internal/models"
)

// Payment-webhook state transitions. These are simple overwrites of the
// entitlement record keyed either by account id (checkout) or by the stored
// payment reference (subscription lifecycle events).

// ActivateSubscription flips the account to an active subscription with a
// fresh quota period. Called on checkout completion; the record is created
// if the account never transacted before.
func (s *Service) ActivateSubscription(ctx context.Context, accountID, paymentReference string) error {
	if _, err := s.store.GetOrCreate(ctx, accountID, s.limits.TrialCredits); err != nil {
		return fmt.Errorf("ensure entitlement: %w", err)
	}
	now := time.Now().UTC()
	update := models.PlanStateUpdate{
		Plan:               ptr(models.PlanSubscription),
		SubscriptionStatus: ptr(models.SubscriptionActive),
		UsageCount:         ptr(0),
		PeriodStart:        &now,
		PaymentReference:   &paymentReference,
	}
	if err := s.store.SetPlanState(ctx, accountID, update); err != nil {
		return err
	}
	s.logUsage(ctx, accountID, models.ActionSubscriptionCreated, nil, paymentReference)
	return nil
}

// UpdateSubscriptionStatus maps a provider-side subscription status onto the
// stored record.
func (s *Service) UpdateSubscriptionStatus(ctx context.Context, paymentReference, providerStatus string) error {
	rec, err := s.store.FindByPaymentReference(ctx, paymentReference)
	if err != nil {
		return err
	}
	status := mapProviderStatus(providerStatus)
	return s.store.SetPlanState(ctx, rec.AccountID, models.PlanStateUpdate{
		SubscriptionStatus: &status,
	})
}

// CancelSubscription reverts the account to an exhausted free plan and
// clears the subscription fields. The record itself is never deleted.
func (s *Service) CancelSubscription(ctx context.Context, paymentReference string) error {
	rec, err := s.store.FindByPaymentReference(ctx, paymentReference)
	if err != nil {
		return err
	}
	update := models.PlanStateUpdate{
		Plan:               ptr(models.PlanFree),
		CreditsBalance:     ptr(0),
		SubscriptionStatus: ptr(models.SubscriptionCancelled),
		PaymentReference:   ptr(""),
	}
	if err := s.store.SetPlanState(ctx, rec.AccountID, update); err != nil {
		return err
	}
	s.logUsage(ctx, rec.AccountID, models.ActionSubscriptionCancelled, nil, paymentReference)
	return nil
}

// RenewSubscription starts a fresh quota period after a successful renewal
// payment.
func (s *Service) RenewSubscription(ctx context.Context, paymentReference string) error {
	rec, err := s.store.FindByPaymentReference(ctx, paymentReference)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.store.SetPlanState(ctx, rec.AccountID, models.PlanStateUpdate{
		SubscriptionStatus: ptr(models.SubscriptionActive),
		UsageCount:         ptr(0),
		PeriodStart:        &now,
	})
}

// MarkPaymentFailed moves the subscription to past_due.
func (s *Service) MarkPaymentFailed(ctx context.Context, paymentReference string) error {
	rec, err := s.store.FindByPaymentReference(ctx, paymentReference)
	if err != nil {
		return err
	}
	if err := s.store.SetPlanState(ctx, rec.AccountID, models.PlanStateUpdate{
		SubscriptionStatus: ptr(models.SubscriptionPastDue),
	}); err != nil {
		return err
	}
	s.logUsage(ctx, rec.AccountID, models.ActionPaymentFailed, nil, paymentReference)
	return nil
}

func mapProviderStatus(providerStatus string) string {
	switch providerStatus {
	case "active", "trialing":
		return models.SubscriptionActive
	case "past_due", "unpaid":
		return models.SubscriptionPastDue
	case "canceled":
		return models.SubscriptionCancelled
	default:
		return models.SubscriptionExpired
	}
}

func ptr[T any](v T) *T { return &v }
