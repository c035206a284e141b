package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"sidebarassist/internal/models"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// handleStripeWebhook applies payment-provider events to entitlement records.
// Signature verification is mandatory; events that reference an unknown
// subscription are acknowledged so the provider stops retrying them.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())

	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		log.Printf("[ERROR] [%s] webhook signature verification failed: %v", reqID, err)
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.processStripeEvent(r.Context(), event); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Printf("[INFO] [%s] webhook %s references no known account, acknowledged", reqID, event.Type)
			respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		log.Printf("[ERROR] [%s] webhook %s processing failed: %v", reqID, event.Type, err)
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) processStripeEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return err
		}
		return s.processCheckoutCompleted(ctx, &sess)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return s.svc.UpdateSubscriptionStatus(ctx, sub.ID, string(sub.Status))

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return s.svc.CancelSubscription(ctx, sub.ID)

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return nil
		}
		return s.svc.RenewSubscription(ctx, inv.Subscription.ID)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return nil
		}
		return s.svc.MarkPaymentFailed(ctx, inv.Subscription.ID)

	default:
		// Unhandled event types are acknowledged without action.
		return nil
	}
}

// processCheckoutCompleted activates the subscription bought in the checkout
// session. The account id travels in the session metadata (set when the
// checkout link is created), with the client reference id as fallback.
func (s *Server) processCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	accountID := sess.Metadata["account_id"]
	if accountID == "" {
		accountID = sess.ClientReferenceID
	}
	if accountID == "" {
		return errors.New("checkout session carries no account id")
	}
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return errors.New("checkout session carries no subscription")
	}
	return s.svc.ActivateSubscription(ctx, accountID, sess.Subscription.ID)
}
