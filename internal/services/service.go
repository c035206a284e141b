package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"sidebarassist/internal/config"
	"sidebarassist/internal/entitlement"
	"sidebarassist/internal/models"
	"sidebarassist/internal/upstream"
)

var ErrInvalidRequest = errors.New("invalid request")

// DenyError is a business-rule denial. Code is machine-readable so the
// extension can render plan-specific upgrade prompts; Extra carries display
// fields (remaining credits, usage count, limit).
type DenyError struct {
	Code    string
	Message string
	Extra   map[string]any
}

func (e *DenyError) Error() string { return e.Message }

// Store is the persistence port for entitlement records and the usage log.
// Implementations must make each quota mutation atomic under concurrent
// invocation for the same account.
type Store interface {
	GetOrCreate(ctx context.Context, accountID string, trialCredits int) (models.Entitlement, error)
	Get(ctx context.Context, accountID string) (models.Entitlement, error)
	FindByPaymentReference(ctx context.Context, reference string) (models.Entitlement, error)
	DecrementCreditIfPositive(ctx context.Context, accountID string) (int, error)
	IncrementUsageIfUnderLimit(ctx context.Context, accountID string, limit int) (int, error)
	ResetPeriodIfElapsed(ctx context.Context, accountID string, period time.Duration) (bool, error)
	RestoreCredit(ctx context.Context, accountID string) error
	RestoreUsageCount(ctx context.Context, accountID string) error
	SetPlanState(ctx context.Context, accountID string, update models.PlanStateUpdate) error
	AppendUsageLog(ctx context.Context, entry models.UsageLogEntry) error
	ListUsageLog(ctx context.Context, accountID string, limit int) ([]models.UsageLogEntry, error)
}

// Streamer is the upstream completion port.
type Streamer interface {
	Stream(ctx context.Context, messages []upstream.Message, onChunk func(string) error) (*upstream.Usage, error)
}

type Service struct {
	store    Store
	streamer Streamer
	limits   entitlement.Limits

	pageContextLimit      int
	selectionContextLimit int
}

func New(store Store, streamer Streamer, cfg config.Config) *Service {
	return &Service{
		store:    store,
		streamer: streamer,
		limits: entitlement.Limits{
			WeeklyLimit:  cfg.WeeklyLimit,
			PeriodLength: cfg.PeriodLength(),
			TrialCredits: cfg.TrialCredits,
		},
		pageContextLimit:      cfg.PageContextLimit,
		selectionContextLimit: cfg.SelectionContextLimit,
	}
}

func (s *Service) Limits() entitlement.Limits { return s.limits }

// Entitlement returns the caller's record, lazily creating the default
// free-plan record on first access.
func (s *Service) Entitlement(ctx context.Context, accountID string) (models.Entitlement, error) {
	return s.store.GetOrCreate(ctx, accountID, s.limits.TrialCredits)
}

// UsageLog returns the most recent billable-action entries for an account.
func (s *Service) UsageLog(ctx context.Context, accountID string, limit int) ([]models.UsageLogEntry, error) {
	return s.store.ListUsageLog(ctx, accountID, limit)
}

// ChatRequest is the validated inbound chat payload. ContextType is "page"
// (default) or "selection"; the two carry different character budgets.
type ChatRequest struct {
	Messages    []upstream.Message
	Context     string
	ContextType string
}

// ChatResult reports what happened during streaming. Relayed means at least
// one fragment reached the caller, which is the point of no rollback.
type ChatResult struct {
	Relayed    bool
	TokensUsed *int
}

const contextTypeSelection = "selection"

var validRoles = map[string]bool{"user": true, "assistant": true, "system": true}

func validateChatRequest(req ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for _, m := range req.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("%w: message content must not be empty", ErrInvalidRequest)
		}
	}
	return nil
}

// Chat runs the full request pipeline: load entitlement, evaluate, charge
// the ledger, stream the completion through onChunk, and finalize or roll
// back. The charge always precedes the upstream call; an upstream failure
// before any fragment was relayed reverses it.
func (s *Service) Chat(ctx context.Context, accountID string, req ChatRequest, onChunk func(string) error) (ChatResult, error) {
	if err := validateChatRequest(req); err != nil {
		return ChatResult{}, err
	}

	rec, err := s.store.GetOrCreate(ctx, accountID, s.limits.TrialCredits)
	if err != nil {
		return ChatResult{}, fmt.Errorf("load entitlement: %w", err)
	}

	now := time.Now().UTC()
	decision := entitlement.Evaluate(rec, now, s.limits)
	if !decision.Allowed {
		return ChatResult{}, denyError(decision)
	}

	rollback, err := s.charge(ctx, accountID, decision)
	if err != nil {
		return ChatResult{}, err
	}

	messages := s.assembleMessages(req)

	result := ChatResult{}
	callerGone := false
	usage, streamErr := s.streamer.Stream(ctx, messages, func(fragment string) error {
		result.Relayed = true
		if err := onChunk(fragment); err != nil {
			callerGone = true
			return err
		}
		return nil
	})
	if usage != nil {
		tokens := usage.TotalTokens
		result.TokensUsed = &tokens
	}

	switch {
	case streamErr == nil:
		s.logUsage(ctx, accountID, models.ActionChatRequest, result.TokensUsed, "")
		return result, nil
	case callerGone:
		// The request was accepted and partially served; the charge stands.
		s.logUsage(ctx, accountID, models.ActionChatRequest, result.TokensUsed, "client_disconnected")
		return result, nil
	case result.Relayed:
		// Upstream died mid-answer. The caller already saw output, so the
		// charge stands; the handler appends an error marker.
		s.logUsage(ctx, accountID, models.ActionChatRequest, result.TokensUsed, "stream_interrupted")
		return result, streamErr
	default:
		// Nothing reached the caller: reverse the charge before reporting.
		if rbErr := rollback(ctx); rbErr != nil {
			log.Printf("[ERROR] rollback failed for account %s: %v", accountID, rbErr)
		}
		return result, streamErr
	}
}

// charge applies the ledger mutation the decision requires and returns the
// matching compensation. A race loss at the atomic charge is reported as the
// same denial the evaluator would have produced.
func (s *Service) charge(ctx context.Context, accountID string, decision entitlement.Decision) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch decision.Charge {
	case entitlement.ChargeNone:
		return noop, nil

	case entitlement.ChargeCredit:
		_, err := s.store.DecrementCreditIfPositive(ctx, accountID)
		if errors.Is(err, models.ErrAlreadyZero) {
			return noop, &DenyError{
				Code:    entitlement.CodeCreditsExhausted,
				Message: "free trial credits exhausted",
				Extra:   map[string]any{"credits_remaining": 0},
			}
		}
		if err != nil {
			return noop, fmt.Errorf("charge credit: %w", err)
		}
		return func(ctx context.Context) error {
			return s.store.RestoreCredit(ctx, accountID)
		}, nil

	case entitlement.ChargeUsage:
		if decision.NeedsReset {
			if _, err := s.store.ResetPeriodIfElapsed(ctx, accountID, s.limits.PeriodLength); err != nil {
				return noop, fmt.Errorf("reset period: %w", err)
			}
		}
		_, err := s.store.IncrementUsageIfUnderLimit(ctx, accountID, s.limits.WeeklyLimit)
		if errors.Is(err, models.ErrAlreadyAtLimit) {
			return noop, &DenyError{
				Code:    entitlement.CodeWeeklyLimitReached,
				Message: "subscription request limit reached for this period",
				Extra: map[string]any{
					"usage_count": s.limits.WeeklyLimit,
					"limit":       s.limits.WeeklyLimit,
				},
			}
		}
		if err != nil {
			return noop, fmt.Errorf("charge usage: %w", err)
		}
		return func(ctx context.Context) error {
			return s.store.RestoreUsageCount(ctx, accountID)
		}, nil

	default:
		return noop, fmt.Errorf("unknown charge kind %d", decision.Charge)
	}
}

const contextSystemPrompt = "You are a helpful AI assistant embedded in a browser sidebar. " +
	"Use the following page context to answer the user's questions when relevant.\n\nContext:\n"

// assembleMessages prepends the synthesized context system message, with the
// raw page/selection text truncated to its character budget.
func (s *Service) assembleMessages(req ChatRequest) []upstream.Message {
	if req.Context == "" {
		return req.Messages
	}
	limit := s.pageContextLimit
	if req.ContextType == contextTypeSelection {
		limit = s.selectionContextLimit
	}
	system := upstream.Message{
		Role:    "system",
		Content: contextSystemPrompt + truncate(req.Context, limit),
	}
	out := make([]upstream.Message, 0, len(req.Messages)+1)
	out = append(out, system)
	out = append(out, req.Messages...)
	return out
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func (s *Service) logUsage(ctx context.Context, accountID, action string, tokens *int, metadata string) {
	entry := models.UsageLogEntry{
		AccountID:  accountID,
		Action:     action,
		TokensUsed: tokens,
		Metadata:   metadata,
	}
	if err := s.store.AppendUsageLog(ctx, entry); err != nil {
		// Best-effort by contract; never fails the request.
		log.Printf("[ERROR] usage log append failed for account %s: %v", accountID, err)
	}
}

func denyError(d entitlement.Decision) *DenyError {
	switch d.Code {
	case entitlement.CodeUseOwnKey:
		return &DenyError{
			Code:    d.Code,
			Message: "account uses its own upstream API key; call the provider directly",
		}
	case entitlement.CodeSubscriptionInactive:
		return &DenyError{
			Code:    d.Code,
			Message: "subscription is not active",
			Extra:   map[string]any{"subscription_status": d.SubscriptionStatus},
		}
	case entitlement.CodeWeeklyLimitReached:
		return &DenyError{
			Code:    d.Code,
			Message: "subscription request limit reached for this period",
			Extra:   map[string]any{"usage_count": d.UsageCount, "limit": d.Limit},
		}
	case entitlement.CodeCreditsExhausted:
		return &DenyError{
			Code:    d.Code,
			Message: "free trial credits exhausted",
			Extra:   map[string]any{"credits_remaining": d.CreditsRemaining},
		}
	default:
		return &DenyError{Code: entitlement.CodeNotInitialized, Message: "account entitlement not initialized"}
	}
}
