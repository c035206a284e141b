package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sidebarassist/internal/models"
)

// Postgres implements the entitlement store on pgx. Every quota mutation is
// a single conditional statement so that two concurrent requests for the
// same account cannot both pass a boundary they shouldn't both pass.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS account_entitlements (
	account_id          TEXT PRIMARY KEY,
	plan                TEXT NOT NULL DEFAULT 'free',
	credits_balance     INT NOT NULL DEFAULT 0,
	subscription_status TEXT NOT NULL DEFAULT '',
	usage_count         INT NOT NULL DEFAULT 0,
	period_start        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	payment_reference   TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitlements_payment_reference
	ON account_entitlements (payment_reference)
	WHERE payment_reference <> '';

CREATE TABLE IF NOT EXISTS usage_log (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	action      TEXT NOT NULL,
	tokens_used INT,
	metadata    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_usage_log_account
	ON usage_log (account_id, created_at DESC);
`

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const entitlementColumns = `account_id, plan, credits_balance, subscription_status,
	usage_count, period_start, payment_reference, created_at, updated_at`

func scanEntitlement(row pgx.Row) (models.Entitlement, error) {
	var e models.Entitlement
	err := row.Scan(&e.AccountID, &e.Plan, &e.CreditsBalance, &e.SubscriptionStatus,
		&e.UsageCount, &e.PeriodStart, &e.PaymentReference, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// GetOrCreate fetches the entitlement record, lazily creating the default
// free-plan record on first access. The upsert is idempotent, so concurrent
// first requests cannot produce duplicate rows.
func (s *Postgres) GetOrCreate(ctx context.Context, accountID string, trialCredits int) (models.Entitlement, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_entitlements (account_id, plan, credits_balance, usage_count, period_start)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, models.PlanFree, trialCredits)
	if err != nil {
		return models.Entitlement{}, err
	}
	return s.Get(ctx, accountID)
}

func (s *Postgres) Get(ctx context.Context, accountID string) (models.Entitlement, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entitlementColumns+`
		FROM account_entitlements WHERE account_id = $1`, accountID)
	e, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entitlement{}, models.ErrNotFound
	}
	return e, err
}

func (s *Postgres) FindByPaymentReference(ctx context.Context, reference string) (models.Entitlement, error) {
	if reference == "" {
		return models.Entitlement{}, models.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+entitlementColumns+`
		FROM account_entitlements WHERE payment_reference = $1`, reference)
	e, err := scanEntitlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entitlement{}, models.ErrNotFound
	}
	return e, err
}

// DecrementCreditIfPositive charges one trial credit. The decrement only
// happens while the balance is positive; an exhausted balance returns
// ErrAlreadyZero. The unlimited sentinel (-1) fails the balance > 0 guard
// and is reported as exhausted, so callers must not route unlimited
// accounts here.
func (s *Postgres) DecrementCreditIfPositive(ctx context.Context, accountID string) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx, `
		UPDATE account_entitlements
		SET credits_balance = credits_balance - 1, updated_at = NOW()
		WHERE account_id = $1 AND credits_balance > 0
		RETURNING credits_balance`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrAlreadyZero
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// IncrementUsageIfUnderLimit charges one request against the period quota.
func (s *Postgres) IncrementUsageIfUnderLimit(ctx context.Context, accountID string, limit int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE account_entitlements
		SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE account_id = $1 AND usage_count < $2
		RETURNING usage_count`, accountID, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrAlreadyAtLimit
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetPeriodIfElapsed zeroes the usage counter and advances period_start,
// but only when the stored period has actually elapsed. Two concurrent
// callers therefore reset at most once.
func (s *Postgres) ResetPeriodIfElapsed(ctx context.Context, accountID string, period time.Duration) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE account_entitlements
		SET usage_count = 0, period_start = NOW(), updated_at = NOW()
		WHERE account_id = $1
			AND period_start <= NOW() - make_interval(secs => $2)`,
		accountID, period.Seconds())
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// RestoreCredit compensates a credit charge after an upstream failure. It is
// an increment-by-delta rather than an overwrite, so a concurrent legitimate
// decrement is never erased. The guard keeps it away from the unlimited
// sentinel and non-free plans.
func (s *Postgres) RestoreCredit(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE account_entitlements
		SET credits_balance = credits_balance + 1, updated_at = NOW()
		WHERE account_id = $1 AND plan = $2 AND credits_balance >= 0`,
		accountID, models.PlanFree)
	return err
}

// RestoreUsageCount compensates a usage charge after an upstream failure.
func (s *Postgres) RestoreUsageCount(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE account_entitlements
		SET usage_count = GREATEST(usage_count - 1, 0), updated_at = NOW()
		WHERE account_id = $1`, accountID)
	return err
}

// SetPlanState applies a webhook-driven partial overwrite.
func (s *Postgres) SetPlanState(ctx context.Context, accountID string, update models.PlanStateUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{accountID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Plan != nil {
		add("plan", *update.Plan)
	}
	if update.CreditsBalance != nil {
		add("credits_balance", *update.CreditsBalance)
	}
	if update.SubscriptionStatus != nil {
		add("subscription_status", *update.SubscriptionStatus)
	}
	if update.UsageCount != nil {
		add("usage_count", *update.UsageCount)
	}
	if update.PeriodStart != nil {
		add("period_start", *update.PeriodStart)
	}
	if update.PaymentReference != nil {
		add("payment_reference", *update.PaymentReference)
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE account_entitlements SET `+strings.Join(sets, ", ")+`
		WHERE account_id = $1`, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AppendUsageLog writes one observability entry. Callers swallow failures;
// the log is best-effort by contract.
func (s *Postgres) AppendUsageLog(ctx context.Context, entry models.UsageLogEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_log (id, account_id, action, tokens_used, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		id, entry.AccountID, entry.Action, entry.TokensUsed, entry.Metadata)
	return err
}

// ListUsageLog returns recent entries for an account, newest first.
func (s *Postgres) ListUsageLog(ctx context.Context, accountID string, limit int) ([]models.UsageLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, action, tokens_used, metadata, created_at
		FROM usage_log
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []models.UsageLogEntry
	for rows.Next() {
		var e models.UsageLogEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &e.TokensUsed, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
