package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/models"
)

// Ledger is the quota ledger. The debit path is a single conditional UPDATE
// ("set remaining = remaining - n WHERE remaining >= n"), so concurrent
// debits for one account serialize at the storage layer with no lost updates.
// There is deliberately no read-check-write fallback.
type Ledger struct {
	pool    *pgxpool.Pool
	coord   *coordination.Client
	pricing *PricingCatalog
	logger  *slog.Logger
}

// NewLedger creates the quota ledger.
func NewLedger(pool *pgxpool.Pool, coord *coordination.Client, pricing *PricingCatalog) *Ledger {
	return &Ledger{
		pool:    pool,
		coord:   coord,
		pricing: pricing,
		logger:  slog.With("service", "billing"),
	}
}

// ConsumeRequest describes one debit.
type ConsumeRequest struct {
	AccountID        string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	ThreadID         string
	MessageID        string
}

// TotalTokens is the debit amount.
func (r ConsumeRequest) TotalTokens() int64 {
	return r.PromptTokens + r.CompletionTokens
}

// ConsumeResult reports the outcome of a successful debit.
type ConsumeResult struct {
	TokensConsumed   int64         `json:"tokens_consumed"`
	TokensRemaining  int64         `json:"tokens_remaining"`
	CreditsRemaining int64         `json:"credits_remaining"`
	PlanID           models.PlanID `json:"plan_id"`
}

// ConsumeTokens atomically debits tokens from the account's allowance and
// appends a usage record. BYOK accounts are never debited; their usage is
// still logged, priced from the real upstream catalog when available.
func (l *Ledger) ConsumeTokens(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	total := req.TotalTokens()
	if total <= 0 {
		return nil, fmt.Errorf("token count must be positive, got %d", total)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	plan, err := l.GetPlan(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	if plan == models.PlanBYOK {
		cost := l.realCost(ctx, req)
		if err := l.insertUsage(ctx, l.pool, req, models.UnlimitedTokens, cost); err != nil {
			return nil, err
		}
		return &ConsumeResult{
			TokensConsumed:   total,
			TokensRemaining:  models.UnlimitedTokens,
			CreditsRemaining: models.UnlimitedTokens,
			PlanID:           models.PlanBYOK,
		}, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin debit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var remaining int64
	err = tx.QueryRow(ctx, `
		UPDATE billing_customers
		SET token_quota_remaining = token_quota_remaining - $2
		WHERE account_id = $1 AND token_quota_remaining >= $2
		RETURNING token_quota_remaining`,
		req.AccountID, total).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Zero affected rows means insufficient balance (or no customer);
		// nothing was written.
		current, statusErr := l.GetUserTokenStatus(ctx, req.AccountID)
		if statusErr != nil {
			return nil, statusErr
		}
		return nil, &InsufficientTokensError{
			RequestedTokens:  total,
			RemainingTokens:  current.TokensRemaining,
			RemainingCredits: current.CreditsRemaining,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit tokens for %s: %w", req.AccountID, err)
	}

	cost := EstimateCost(req.Model, req.PromptTokens, req.CompletionTokens)
	if err := l.insertUsage(ctx, tx, req, remaining, cost); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit debit for %s: %w", req.AccountID, err)
	}

	return &ConsumeResult{
		TokensConsumed:   total,
		TokensRemaining:  remaining,
		CreditsRemaining: CreditsForTokens(remaining),
		PlanID:           plan,
	}, nil
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertUsage appends one usage-log row.
func (l *Ledger) insertUsage(ctx context.Context, db execer, req ConsumeRequest, remainingAfter int64, cost float64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO token_usage_log
			(account_id, thread_id, message_id, model, prompt_tokens, completion_tokens, total_tokens, tokens_remaining_after, estimated_cost, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, now())`,
		req.AccountID, req.ThreadID, req.MessageID, req.Model,
		req.PromptTokens, req.CompletionTokens, req.TotalTokens(), remainingAfter, cost)
	if err != nil {
		return fmt.Errorf("failed to log token usage for %s: %w", req.AccountID, err)
	}
	return nil
}

// realCost prices a BYOK invocation from the cached upstream catalog,
// falling back to conservative defaults when the model is unlisted.
func (l *Ledger) realCost(ctx context.Context, req ConsumeRequest) float64 {
	if l.pricing == nil {
		return EstimateCost(req.Model, req.PromptTokens, req.CompletionTokens)
	}
	return l.pricing.RealCost(ctx, req.Model, req.PromptTokens, req.CompletionTokens)
}

// GetPlan returns the account's plan, reading through the 5-minute cache.
func (l *Ledger) GetPlan(ctx context.Context, accountID string) (models.PlanID, error) {
	if l.coord != nil {
		if cached, err := l.coord.GetCachedPlan(ctx, accountID); err == nil && cached != "" {
			return models.PlanID(cached), nil
		}
	}

	customer, err := l.GetOrCreateCustomer(ctx, accountID, "")
	if err != nil {
		return "", err
	}
	if l.coord != nil {
		if err := l.coord.SetCachedPlan(ctx, accountID, string(customer.PlanID)); err != nil {
			l.logger.Warn("Failed to cache plan", "account_id", accountID, "error", err)
		}
	}
	return customer.PlanID, nil
}

// GetOrCreateCustomer fetches the billing row, creating a free-plan row on
// first use.
func (l *Ledger) GetOrCreateCustomer(ctx context.Context, accountID, email string) (*models.BillingCustomer, error) {
	free, _ := PlanByID(models.PlanFree)
	row := l.pool.QueryRow(ctx, `
		INSERT INTO billing_customers (account_id, plan_id, token_quota_total, token_quota_remaining, quota_resets_at, email, active)
		VALUES ($1, 'free', $2, $2, now() + interval '30 days', $3, TRUE)
		ON CONFLICT (account_id) DO UPDATE SET account_id = EXCLUDED.account_id
		RETURNING account_id, plan_id, token_quota_total, token_quota_remaining, quota_resets_at, email, active`,
		accountID, free.TokenQuota, email)

	var c models.BillingCustomer
	if err := row.Scan(&c.AccountID, &c.PlanID, &c.TokenQuotaTotal, &c.TokenQuotaRemaining, &c.QuotaResetsAt, &c.Email, &c.Active); err != nil {
		return nil, fmt.Errorf("failed to load billing customer %s: %w", accountID, err)
	}
	return &c, nil
}

// GetUserTokenStatus returns the user-facing quota summary.
func (l *Ledger) GetUserTokenStatus(ctx context.Context, accountID string) (*models.TokenStatus, error) {
	c, err := l.GetOrCreateCustomer(ctx, accountID, "")
	if err != nil {
		return nil, err
	}
	plan, ok := PlanByID(c.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, c.PlanID)
	}
	status := &models.TokenStatus{
		AccountID:     c.AccountID,
		PlanID:        c.PlanID,
		QuotaResetsAt: c.QuotaResetsAt,
	}
	if plan.Unlimited() {
		status.TokensRemaining = models.UnlimitedTokens
		status.TokensTotal = models.UnlimitedTokens
		status.CreditsRemaining = models.UnlimitedTokens
		status.CreditsTotal = models.UnlimitedTokens
		return status, nil
	}
	status.TokensRemaining = c.TokenQuotaRemaining
	status.TokensTotal = c.TokenQuotaTotal
	status.CreditsRemaining = CreditsForTokens(c.TokenQuotaRemaining)
	status.CreditsTotal = CreditsForTokens(c.TokenQuotaTotal)
	return status, nil
}

// ResetUserQuota refills the remaining balance to the plan total and advances
// the reset date by 30 days.
func (l *Ledger) ResetUserQuota(ctx context.Context, accountID string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE billing_customers
		SET token_quota_remaining = token_quota_total,
		    quota_resets_at = now() + interval '30 days'
		WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to reset quota for %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	l.logger.Info("Reset user quota", "account_id", accountID)
	return nil
}

// SetPlan moves the account onto a new plan. Plan changes reset both the
// total and the remaining balance, and invalidate the plan cache.
func (l *Ledger) SetPlan(ctx context.Context, accountID string, planID models.PlanID) error {
	plan, ok := PlanByID(planID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	quota := plan.TokenQuota
	if plan.Unlimited() {
		quota = 0 // the remaining column is non-negative; byok ignores it
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE billing_customers
		SET plan_id = $2, token_quota_total = $3, token_quota_remaining = $3,
		    quota_resets_at = now() + interval '30 days'
		WHERE account_id = $1`, accountID, planID, quota)
	if err != nil {
		return fmt.Errorf("failed to change plan for %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	if l.coord != nil {
		if err := l.coord.InvalidateCachedPlan(ctx, accountID); err != nil {
			l.logger.Warn("Failed to invalidate plan cache", "account_id", accountID, "error", err)
		}
	}
	return nil
}

// ListUsage returns a page of the account's usage log, newest first.
func (l *Ledger) ListUsage(ctx context.Context, accountID string, limit, offset int) ([]*models.TokenUsageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, account_id, COALESCE(thread_id, ''), COALESCE(message_id, ''), model,
		       prompt_tokens, completion_tokens, total_tokens, tokens_remaining_after, estimated_cost, created_at
		FROM token_usage_log
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage for %s: %w", accountID, err)
	}
	defer rows.Close()

	var records []*models.TokenUsageRecord
	for rows.Next() {
		var r models.TokenUsageRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ThreadID, &r.MessageID, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.TokensRemainingAfter, &r.EstimatedCost, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
