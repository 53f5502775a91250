package models

import "time"

// PlanID identifies one of the closed set of subscription plans.
type PlanID string

const (
	PlanFree    PlanID = "free"
	PlanPro     PlanID = "pro"
	PlanPremium PlanID = "premium"
	PlanBYOK    PlanID = "byok"
)

// UnlimitedTokens is the sentinel returned for BYOK accounts, whose quota is
// not tracked.
const UnlimitedTokens int64 = -1

// BillingCustomer is the per-account quota row. token_quota_remaining is kept
// non-negative by the ledger's conditional update; it is never read-modified
// in application code.
type BillingCustomer struct {
	AccountID           string    `json:"account_id"`
	PlanID              PlanID    `json:"plan_id"`
	TokenQuotaTotal     int64     `json:"token_quota_total"`
	TokenQuotaRemaining int64     `json:"token_quota_remaining"`
	QuotaResetsAt       time.Time `json:"quota_resets_at"`
	Email               string    `json:"email,omitempty"`
	Active              bool      `json:"active"`
}

// TokenUsageRecord is one append-only ledger entry per LLM invocation.
type TokenUsageRecord struct {
	ID                   int64     `json:"id"`
	AccountID            string    `json:"account_id"`
	ThreadID             string    `json:"thread_id,omitempty"`
	MessageID            string    `json:"message_id,omitempty"`
	Model                string    `json:"model"`
	PromptTokens         int64     `json:"prompt_tokens"`
	CompletionTokens     int64     `json:"completion_tokens"`
	TotalTokens          int64     `json:"total_tokens"`
	TokensRemainingAfter int64     `json:"tokens_remaining_after"`
	EstimatedCost        float64   `json:"estimated_cost"`
	CreatedAt            time.Time `json:"created_at"`
}

// TokenStatus is the user-facing quota summary.
type TokenStatus struct {
	AccountID        string    `json:"account_id"`
	PlanID           PlanID    `json:"plan_id"`
	TokensRemaining  int64     `json:"tokens_remaining"`
	TokensTotal      int64     `json:"tokens_total"`
	CreditsRemaining int64     `json:"credits_remaining"`
	CreditsTotal     int64     `json:"credits_total"`
	QuotaResetsAt    time.Time `json:"quota_resets_at"`
}
