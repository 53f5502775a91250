// Package billing implements the quota ledger: atomic token debits with
// race-free constraint checking, the closed plan catalog, per-invocation
// usage logging, model cost estimation and BYOK key management.
package billing

import "github.com/strandlabs/strand/pkg/models"

// Credit and conversation thresholds. Credits are a display unit only; the
// ledger itself always reasons in tokens.
const (
	// TokensPerCredit converts tokens to display credits (floor division).
	TokensPerCredit int64 = 5000

	// MinConversationTokens is the minimum balance required to start a run.
	MinConversationTokens int64 = 5000

	// MaxTokensPerMessage bounds the size of a single message sent to the LLM.
	MaxTokensPerMessage = 8000
)

// Plan describes one entry of the closed plan catalog.
type Plan struct {
	ID                   models.PlanID
	TokenQuota           int64 // models.UnlimitedTokens for byok
	Credits              int64
	MonthlyPriceUSD      float64
	DeployedProjectLimit int
}

// Unlimited reports whether the plan tracks no token quota.
func (p Plan) Unlimited() bool {
	return p.TokenQuota == models.UnlimitedTokens
}

// planCatalog is the closed set of plans. Values are contracts, not
// suggestions.
var planCatalog = map[models.PlanID]Plan{
	models.PlanFree: {
		ID:                   models.PlanFree,
		TokenQuota:           100_000,
		Credits:              20,
		MonthlyPriceUSD:      0,
		DeployedProjectLimit: 1,
	},
	models.PlanPro: {
		ID:                   models.PlanPro,
		TokenQuota:           750_000,
		Credits:              150,
		MonthlyPriceUSD:      18.00,
		DeployedProjectLimit: 10,
	},
	models.PlanPremium: {
		ID:                   models.PlanPremium,
		TokenQuota:           1_250_000,
		Credits:              250,
		MonthlyPriceUSD:      30.00,
		DeployedProjectLimit: 25,
	},
	models.PlanBYOK: {
		ID:              models.PlanBYOK,
		TokenQuota:      models.UnlimitedTokens,
		Credits:         models.UnlimitedTokens,
		MonthlyPriceUSD: 108.00,
	},
}

// PlanByID looks up a plan in the catalog.
func PlanByID(id models.PlanID) (Plan, bool) {
	p, ok := planCatalog[id]
	return p, ok
}

// CreditsForTokens converts tokens to display credits. The conversion is a
// one-way floor so displayed credits never overstate the balance.
func CreditsForTokens(tokens int64) int64 {
	if tokens == models.UnlimitedTokens {
		return models.UnlimitedTokens
	}
	if tokens < 0 {
		return 0
	}
	return tokens / TokensPerCredit
}
