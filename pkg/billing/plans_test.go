package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/models"
)

func TestPlanCatalog(t *testing.T) {
	tests := []struct {
		plan    models.PlanID
		quota   int64
		credits int64
	}{
		{plan: models.PlanFree, quota: 100_000, credits: 20},
		{plan: models.PlanPro, quota: 750_000, credits: 150},
		{plan: models.PlanPremium, quota: 1_250_000, credits: 250},
		{plan: models.PlanBYOK, quota: models.UnlimitedTokens, credits: models.UnlimitedTokens},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			p, ok := PlanByID(tt.plan)
			require.True(t, ok)
			assert.Equal(t, tt.quota, p.TokenQuota)
			assert.Equal(t, tt.credits, p.Credits)
		})
	}

	_, ok := PlanByID("enterprise")
	assert.False(t, ok)
}

func TestCreditsForTokensFloors(t *testing.T) {
	assert.Equal(t, int64(0), CreditsForTokens(0))
	assert.Equal(t, int64(0), CreditsForTokens(4999))
	assert.Equal(t, int64(1), CreditsForTokens(5000))
	assert.Equal(t, int64(1), CreditsForTokens(9999))
	assert.Equal(t, int64(20), CreditsForTokens(100_000))
	assert.Equal(t, int64(0), CreditsForTokens(-7))
	assert.Equal(t, models.UnlimitedTokens, CreditsForTokens(models.UnlimitedTokens))
}

func TestBYOKPlanIsUnlimited(t *testing.T) {
	p, ok := PlanByID(models.PlanBYOK)
	require.True(t, ok)
	assert.True(t, p.Unlimited())

	free, ok := PlanByID(models.PlanFree)
	require.True(t, ok)
	assert.False(t, free.Unlimited())
}
