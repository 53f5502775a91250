package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/coordination"
)

const modelsPayload = `{
	"data": [
		{"id": "anthropic/claude-3.5-sonnet", "pricing": {"prompt": "0.000003", "completion": "0.000015"}},
		{"id": "openai/gpt-4o", "pricing": {"prompt": "0.000005", "completion": "0.000015"}},
		{"id": "weird/variable", "pricing": {"prompt": "variable", "completion": "0"}}
	]
}`

func newPricingFixture(t *testing.T) (*PricingCatalog, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/models", r.URL.Path)
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(modelsPayload))
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	coord := coordination.NewClientFromRedis(rdb, 24*time.Hour)

	return NewPricingCatalog(coord, srv.URL), &hits
}

func TestPricingCatalogFetchAndParse(t *testing.T) {
	catalog, hits := newPricingFixture(t)

	prices := catalog.Prices(context.Background())
	require.Contains(t, prices, "anthropic/claude-3.5-sonnet")
	assert.InDelta(t, 0.000003, prices["anthropic/claude-3.5-sonnet"].Prompt, 1e-12)
	assert.InDelta(t, 0.000015, prices["anthropic/claude-3.5-sonnet"].Completion, 1e-12)

	// Non-numeric pricing entries are skipped, not zeroed.
	assert.NotContains(t, prices, "weird/variable")
	assert.Equal(t, int64(1), hits.Load())
}

func TestPricingCatalogCachesAcrossCalls(t *testing.T) {
	catalog, hits := newPricingFixture(t)
	ctx := context.Background()

	catalog.Prices(ctx)
	catalog.Prices(ctx)
	catalog.Prices(ctx)
	assert.Equal(t, int64(1), hits.Load(), "subsequent lookups must hit the cache")
}

func TestPricingCatalogSharesViaRedis(t *testing.T) {
	catalog, hits := newPricingFixture(t)
	ctx := context.Background()
	catalog.Prices(ctx)

	// A second catalog instance (another replica) sharing the same Redis
	// must not refetch.
	sibling := NewPricingCatalog(catalog.coord, "http://unreachable.invalid")
	prices := sibling.Prices(ctx)
	require.Contains(t, prices, "openai/gpt-4o")
	assert.Equal(t, int64(1), hits.Load())
}

func TestRealCostFallsBackForUnknownModels(t *testing.T) {
	catalog, _ := newPricingFixture(t)
	ctx := context.Background()

	// Listed model uses the real price.
	cost := catalog.RealCost(ctx, "anthropic/claude-3.5-sonnet", 1000, 1000)
	assert.InDelta(t, 0.018, cost, 1e-9)

	// Unlisted model uses the conservative defaults: 1e-6 and 2e-6 per token.
	cost = catalog.RealCost(ctx, "no-such-model", 1000, 1000)
	assert.InDelta(t, 0.003, cost, 1e-9)
}

func TestRealCostUpstreamDown(t *testing.T) {
	catalog := NewPricingCatalog(nil, "http://unreachable.invalid")
	cost := catalog.RealCost(context.Background(), "anything", 1000, 0)
	assert.InDelta(t, 0.001, cost, 1e-9)
}

func TestBlendedSplit(t *testing.T) {
	prompt, completion := BlendedSplit(1000)
	assert.Equal(t, int64(700), prompt)
	assert.Equal(t, int64(300), completion)
	assert.Equal(t, int64(1000), prompt+completion)
}
