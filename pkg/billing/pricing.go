package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/strandlabs/strand/pkg/coordination"
)

// Fallback per-token prices (USD) for models absent from the upstream catalog.
const (
	fallbackPromptPricePerToken     = 1e-6
	fallbackCompletionPricePerToken = 2e-6

	// blendedPromptRatio splits a total token count when only totals are
	// known: 70% prompt, 30% completion is the observed conservative mix.
	blendedPromptRatio = 0.7
)

// ModelPrice is the real upstream price per token in USD.
type ModelPrice struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// PricingCatalog serves real upstream model prices for BYOK cost logging.
// Lookups read through two cache layers: a 5-minute in-process LRU in front
// of the 6-hour shared Redis entry; the upstream catalog endpoint is only hit
// when both miss.
type PricingCatalog struct {
	coord   *coordination.Client
	httpc   *http.Client
	baseURL string
	cache   *lru.LRU[string, map[string]ModelPrice]
	logger  *slog.Logger
}

// localPricingCacheKey is the single LRU entry holding the whole catalog.
const localPricingCacheKey = "catalog"

// NewPricingCatalog creates the catalog against the given OpenRouter-style
// base URL (the /api/v1/models endpoint is appended).
func NewPricingCatalog(coord *coordination.Client, baseURL string) *PricingCatalog {
	return &PricingCatalog{
		coord:   coord,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		cache:   lru.NewLRU[string, map[string]ModelPrice](1, nil, 5*time.Minute),
		logger:  slog.With("service", "pricing"),
	}
}

// Prices returns the model price catalog, fetching from upstream on a full
// cache miss. An unreachable upstream returns an empty catalog rather than an
// error; callers fall back to default prices.
func (p *PricingCatalog) Prices(ctx context.Context) map[string]ModelPrice {
	if catalog, ok := p.cache.Get(localPricingCacheKey); ok {
		return catalog
	}

	if p.coord != nil {
		if payload, err := p.coord.GetCachedPricing(ctx); err == nil && payload != "" {
			var catalog map[string]ModelPrice
			if err := json.Unmarshal([]byte(payload), &catalog); err == nil {
				p.cache.Add(localPricingCacheKey, catalog)
				return catalog
			}
		}
	}

	catalog, err := p.fetch(ctx)
	if err != nil {
		p.logger.Warn("Failed to fetch model pricing, using defaults", "error", err)
		return map[string]ModelPrice{}
	}

	p.cache.Add(localPricingCacheKey, catalog)
	if p.coord != nil {
		if payload, err := json.Marshal(catalog); err == nil {
			if err := p.coord.SetCachedPricing(ctx, string(payload)); err != nil {
				p.logger.Warn("Failed to cache model pricing", "error", err)
			}
		}
	}
	return catalog
}

// RealCost prices one invocation with real upstream prices when the model is
// listed, falling back to conservative defaults. When the split is unknown
// (completion == 0 with a large total), callers should pass the blended
// split computed by BlendedSplit.
func (p *PricingCatalog) RealCost(ctx context.Context, model string, promptTokens, completionTokens int64) float64 {
	prices := p.Prices(ctx)
	price, ok := prices[model]
	if !ok {
		price = ModelPrice{Prompt: fallbackPromptPricePerToken, Completion: fallbackCompletionPricePerToken}
	}
	usd := float64(promptTokens)*price.Prompt + float64(completionTokens)*price.Completion
	return math.Round(usd*1e6) / 1e6
}

// BlendedSplit divides a bare total into prompt/completion tokens using the
// blended ratio.
func BlendedSplit(total int64) (prompt, completion int64) {
	prompt = int64(float64(total) * blendedPromptRatio)
	return prompt, total - prompt
}

// openRouterModelsResponse mirrors the upstream /api/v1/models payload shape.
type openRouterModelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

func (p *PricingCatalog) fetch(ctx context.Context) (map[string]ModelPrice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pricing request: %w", err)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model pricing: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing endpoint returned %d", resp.StatusCode)
	}

	var decoded openRouterModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode pricing response: %w", err)
	}

	catalog := make(map[string]ModelPrice, len(decoded.Data))
	for _, m := range decoded.Data {
		prompt, perr := strconv.ParseFloat(m.Pricing.Prompt, 64)
		completion, cerr := strconv.ParseFloat(m.Pricing.Completion, 64)
		if perr != nil || cerr != nil {
			continue // non-numeric pricing (e.g. "variable") is skipped
		}
		catalog[m.ID] = ModelPrice{Prompt: prompt, Completion: completion}
	}
	return catalog, nil
}
