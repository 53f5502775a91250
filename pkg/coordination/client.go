// Package coordination wraps the Redis coordination store: distributed locks,
// per-run response logs, control pub/sub channels, transient status records
// and TTL'd caches. Redis holds only transient run state; the relational
// database remains authoritative for durable state.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/strand/pkg/models"
)

// Client is the coordination store client shared by all components in one
// process. Pub/sub subscribers get their own session per subscription; all
// other operations multiplex over the pooled connection.
type Client struct {
	rdb     *redis.Client
	keyTTL  time.Duration
	monitor *LockMonitor
}

// NewClient connects to the coordination store and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := cfg.redisOptions()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping coordination store: %w", err)
	}
	return &Client{rdb: rdb, keyTTL: cfg.KeyTTL, monitor: NewLockMonitor()}, nil
}

// NewClientFromRedis wraps an existing Redis client (used by tests).
func NewClientFromRedis(rdb *redis.Client, keyTTL time.Duration) *Client {
	return &Client{rdb: rdb, keyTTL: keyTTL, monitor: NewLockMonitor()}
}

// Redis exposes the underlying connection for collaborators that speak Redis
// directly (the dispatch stream).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// KeyTTL returns the default key expiry.
func (c *Client) KeyTTL() time.Duration {
	return c.keyTTL
}

// Monitor returns the lock monitor for health reporting.
func (c *Client) Monitor() *LockMonitor {
	return c.monitor
}

// Ping verifies store connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the pooled connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// --- Response log -----------------------------------------------------------

// PushResponse appends one serialized stream item to the run's response list
// and refreshes the list TTL. The publish that notifies subscribers is a
// separate call; callers MUST append before publishing.
func (c *Client) PushResponse(ctx context.Context, runID, payload string) error {
	key := ResponseListKey(runID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, c.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append response for run %s: %w", runID, err)
	}
	return nil
}

// ResponseRange reads serialized items [start, stop] (inclusive, Redis
// semantics: stop -1 means end of list).
func (c *Client) ResponseRange(ctx context.Context, runID string, start, stop int64) ([]string, error) {
	items, err := c.rdb.LRange(ctx, ResponseListKey(runID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read responses for run %s: %w", runID, err)
	}
	return items, nil
}

// ResponseCount returns the current length of the response list.
func (c *Client) ResponseCount(ctx context.Context, runID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, ResponseListKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count responses for run %s: %w", runID, err)
	}
	return n, nil
}

// ExpireResponses sets the retention TTL on the response list so finished
// streams remain available for resumption but are eventually collected.
func (c *Client) ExpireResponses(ctx context.Context, runID string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, ResponseListKey(runID), ttl).Err()
}

// --- Pub/sub ----------------------------------------------------------------

// PublishNewResponse signals subscribers that a new item was appended.
func (c *Client) PublishNewResponse(ctx context.Context, runID string) error {
	return c.rdb.Publish(ctx, NewResponseChannel(runID), "new").Err()
}

// PublishControl publishes a control signal on the run's global channel.
func (c *Client) PublishControl(ctx context.Context, runID, signal string) error {
	return c.rdb.Publish(ctx, ControlChannel(runID), signal).Err()
}

// PublishControlTargeted publishes a control signal on the instance-targeted
// channel.
func (c *Client) PublishControlTargeted(ctx context.Context, runID, instanceID, signal string) error {
	return c.rdb.Publish(ctx, InstanceControlChannel(runID, instanceID), signal).Err()
}

// Subscribe opens a fresh pub/sub session on the given channels. Each
// subscriber owns its session and must Close it; sessions are independent so
// concurrent subscribers never cross-talk.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// SubscribeControl opens a session on both control channels for a run: the
// global one and the instance-targeted one.
func (c *Client) SubscribeControl(ctx context.Context, runID, instanceID string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, ControlChannel(runID), InstanceControlChannel(runID, instanceID))
}

// --- Transient task status --------------------------------------------------

// SetTaskStatus writes the transient per-run status record.
func (c *Client) SetTaskStatus(ctx context.Context, ts models.TaskStatus) error {
	payload, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to serialize task status for run %s: %w", ts.RunID, err)
	}
	return c.rdb.Set(ctx, TaskStatusKey(ts.RunID), payload, c.keyTTL).Err()
}

// GetTaskStatus reads the transient status record. Returns (nil, nil) when no
// record exists.
func (c *Client) GetTaskStatus(ctx context.Context, runID string) (*models.TaskStatus, error) {
	payload, err := c.rdb.Get(ctx, TaskStatusKey(runID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task status for run %s: %w", runID, err)
	}
	var ts models.TaskStatus
	if err := json.Unmarshal([]byte(payload), &ts); err != nil {
		return nil, fmt.Errorf("failed to decode task status for run %s: %w", runID, err)
	}
	return &ts, nil
}

// --- Liveness markers -------------------------------------------------------

// RegisterActiveRun creates the liveness marker for a run on this instance.
func (c *Client) RegisterActiveRun(ctx context.Context, instanceID, runID string) error {
	return c.rdb.Set(ctx, ActiveRunKey(instanceID, runID), "running", c.keyTTL).Err()
}

// RefreshActiveRun extends the liveness marker TTL.
func (c *Client) RefreshActiveRun(ctx context.Context, instanceID, runID string) error {
	return c.rdb.Expire(ctx, ActiveRunKey(instanceID, runID), c.keyTTL).Err()
}

// RemoveActiveRun deletes the liveness marker.
func (c *Client) RemoveActiveRun(ctx context.Context, instanceID, runID string) error {
	return c.rdb.Del(ctx, ActiveRunKey(instanceID, runID)).Err()
}

// --- Caches -----------------------------------------------------------------

// planCacheTTL bounds how stale a cached plan lookup may be.
const planCacheTTL = 5 * time.Minute

// GetCachedPlan returns the cached plan for an account, or "" on miss.
func (c *Client) GetCachedPlan(ctx context.Context, accountID string) (string, error) {
	plan, err := c.rdb.Get(ctx, UserPlanKey(accountID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read plan cache for %s: %w", accountID, err)
	}
	return plan, nil
}

// SetCachedPlan caches the plan for an account for 5 minutes.
func (c *Client) SetCachedPlan(ctx context.Context, accountID, plan string) error {
	return c.rdb.Set(ctx, UserPlanKey(accountID), plan, planCacheTTL).Err()
}

// InvalidateCachedPlan drops the cached plan; called on plan change and on
// BYOK key deactivation.
func (c *Client) InvalidateCachedPlan(ctx context.Context, accountID string) error {
	return c.rdb.Del(ctx, UserPlanKey(accountID)).Err()
}

// pricingCacheTTL bounds how stale the upstream pricing catalog may be.
const pricingCacheTTL = 6 * time.Hour

// GetCachedPricing returns the serialized pricing catalog, or "" on miss.
func (c *Client) GetCachedPricing(ctx context.Context) (string, error) {
	payload, err := c.rdb.Get(ctx, PricingCatalogKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read pricing cache: %w", err)
	}
	return payload, nil
}

// SetCachedPricing stores the serialized pricing catalog for 6 hours.
func (c *Client) SetCachedPricing(ctx context.Context, payload string) error {
	return c.rdb.Set(ctx, PricingCatalogKey, payload, pricingCacheTTL).Err()
}

// --- Scanning ---------------------------------------------------------------

// ScanKeys iterates keys matching the pattern with cursor-based SCAN. Full
// keyspace enumeration via KEYS is forbidden.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys matching %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
