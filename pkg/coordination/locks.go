package coordination

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock release and reclaim are server-evaluated scripts so a holder can never
// delete a lock it no longer owns. Unconditional DEL on a lock key is
// forbidden everywhere in this codebase.

// releaseScript deletes the lock only if its current value still begins with
// the caller's owner prefix. The find is plain text, not a Lua pattern, so
// instance identifiers may contain pattern magic characters like "-".
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and string.find(current, ARGV[1], 1, true) == 1 then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// reclaimScript replaces the lock value only if it still equals the value the
// caller observed (compare-and-set).
var reclaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
  return 1
end
return 0
`)

// compareDeleteScript deletes the lock only if its value equals the caller's
// token exactly.
var compareDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Sandbox lock TTLs. Allocation locks are short-lived; state locks cover the
// readiness polling window.
const (
	sandboxAllocationLockTTL = 30 * time.Second
	sandboxStateLockTTL      = 60 * time.Second
)

// FormatLockValue encodes lock ownership as {instance_id}:{unix_seconds}.
func FormatLockValue(instanceID string, acquiredAt time.Time) string {
	return fmt.Sprintf("%s:%d", instanceID, acquiredAt.Unix())
}

// ParseLockValue splits a lock value into owner and acquisition time. The
// timestamp is the suffix after the last colon so instance identifiers may
// themselves contain colons.
func ParseLockValue(value string) (instanceID string, acquiredAt time.Time, ok bool) {
	idx := strings.LastIndex(value, ":")
	if idx <= 0 {
		return "", time.Time{}, false
	}
	secs, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return value[:idx], time.Unix(secs, 0), true
}

// AcquireRunLock attempts to take execution ownership of a run. Returns the
// lock value written on success, or the current holder's value when the lock
// is already held.
func (c *Client) AcquireRunLock(ctx context.Context, runID, instanceID string) (acquired bool, current string, err error) {
	key := RunLockKey(runID)
	value := FormatLockValue(instanceID, time.Now())
	start := time.Now()

	ok, err := c.rdb.SetNX(ctx, key, value, c.keyTTL).Result()
	if err != nil {
		c.monitor.RecordFailure(key, instanceID)
		return false, "", fmt.Errorf("failed to acquire run lock for %s: %w", runID, err)
	}
	if ok {
		c.monitor.RecordAcquired(key, instanceID, time.Since(start))
		return true, value, nil
	}

	current, err = c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Holder released between SETNX and GET; treat as contended.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to read run lock for %s: %w", runID, err)
	}
	c.monitor.RecordFailure(key, instanceID)
	return false, current, nil
}

// ReclaimRunLock takes over a lock whose embedded timestamp indicates the
// previous holder is stale. The swap is conditional on the exact value the
// caller observed, so two reclaimers cannot both succeed.
func (c *Client) ReclaimRunLock(ctx context.Context, runID, instanceID, observedValue string) (bool, error) {
	key := RunLockKey(runID)
	newValue := FormatLockValue(instanceID, time.Now())
	ttlSecs := strconv.Itoa(int(c.keyTTL.Seconds()))

	n, err := reclaimScript.Run(ctx, c.rdb, []string{key}, observedValue, newValue, ttlSecs).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reclaim run lock for %s: %w", runID, err)
	}
	if n == 1 {
		c.monitor.RecordAcquired(key, instanceID, 0)
		return true, nil
	}
	return false, nil
}

// RunLockValue returns the current lock value for a run, or "" when no lock
// is held.
func (c *Client) RunLockValue(ctx context.Context, runID string) (string, error) {
	value, err := c.rdb.Get(ctx, RunLockKey(runID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run lock for %s: %w", runID, err)
	}
	return value, nil
}

// ReleaseRunLock releases the run lock if this instance still owns it.
func (c *Client) ReleaseRunLock(ctx context.Context, runID, instanceID string) error {
	key := RunLockKey(runID)
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, instanceID+":").Int()
	if err != nil {
		return fmt.Errorf("failed to release run lock for %s: %w", runID, err)
	}
	if n == 1 {
		c.monitor.RecordReleased(key, instanceID)
	}
	return nil
}

// AcquireSandboxAllocationLock serializes sandbox allocation for one user.
// Returns a release token on success. One retry after 100 ms before giving up
// so a racing allocation that finishes quickly does not fail the caller.
func (c *Client) AcquireSandboxAllocationLock(ctx context.Context, userID, instanceID string) (token string, acquired bool, err error) {
	return c.acquireTokenLock(ctx, SandboxAllocationLockKey(userID), instanceID, sandboxAllocationLockTTL, 1)
}

// ReleaseSandboxAllocationLock releases the allocation lock via compare-and-delete.
func (c *Client) ReleaseSandboxAllocationLock(ctx context.Context, userID, token string) error {
	return c.releaseTokenLock(ctx, SandboxAllocationLockKey(userID), token)
}

// AcquireSandboxStateLock serializes lifecycle operations on one sandbox.
func (c *Client) AcquireSandboxStateLock(ctx context.Context, sandboxID, instanceID string) (token string, acquired bool, err error) {
	return c.acquireTokenLock(ctx, SandboxStateLockKey(sandboxID), instanceID, sandboxStateLockTTL, 0)
}

// ReleaseSandboxStateLock releases the state lock via compare-and-delete.
func (c *Client) ReleaseSandboxStateLock(ctx context.Context, sandboxID, token string) error {
	return c.releaseTokenLock(ctx, SandboxStateLockKey(sandboxID), token)
}

func (c *Client) acquireTokenLock(ctx context.Context, key, instanceID string, ttl time.Duration, retries int) (string, bool, error) {
	token := FormatLockValue(instanceID, time.Now())
	start := time.Now()
	for attempt := 0; ; attempt++ {
		ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			c.monitor.RecordFailure(key, instanceID)
			return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			c.monitor.RecordAcquired(key, instanceID, time.Since(start))
			return token, true, nil
		}
		if attempt >= retries {
			c.monitor.RecordFailure(key, instanceID)
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Client) releaseTokenLock(ctx context.Context, key, token string) error {
	n, err := compareDeleteScript.Run(ctx, c.rdb, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 1 {
		if owner, _, ok := ParseLockValue(token); ok {
			c.monitor.RecordReleased(key, owner)
		}
	}
	return nil
}
