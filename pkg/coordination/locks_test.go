package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockValueRoundTrip(t *testing.T) {
	now := time.Unix(1756100000, 0)
	value := FormatLockValue("worker-1", now)
	assert.Equal(t, "worker-1:1756100000", value)

	owner, acquiredAt, ok := ParseLockValue(value)
	require.True(t, ok)
	assert.Equal(t, "worker-1", owner)
	assert.Equal(t, now, acquiredAt)
}

func TestParseLockValueRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "empty", value: ""},
		{name: "no separator", value: "worker-1"},
		{name: "non-numeric timestamp", value: "worker-1:soon"},
		{name: "leading separator only", value: ":123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := ParseLockValue(tt.value)
			assert.False(t, ok)
		})
	}
}

func TestParseLockValueOwnerWithColons(t *testing.T) {
	owner, _, ok := ParseLockValue("pod:zone-a:1756100000")
	require.True(t, ok)
	assert.Equal(t, "pod:zone-a", owner)
}

func TestAcquireRunLockExclusive(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	acquired, _, err := client.AcquireRunLock(ctx, "r1", "worker-a")
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second instance observes the held lock and its holder.
	acquired, current, err := client.AcquireRunLock(ctx, "r1", "worker-b")
	require.NoError(t, err)
	assert.False(t, acquired)
	owner, _, ok := ParseLockValue(current)
	require.True(t, ok)
	assert.Equal(t, "worker-a", owner)
}

func TestReleaseRunLockOnlyByOwner(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, _, err := client.AcquireRunLock(ctx, "r1", "worker-a")
	require.NoError(t, err)

	// A non-owner release is a no-op.
	require.NoError(t, client.ReleaseRunLock(ctx, "r1", "worker-b"))
	assert.True(t, mr.Exists(RunLockKey("r1")))

	// The owner's release removes the lock.
	require.NoError(t, client.ReleaseRunLock(ctx, "r1", "worker-a"))
	assert.False(t, mr.Exists(RunLockKey("r1")))
}

func TestReleaseRunLockOwnerWithPatternChars(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	// Hostname-style owners carry Lua pattern magic characters; release must
	// still match them literally.
	for _, instanceID := range []string{"strand-7f9c4d-x2x", "pod.zone-a"} {
		runID := "run-" + instanceID
		_, _, err := client.AcquireRunLock(ctx, runID, instanceID)
		require.NoError(t, err)

		require.NoError(t, client.ReleaseRunLock(ctx, runID, instanceID))
		assert.False(t, mr.Exists(RunLockKey(runID)), "lock held by %s must release", instanceID)
	}
}

func TestReclaimRunLockCompareAndSet(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	// Plant a stale lock as a crashed worker would leave it.
	stale := FormatLockValue("worker-dead", time.Now().Add(-13*time.Hour))
	mr.Set(RunLockKey("r1"), stale)

	ok, err := client.ReclaimRunLock(ctx, "r1", "worker-b", stale)
	require.NoError(t, err)
	assert.True(t, ok)

	value, err := mr.Get(RunLockKey("r1"))
	require.NoError(t, err)
	owner, _, parsed := ParseLockValue(value)
	require.True(t, parsed)
	assert.Equal(t, "worker-b", owner)

	// A second reclaimer still holding the old observed value loses the race.
	ok, err = client.ReclaimRunLock(ctx, "r1", "worker-c", stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSandboxAllocationLockRetriesOnce(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	token, acquired, err := client.AcquireSandboxAllocationLock(ctx, "user-1", "worker-a")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)

	// Contended acquisition fails after the single retry.
	start := time.Now()
	_, acquired, err = client.AcquireSandboxAllocationLock(ctx, "user-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// Release with the wrong token is a no-op; with the right token it frees.
	require.NoError(t, client.ReleaseSandboxAllocationLock(ctx, "user-1", "bogus:1"))
	assert.True(t, mr.Exists(SandboxAllocationLockKey("user-1")))
	require.NoError(t, client.ReleaseSandboxAllocationLock(ctx, "user-1", token))
	assert.False(t, mr.Exists(SandboxAllocationLockKey("user-1")))
}

func TestSandboxStateLock(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	token, acquired, err := client.AcquireSandboxStateLock(ctx, "sb-1", "worker-a")
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = client.AcquireSandboxStateLock(ctx, "sb-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, client.ReleaseSandboxStateLock(ctx, "sb-1", token))

	_, acquired, err = client.AcquireSandboxStateLock(ctx, "sb-1", "worker-b")
	require.NoError(t, err)
	assert.True(t, acquired)
}
