package coordination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/models"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb, 24*time.Hour), mr
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "agent_run_lock:r1", RunLockKey("r1"))
	assert.Equal(t, "agent_run:r1:responses", ResponseListKey("r1"))
	assert.Equal(t, "agent_run:r1:new_response", NewResponseChannel("r1"))
	assert.Equal(t, "agent_run:r1:control", ControlChannel("r1"))
	assert.Equal(t, "agent_run:r1:control:i1", InstanceControlChannel("r1", "i1"))
	assert.Equal(t, "active_run:i1:r1", ActiveRunKey("i1", "r1"))
	assert.Equal(t, "task_status:r1", TaskStatusKey("r1"))
	assert.Equal(t, "sandbox_state_lock:s1", SandboxStateLockKey("s1"))
	assert.Equal(t, "sandbox_allocation_lock:u1", SandboxAllocationLockKey("u1"))
	assert.Equal(t, "user_plan:a1", UserPlanKey("a1"))
}

func TestPushResponseAppendsInOrderWithTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.PushResponse(ctx, "r1", `{"type":"content","content":"a"}`))
	require.NoError(t, client.PushResponse(ctx, "r1", `{"type":"content","content":"b"}`))
	require.NoError(t, client.PushResponse(ctx, "r1", `{"type":"status","status":"completed"}`))

	items, err := client.ResponseRange(ctx, "r1", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Contains(t, items[0], `"a"`)
	assert.Contains(t, items[2], `"completed"`)

	n, err := client.ResponseCount(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Every key the core creates carries a TTL.
	assert.Greater(t, mr.TTL(ResponseListKey("r1")), time.Duration(0))
}

func TestResponseRangePartialRead(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for _, payload := range []string{"one", "two", "three", "four"} {
		require.NoError(t, client.PushResponse(ctx, "r1", payload))
	}

	// A subscriber resuming after item 2 reads from index 2 to end.
	items, err := client.ResponseRange(ctx, "r1", 2, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, items)
}

func TestTaskStatusRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	missing, err := client.GetTaskStatus(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ts := models.TaskStatus{RunID: "r1", Status: models.RunStatusRunning, UpdatedAt: time.Now().UTC()}
	require.NoError(t, client.SetTaskStatus(ctx, ts))

	got, err := client.GetTaskStatus(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestActiveRunLifecycle(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.RegisterActiveRun(ctx, "i1", "r1"))
	assert.True(t, mr.Exists(ActiveRunKey("i1", "r1")))
	assert.Greater(t, mr.TTL(ActiveRunKey("i1", "r1")), time.Duration(0))

	require.NoError(t, client.RefreshActiveRun(ctx, "i1", "r1"))
	require.NoError(t, client.RemoveActiveRun(ctx, "i1", "r1"))
	assert.False(t, mr.Exists(ActiveRunKey("i1", "r1")))
}

func TestPlanCache(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	plan, err := client.GetCachedPlan(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, plan)

	require.NoError(t, client.SetCachedPlan(ctx, "acc-1", "pro"))
	plan, err = client.GetCachedPlan(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", plan)

	require.NoError(t, client.InvalidateCachedPlan(ctx, "acc-1"))
	plan, err = client.GetCachedPlan(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestScanKeysUsesCursor(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, client.RegisterActiveRun(ctx, "i1", fmt.Sprintf("run-%03d", i)))
	}

	keys, err := client.ScanKeys(ctx, "active_run:i1:*")
	require.NoError(t, err)
	assert.Len(t, keys, 250)
}

func TestPublishAndSubscribeControl(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	sub := client.SubscribeControl(ctx, "r1", "i1")
	defer func() { _ = sub.Close() }()

	// Wait for the subscription before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.PublishControl(ctx, "r1", models.ControlStop))

	msgCh := sub.Channel()
	select {
	case msg := <-msgCh:
		assert.Equal(t, models.ControlStop, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
}
