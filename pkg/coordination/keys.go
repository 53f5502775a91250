package coordination

import "fmt"

// Key builders for every namespace the core touches. Formats are part of the
// wire contract between replicas and must not change without a migration.

// RunLockKey is the execution-ownership lock for one run.
func RunLockKey(runID string) string {
	return fmt.Sprintf("agent_run_lock:%s", runID)
}

// ResponseListKey is the append-only list of serialized stream items.
func ResponseListKey(runID string) string {
	return fmt.Sprintf("agent_run:%s:responses", runID)
}

// NewResponseChannel carries "new" notifications after each append.
func NewResponseChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:new_response", runID)
}

// ControlChannel carries STOP / END_STREAM / ERROR for one run.
func ControlChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:control", runID)
}

// InstanceControlChannel is the instance-targeted control variant.
func InstanceControlChannel(runID, instanceID string) string {
	return fmt.Sprintf("agent_run:%s:control:%s", runID, instanceID)
}

// ActiveRunKey is the liveness marker for a run owned by an instance.
func ActiveRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// TaskStatusKey holds the transient serialized status record for polling.
func TaskStatusKey(runID string) string {
	return fmt.Sprintf("task_status:%s", runID)
}

// SandboxStateLockKey serializes lifecycle operations on one sandbox.
func SandboxStateLockKey(sandboxID string) string {
	return fmt.Sprintf("sandbox_state_lock:%s", sandboxID)
}

// SandboxAllocationLockKey serializes sandbox allocation per user.
func SandboxAllocationLockKey(userID string) string {
	return fmt.Sprintf("sandbox_allocation_lock:%s", userID)
}

// UserPlanKey caches the plan identifier for an account.
func UserPlanKey(accountID string) string {
	return fmt.Sprintf("user_plan:%s", accountID)
}

// PricingCatalogKey caches the upstream model pricing catalog.
const PricingCatalogKey = "openrouter:models:pricing"
