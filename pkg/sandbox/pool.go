package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/models"
)

// Manager is the sandbox pool. It guarantees exactly one sandbox per user,
// serves allocations from per-app-type warm pools, and reclaims idle
// capacity. Allocation is serialized per user through a distributed lock so
// concurrent requests for the same user converge on one instance.
type Manager struct {
	provider   Provider
	coord      *coordination.Client
	cfg        Config
	instanceID string
	logger     *slog.Logger

	// The user↔sandbox maps are bidirectional and only ever mutated
	// together under mu.
	mu            sync.Mutex
	userSandboxes map[string]string // user_id → sandbox_id
	sandboxUsers  map[string]string // sandbox_id → user_id
	warm          map[models.AppType][]string
	appTypes      map[string]models.AppType
	lastUsed      map[string]time.Time
	assignedAt    map[string]time.Time
}

// PoolStatus is the monitoring snapshot of the pool.
type PoolStatus struct {
	Active      int                      `json:"active"`
	WarmByType  map[models.AppType]int   `json:"warm_by_type"`
	Total       int                      `json:"total"`
	MaxTotal    int                      `json:"max_total"`
	Utilization float64                  `json:"utilization"`
	AvgIdleSecs float64                  `json:"avg_idle_seconds"`
}

// NewManager creates the pool manager.
func NewManager(provider Provider, coord *coordination.Client, cfg Config, instanceID string) *Manager {
	return &Manager{
		provider:      provider,
		coord:         coord,
		cfg:           cfg,
		instanceID:    instanceID,
		logger:        slog.With("component", "sandbox-pool"),
		userSandboxes: make(map[string]string),
		sandboxUsers:  make(map[string]string),
		warm:          make(map[models.AppType][]string),
		appTypes:      make(map[string]models.AppType),
		lastUsed:      make(map[string]time.Time),
		assignedAt:    make(map[string]time.Time),
	}
}

// GetSandboxForUser returns the user's sandbox, allocating one when needed.
// If the user already holds a sandbox that exact instance is returned, even
// under concurrent requests.
func (m *Manager) GetSandboxForUser(ctx context.Context, userID, projectID string, appType models.AppType) (*Instance, error) {
	if !appType.Valid() {
		return nil, fmt.Errorf("invalid app type %q", appType)
	}

	// Fast path: existing assignment needs no allocation lock.
	if inst, err := m.existingAssignment(ctx, userID); err != nil || inst != nil {
		return inst, err
	}

	token, acquired, err := m.coord.AcquireSandboxAllocationLock(ctx, userID, m.instanceID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrAllocationContended
	}
	defer func() {
		if err := m.coord.ReleaseSandboxAllocationLock(context.WithoutCancel(ctx), userID, token); err != nil {
			m.logger.Warn("Failed to release allocation lock", "user_id", userID, "error", err)
		}
	}()

	// Double check inside the lock: a racing request may have allocated.
	if inst, err := m.existingAssignment(ctx, userID); err != nil || inst != nil {
		return inst, err
	}

	inst, err := m.allocate(ctx, userID, projectID, appType)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.userSandboxes[userID] = inst.ID
	m.sandboxUsers[inst.ID] = userID
	m.appTypes[inst.ID] = appType
	m.lastUsed[inst.ID] = time.Now()
	m.assignedAt[inst.ID] = time.Now()
	m.mu.Unlock()

	m.logger.Info("Assigned sandbox", "user_id", userID, "sandbox_id", inst.ID, "app_type", appType)
	return inst, nil
}

// existingAssignment returns the user's current sandbox, ensuring it is
// running, or nil when the user holds none.
func (m *Manager) existingAssignment(ctx context.Context, userID string) (*Instance, error) {
	m.mu.Lock()
	sandboxID, ok := m.userSandboxes[userID]
	if ok {
		m.lastUsed[sandboxID] = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.EnsureRunning(ctx, sandboxID)
}

// allocate pops a warm instance or creates a new one. Callers hold the
// allocation lock.
func (m *Manager) allocate(ctx context.Context, userID, projectID string, appType models.AppType) (*Instance, error) {
	m.mu.Lock()
	var sandboxID string
	if pool := m.warm[appType]; len(pool) > 0 {
		sandboxID = pool[len(pool)-1]
		m.warm[appType] = pool[:len(pool)-1]
	}
	total := len(m.sandboxUsers) + m.warmCountLocked()
	m.mu.Unlock()

	if sandboxID != "" {
		inst, err := m.EnsureRunning(ctx, sandboxID)
		if err == nil {
			return inst, nil
		}
		m.logger.Warn("Warm sandbox unusable, creating fresh", "sandbox_id", sandboxID, "error", err)
	}

	if total >= m.cfg.MaxTotal {
		if !m.reclaimIdle(ctx) {
			return nil, ErrPoolExhausted
		}
	}

	return m.create(ctx, appType, map[string]string{
		"user_id":    userID,
		"project_id": projectID,
		"app_type":   string(appType),
	})
}

// create provisions a sandbox with retries: one attempt plus two retries
// after 10 s and 20 s.
func (m *Manager) create(ctx context.Context, appType models.AppType, labels map[string]string) (*Instance, error) {
	snapshot := m.cfg.WebSnapshot
	if appType == models.AppTypeMobile {
		snapshot = m.cfg.MobileSnapshot
	}
	req := CreateRequest{
		Snapshot:        snapshot,
		Labels:          labels,
		AutoStopMinutes: int(m.cfg.MaxSessionTime.Minutes()),
	}

	backoffs := []time.Duration{0, 10 * time.Second, 20 * time.Second}
	var lastErr error
	for attempt, wait := range backoffs {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		createCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
		inst, err := m.provider.Create(createCtx, req)
		cancel()
		if err == nil {
			return inst, nil
		}
		lastErr = err
		m.logger.Warn("Sandbox creation failed", "attempt", attempt+1, "app_type", appType, "error", err)
	}
	return nil, fmt.Errorf("failed to create sandbox after retries: %w", lastErr)
}

// EnsureRunning starts the sandbox if needed and polls until it is ready.
// Concurrent callers on the same sandbox serialize on the state lock.
// Readiness polls step at 0.5 s, extending to 1 s after 10 polls, capped at
// the ready timeout. A memory-quota error frees capacity by stopping the
// oldest non-target running sandbox and retries once.
func (m *Manager) EnsureRunning(ctx context.Context, sandboxID string) (*Instance, error) {
	token, acquired, err := m.coord.AcquireSandboxStateLock(ctx, sandboxID, m.instanceID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Another caller is starting it; wait for readiness without the lock.
		return m.awaitReady(ctx, sandboxID)
	}
	defer func() {
		if err := m.coord.ReleaseSandboxStateLock(context.WithoutCancel(ctx), sandboxID, token); err != nil {
			m.logger.Warn("Failed to release state lock", "sandbox_id", sandboxID, "error", err)
		}
	}()

	inst, err := m.provider.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if inst.State == StateRunning {
		m.touch(sandboxID)
		return inst, nil
	}

	if err := m.provider.Start(ctx, sandboxID); err != nil {
		if !isMemoryQuotaError(err) {
			return nil, err
		}
		m.logger.Warn("Memory quota hit, reclaiming capacity", "sandbox_id", sandboxID)
		if stopErr := m.stopOldestRunningExcept(ctx, sandboxID); stopErr != nil {
			return nil, fmt.Errorf("failed to reclaim capacity: %w (start error: %w)", stopErr, err)
		}
		if err := m.provider.Start(ctx, sandboxID); err != nil {
			return nil, err
		}
	}

	return m.awaitReady(ctx, sandboxID)
}

// awaitReady polls until the sandbox reports running.
func (m *Manager) awaitReady(ctx context.Context, sandboxID string) (*Instance, error) {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	step := 500 * time.Millisecond
	for poll := 0; ; poll++ {
		inst, err := m.provider.Get(ctx, sandboxID)
		if err != nil {
			return nil, err
		}
		if inst.State == StateRunning {
			m.touch(sandboxID)
			return inst, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sandbox %s not ready within %s (state %s)", sandboxID, m.cfg.ReadyTimeout, inst.State)
		}
		if poll == 10 {
			step = time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
	}
}

// stopOldestRunningExcept stops the oldest running sandbox other than the
// target, under that sandbox's own state lock.
func (m *Manager) stopOldestRunningExcept(ctx context.Context, targetID string) error {
	instances, err := m.provider.List(ctx)
	if err != nil {
		return err
	}
	var running []*Instance
	for _, inst := range instances {
		if inst.ID != targetID && inst.State == StateRunning {
			running = append(running, inst)
		}
	}
	if len(running) == 0 {
		return fmt.Errorf("no reclaimable sandbox")
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].CreatedAt.Before(running[j].CreatedAt)
	})
	victim := running[0]

	token, acquired, err := m.coord.AcquireSandboxStateLock(ctx, victim.ID, m.instanceID)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("reclaim victim %s is locked", victim.ID)
	}
	defer func() {
		_ = m.coord.ReleaseSandboxStateLock(context.WithoutCancel(ctx), victim.ID, token)
	}()

	m.logger.Warn("Stopping oldest running sandbox to free memory", "sandbox_id", victim.ID)
	return m.provider.Stop(ctx, victim.ID)
}

// ReleaseSandbox decouples a user from their sandbox. With keepWarm the
// instance is reset to a clean state and returned to the warm pool when the
// pool floor is not yet met; otherwise it is terminated.
func (m *Manager) ReleaseSandbox(ctx context.Context, userID string, keepWarm bool) error {
	m.mu.Lock()
	sandboxID, ok := m.userSandboxes[userID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.userSandboxes, userID)
	delete(m.sandboxUsers, sandboxID)
	delete(m.assignedAt, sandboxID)
	appType := m.appTypes[sandboxID]
	warmCount := len(m.warm[appType])
	m.mu.Unlock()

	if keepWarm && warmCount < m.cfg.MinWarmPerType {
		if err := m.reset(ctx, sandboxID, appType); err != nil {
			m.logger.Warn("Failed to reset sandbox, terminating instead", "sandbox_id", sandboxID, "error", err)
			return m.terminate(ctx, sandboxID)
		}
		m.mu.Lock()
		m.warm[appType] = append(m.warm[appType], sandboxID)
		m.lastUsed[sandboxID] = time.Now()
		m.mu.Unlock()
		m.logger.Info("Returned sandbox to warm pool", "sandbox_id", sandboxID, "app_type", appType)
		return nil
	}
	return m.terminate(ctx, sandboxID)
}

// reset restores a sandbox to the template baseline: uncommitted changes
// discarded, dev-server processes terminated.
func (m *Manager) reset(ctx context.Context, sandboxID string, appType models.AppType) error {
	commands := []string{
		"cd /workspace && git checkout . && git clean -fd",
		fmt.Sprintf("pkill -f ':%d' || true", DevServerPort(appType)),
	}
	for _, cmd := range commands {
		result, err := m.provider.Exec(ctx, sandboxID, cmd, "/workspace")
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("reset command %q exited %d: %s", cmd, result.ExitCode, result.Output)
		}
	}
	return nil
}

func (m *Manager) terminate(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	delete(m.appTypes, sandboxID)
	delete(m.lastUsed, sandboxID)
	m.mu.Unlock()
	if err := m.provider.Delete(ctx, sandboxID); err != nil {
		return fmt.Errorf("failed to terminate sandbox %s: %w", sandboxID, err)
	}
	m.logger.Info("Terminated sandbox", "sandbox_id", sandboxID)
	return nil
}

// reclaimIdle releases the most-idle assigned sandbox past the idle cutoff.
// Returns true when capacity was freed.
func (m *Manager) reclaimIdle(ctx context.Context) bool {
	m.mu.Lock()
	var (
		victim string
		oldest time.Time
	)
	for sandboxID, user := range m.sandboxUsers {
		used := m.lastUsed[sandboxID]
		if time.Since(used) > m.cfg.MaxIdleTime && (victim == "" || used.Before(oldest)) {
			victim = user
			oldest = used
		}
	}
	m.mu.Unlock()

	if victim == "" {
		return false
	}
	if err := m.ReleaseSandbox(ctx, victim, false); err != nil {
		m.logger.Warn("Failed to reclaim idle sandbox", "user_id", victim, "error", err)
		return false
	}
	return true
}

// EnsureWarmPool creates sandboxes until the per-app-type floor is met.
func (m *Manager) EnsureWarmPool(ctx context.Context) error {
	for _, appType := range []models.AppType{models.AppTypeWeb, models.AppTypeMobile} {
		for {
			m.mu.Lock()
			deficit := m.cfg.MinWarmPerType - len(m.warm[appType])
			total := len(m.sandboxUsers) + m.warmCountLocked()
			m.mu.Unlock()
			if deficit <= 0 || total >= m.cfg.MaxTotal {
				break
			}
			inst, err := m.create(ctx, appType, map[string]string{"warm": "true", "app_type": string(appType)})
			if err != nil {
				return fmt.Errorf("failed to fill warm pool for %s: %w", appType, err)
			}
			m.mu.Lock()
			m.warm[appType] = append(m.warm[appType], inst.ID)
			m.appTypes[inst.ID] = appType
			m.lastUsed[inst.ID] = time.Now()
			m.mu.Unlock()
		}
	}
	return nil
}

// Maintain runs the background maintenance loop: idle assignments past
// max_idle_time are released (kept warm), and the warm floor is refilled,
// every cleanup interval until ctx is cancelled.
func (m *Manager) Maintain(ctx context.Context) {
	m.logger.Info("Sandbox maintenance started", "interval", m.cfg.CleanupInterval)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sandbox maintenance stopped")
			return
		case <-ticker.C:
			m.sweepIdle(ctx)
			if err := m.EnsureWarmPool(ctx); err != nil {
				m.logger.Warn("Warm pool refill failed", "error", err)
			}
		}
	}
}

// sweepIdle releases assignments idle beyond the cutoff.
func (m *Manager) sweepIdle(ctx context.Context) {
	m.mu.Lock()
	var idleUsers []string
	for sandboxID, user := range m.sandboxUsers {
		if time.Since(m.lastUsed[sandboxID]) > m.cfg.MaxIdleTime {
			idleUsers = append(idleUsers, user)
		}
	}
	m.mu.Unlock()

	for _, user := range idleUsers {
		m.logger.Info("Releasing idle sandbox", "user_id", user)
		if err := m.ReleaseSandbox(ctx, user, true); err != nil {
			m.logger.Warn("Failed to release idle sandbox", "user_id", user, "error", err)
		}
	}
}

// Status returns the monitoring snapshot.
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	warmByType := make(map[models.AppType]int, len(m.warm))
	for appType, pool := range m.warm {
		warmByType[appType] = len(pool)
	}
	total := len(m.sandboxUsers) + m.warmCountLocked()

	var idleSum float64
	for sandboxID := range m.sandboxUsers {
		idleSum += time.Since(m.lastUsed[sandboxID]).Seconds()
	}
	status := PoolStatus{
		Active:     len(m.sandboxUsers),
		WarmByType: warmByType,
		Total:      total,
		MaxTotal:   m.cfg.MaxTotal,
	}
	if m.cfg.MaxTotal > 0 {
		status.Utilization = float64(total) / float64(m.cfg.MaxTotal)
	}
	if len(m.sandboxUsers) > 0 {
		status.AvgIdleSecs = idleSum / float64(len(m.sandboxUsers))
	}
	return status
}

// AssignmentFor reports the sandbox currently held by a user.
func (m *Manager) AssignmentFor(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.userSandboxes[userID]
	return id, ok
}

func (m *Manager) warmCountLocked() int {
	n := 0
	for _, pool := range m.warm {
		n += len(pool)
	}
	return n
}

func (m *Manager) touch(sandboxID string) {
	m.mu.Lock()
	m.lastUsed[sandboxID] = time.Now()
	m.mu.Unlock()
}

// isMemoryQuotaError detects the provider's memory-capacity rejection.
func isMemoryQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "memory quota") || strings.Contains(msg, "insufficient memory")
}
