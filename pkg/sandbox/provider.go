// Package sandbox manages isolated remote execution environments: a
// provider HTTP client plus a warm-pool manager that hands each user exactly
// one sandbox, reuses pre-warmed instances, and reclaims idle capacity.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Sandbox lifecycle states as reported by the provider.
const (
	StateCreating = "creating"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateArchived = "archived"
	StateDeleted  = "deleted"
)

var (
	// ErrPoolExhausted is returned when the pool is at max_total and no
	// idle instance can be reclaimed.
	ErrPoolExhausted = errors.New("sandbox pool exhausted")

	// ErrNotFound is returned when the provider does not know the sandbox.
	ErrNotFound = errors.New("sandbox not found")

	// ErrAllocationContended is returned when the per-user allocation lock
	// cannot be acquired.
	ErrAllocationContended = errors.New("sandbox allocation lock contended")
)

// Instance is one sandbox as known to the provider.
type Instance struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Snapshot  string            `json:"snapshot"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	Snapshot        string            `json:"snapshot"`
	Labels          map[string]string `json:"labels,omitempty"`
	AutoStopMinutes int               `json:"auto_stop_minutes,omitempty"`
}

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// FilesystemOps is the file capability surface the agent tools depend on.
type FilesystemOps interface {
	UploadFile(ctx context.Context, sandboxID, path string, contents []byte) error
	DownloadFile(ctx context.Context, sandboxID, path string) ([]byte, error)
	DeleteFile(ctx context.Context, sandboxID, path string) error
}

// ProcessOps is the process capability surface the agent tools depend on.
type ProcessOps interface {
	Exec(ctx context.Context, sandboxID, command, cwd string) (*ExecResult, error)
}

// Provider is the full sandbox provider surface used by the pool manager.
// The run executor and the tools depend only on the capability interfaces.
type Provider interface {
	FilesystemOps
	ProcessOps

	Create(ctx context.Context, req CreateRequest) (*Instance, error)
	Get(ctx context.Context, sandboxID string) (*Instance, error)
	List(ctx context.Context) ([]*Instance, error)
	Start(ctx context.Context, sandboxID string) error
	Stop(ctx context.Context, sandboxID string) error
	Delete(ctx context.Context, sandboxID string) error
	PreviewURL(ctx context.Context, sandboxID string, port int) (string, error)
}

// Ports exposed by the snapshot templates.
const (
	WebDevServerPort    = 3000
	MobileDevServerPort = 8081
	SandboxAPIPort      = 8000
)

// DevServerPort returns the template dev-server port for an app type.
func DevServerPort(appType models.AppType) int {
	if appType == models.AppTypeMobile {
		return MobileDevServerPort
	}
	return WebDevServerPort
}
