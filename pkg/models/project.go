package models

import "time"

// AppType selects the sandbox template and workspace layout for a project.
type AppType string

const (
	AppTypeWeb    AppType = "web"
	AppTypeMobile AppType = "mobile"
)

// Valid reports whether the app type is one of the recognized values.
func (a AppType) Valid() bool {
	return a == AppTypeWeb || a == AppTypeMobile
}

// SandboxDescriptor is the sandbox record embedded in a project row.
type SandboxDescriptor struct {
	SandboxID  string `json:"sandbox_id"`
	PreviewURL string `json:"preview_url,omitempty"`
	APIBaseURL string `json:"api_base_url,omitempty"`
	Snapshot   string `json:"snapshot,omitempty"`
}

// Project groups one sandbox with its threads. A project carries exactly one
// sandbox for its lifetime.
type Project struct {
	ProjectID string             `json:"project_id"`
	AccountID string             `json:"account_id"`
	Name      string             `json:"name"`
	Sandbox   *SandboxDescriptor `json:"sandbox,omitempty"`
	AppType   AppType            `json:"app_type"`
	IsPublic  bool               `json:"is_public"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Thread is one conversation within a project.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	ProjectID string         `json:"project_id"`
	AccountID string         `json:"account_id"`
	IsPublic  bool           `json:"is_public"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
