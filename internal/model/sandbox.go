package model

import (
	"fmt"
	"time"
)

// SandboxStatus represents the lifecycle status of a sandbox.
type SandboxStatus string

const (
	// SandboxStatusCreated indicates the sandbox exists but nothing was built yet.
	SandboxStatusCreated SandboxStatus = "created"
	// SandboxStatusBuilding indicates the agentic build loop is running.
	SandboxStatusBuilding SandboxStatus = "building"
	// SandboxStatusDeployed indicates the built application was deployed and
	// is expected to be listening on the sandbox port.
	SandboxStatusDeployed SandboxStatus = "deployed"
	// SandboxStatusDone indicates the build loop finished.
	SandboxStatusDone SandboxStatus = "done"
	// SandboxStatusFailed indicates the build loop failed.
	SandboxStatusFailed SandboxStatus = "failed"
)

// Message roles of the sandbox conversation log.
const (
	SandboxMessageRoleUser      = "user"
	SandboxMessageRoleAssistant = "assistant"
)

// SandboxMessage is one turn of a sandbox conversation.
type SandboxMessage struct {
	Role string
	Text string
	// Images are optional base64 encoded images attached to a user turn.
	Images []SandboxImage
	At     time.Time
}

// SandboxImage is an image attached to a sandbox message.
type SandboxImage struct {
	// MediaType is the image MIME type (e.g. "image/png").
	MediaType string
	// Data is the base64 encoded image payload.
	Data string
}

// ToolCallRecord is one entry of a sandbox's tool-call log.
type ToolCallRecord struct {
	Tool string
	// Summary is a short description of the call arguments (path, command...).
	Summary string
	// Result is the truncated tool result or error string.
	Result string
	At     time.Time
}

// ValidationScenario is an executable check proposed for a deployed sandbox.
type ValidationScenario struct {
	Name   string
	Script string
}

// ValidationWorker is a validation role suggested by the build loop. It is
// stored on the sandbox, never executed automatically.
type ValidationWorker struct {
	Role      string
	Scenarios []ValidationScenario
}

// Sandbox represents an isolated remote working directory plus an allocated
// port hosting one agent-built application.
//
// The port is assigned once at creation and never reassigned while the
// sandbox exists. Deleting the sandbox frees the port and terminates any
// process bound to it.
type Sandbox struct {
	ID     string
	Port   int
	Status SandboxStatus
	// WorkDir is the working directory on the build worker.
	WorkDir string
	// Entry is the entry point of the last deploy, if any.
	Entry     string
	Messages  []SandboxMessage
	ToolCalls []ToolCallRecord
	// Files maps remote paths to their last written content.
	Files     map[string]string
	Workers   []ValidationWorker
	CreatedAt time.Time
}

// Validate validates the sandbox.
func (s *Sandbox) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("sandbox id is required: %w", ErrNotValid)
	}
	if s.Port <= 0 {
		return fmt.Errorf("sandbox port must be positive: %w", ErrNotValid)
	}
	return nil
}
