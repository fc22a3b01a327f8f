package storage

import (
	"time"

	"pentest-command-gateway/internal/container"
)

// Status is the pending-command state. pending is initial; the other three
// are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Assessment is the owning record for commands and credentials. The gateway
// only reads it; lifecycle management lives elsewhere.
type Assessment struct {
	ID            int64     `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Target        string    `json:"target,omitempty" db:"target"`
	ContainerName string    `json:"container_name,omitempty" db:"container_name"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PendingCommand is a queued execution request awaiting human decision or
// timeout. Once Status leaves pending it never returns, and ResolvedAt is
// set exactly once.
type PendingCommand struct {
	ID              string            `json:"id" db:"id"`
	AssessmentID    int64             `json:"assessment_id" db:"assessment_id"`
	AssessmentName  string            `json:"assessment_name,omitempty" db:"-"`
	Command         string            `json:"command" db:"command"`
	Phase           string            `json:"phase,omitempty" db:"phase"`
	MatchedKeywords []string          `json:"matched_keywords" db:"matched_keywords"`
	Status          Status            `json:"status" db:"status"`
	ResolvedBy      string            `json:"resolved_by,omitempty" db:"resolved_by"`
	RejectionReason string            `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
	ExecutionResult *container.Result `json:"execution_result,omitempty" db:"execution_result"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	TimeoutSeconds  *int              `json:"timeout_seconds,omitempty" db:"timeout_seconds"`
}

// EffectiveTimeout returns the row's own timeout if set, else the fallback.
func (p *PendingCommand) EffectiveTimeout(defaultSeconds int) int {
	if p.TimeoutSeconds != nil {
		return *p.TimeoutSeconds
	}
	return defaultSeconds
}

// Resolution carries the fields set by one terminal transition.
type Resolution struct {
	Status          Status
	ResolvedBy      string
	RejectionReason string
	ResolvedAt      time.Time
}

// CommandRecord is one entry of the persistent execution history.
type CommandRecord struct {
	ID            string    `json:"id" db:"id"`
	AssessmentID  int64     `json:"assessment_id" db:"assessment_id"`
	ContainerName string    `json:"container_name" db:"container_name"`
	Command       string    `json:"command" db:"command"`
	Stdout        string    `json:"stdout" db:"stdout"`
	Stderr        string    `json:"stderr" db:"stderr"`
	ReturnCode    int       `json:"return_code" db:"return_code"`
	Success       bool      `json:"success" db:"success"`
	ErrorKind     string    `json:"error_kind" db:"error_kind"`
	DurationMS    int64     `json:"duration_ms" db:"duration_ms"`
	Phase         string    `json:"phase,omitempty" db:"phase"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PendingFilter selects pending-command rows. Zero values mean "any".
type PendingFilter struct {
	Status       Status
	AssessmentID int64
}

// CommandFilter selects command-history rows.
type CommandFilter struct {
	AssessmentID int64
	Success      *bool
	Search       string
	Limit        int
	Offset       int
}
