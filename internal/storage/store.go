package storage

import (
	"context"
	"errors"

	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/credential"
)

// Sentinel errors for typed error checking at API boundaries.
var (
	// ErrNotFound reports an absent assessment, credential, setting or
	// pending-command id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict reports a state-transition precondition failure: the row
	// has already left the pending state.
	ErrConflict = errors.New("command already resolved")
)

// Store is the record store the gateway persists through. Postgres backs it
// in production; the in-memory implementation serves tests and DSN-less
// development boots.
type Store interface {
	// Assessments (read-only from the gateway's perspective).
	GetAssessment(ctx context.Context, id int64) (*Assessment, error)

	// Credentials (read-only).
	ListCredentials(ctx context.Context, assessmentID int64) ([]credential.Credential, error)

	// Pending commands. CreatePending fills ID and CreatedAt.
	CreatePending(ctx context.Context, cmd *PendingCommand) error
	GetPending(ctx context.Context, id string) (*PendingCommand, error)
	ListPending(ctx context.Context, f PendingFilter) ([]PendingCommand, error)
	CountPending(ctx context.Context) (int, error)

	// ResolvePending atomically moves a row out of pending. The status
	// precondition is evaluated atomically with the update: exactly one
	// concurrent caller wins, the rest get ErrConflict.
	ResolvePending(ctx context.Context, id string, res Resolution) (*PendingCommand, error)

	// SetExecutionResult stores the result after an approved execution.
	SetExecutionResult(ctx context.Context, id string, result *container.Result) error

	DeletePending(ctx context.Context, id string) error

	// SweepExpired transitions every over-deadline pending row to timeout
	// and returns the transitioned rows, resolution fields already set.
	SweepExpired(ctx context.Context, defaultTimeoutSeconds int) ([]PendingCommand, error)

	// Command history.
	LogCommand(ctx context.Context, rec *CommandRecord) error
	ListCommands(ctx context.Context, f CommandFilter) ([]CommandRecord, error)

	// Settings key/value store.
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value, description string) error

	Healthy(ctx context.Context) bool
	Close()
}
