package container

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/monitor"
)

// ErrorKind classifies why an execution failed.
type ErrorKind string

const (
	ErrorNone             ErrorKind = "none"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorNotFound         ErrorKind = "not_found"
	ErrorPermissionDenied ErrorKind = "permission_denied"
	ErrorInvalidArguments ErrorKind = "invalid_arguments"
	ErrorCommandFailed    ErrorKind = "command_failed"
	ErrorExecutionFailed  ErrorKind = "execution_failed"
)

// Result is the immutable outcome of one execution attempt.
type Result struct {
	Success    bool          `json:"success"`
	ReturnCode int           `json:"return_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
	ErrorKind  ErrorKind     `json:"error_kind"`
}

// DefaultExecTimeout is used when the caller supplies no bound.
const DefaultExecTimeout = 30 * time.Second

// NoTruncation disables stdout truncation when passed as maxLength.
const NoTruncation = -1

var ansiEscape = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// Runner executes shell commands inside a named container with a hard
// wall-clock timeout and classified failure.
type Runner struct {
	runtime Runtime
	history *History
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// NewRunner builds a runner over the given runtime. metrics may be nil.
func NewRunner(rt Runtime, metrics *monitor.Metrics) *Runner {
	return &Runner{
		runtime: rt,
		history: NewHistory(),
		metrics: metrics,
		tracer:  monitor.NewTracer(),
	}
}

// History returns the bounded ring of recent invocations.
func (r *Runner) History() *History {
	return r.history
}

// Run executes command in the named container. The container's login
// environment is sourced first so pentest tooling installed via shell
// profiles resolves. maxOutputLen bounds the returned stdout (NoTruncation
// disables the bound); stderr passes through untouched.
func (r *Runner) Run(ctx context.Context, containerName, command string, timeout time.Duration, maxOutputLen int) *Result {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if r.runtime == nil {
		return &Result{
			ReturnCode: -1,
			Stderr:     "Execution failed: no container runtime available",
			ErrorKind:  ErrorExecutionFailed,
		}
	}

	execID := uuid.New().String()
	logger := log.With().
		Str("exec_id", execID).
		Str("container", containerName).
		Logger()

	logger.Info().Str("command", truncateCommand(command)).Msg("executing command")

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrContainer.String(containerName),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wrapped := fmt.Sprintf("source /root/.bashrc 2>/dev/null && %s", command)

	start := time.Now()
	raw, err := r.runtime.Exec(execCtx, containerName, wrapped)
	duration := time.Since(start)

	result := r.buildResult(raw, err, duration, timeout, maxOutputLen)
	span.SetAttributes(
		monitor.AttrReturnCode.Int(result.ReturnCode),
		monitor.AttrErrorKind.String(string(result.ErrorKind)),
	)

	r.history.Append(Invocation{
		Timestamp: start,
		Container: containerName,
		Command:   truncateCommand(command),
		Success:   result.Success,
		Duration:  duration,
	})

	if r.metrics != nil {
		r.metrics.RecordExecution(string(result.ErrorKind), duration.Seconds())
	}

	logger.Info().
		Int("return_code", result.ReturnCode).
		Str("error_kind", string(result.ErrorKind)).
		Dur("duration", duration).
		Msg("execution completed")

	return result
}

func (r *Runner) buildResult(raw *ExecResult, err error, duration, timeout time.Duration, maxOutputLen int) *Result {
	if err != nil {
		switch {
		case errors.Is(err, ErrExecTimeout):
			return &Result{
				Success:    false,
				ReturnCode: -1,
				Stderr:     fmt.Sprintf("Command timed out after %s", timeout),
				Duration:   duration,
				ErrorKind:  ErrorTimeout,
			}
		case errors.Is(err, ErrContainerNotFound):
			return &Result{
				Success:    false,
				ReturnCode: -1,
				Stderr:     err.Error(),
				Duration:   duration,
				ErrorKind:  ErrorNotFound,
			}
		default:
			return &Result{
				Success:    false,
				ReturnCode: -1,
				Stderr:     fmt.Sprintf("Execution failed: %v", err),
				Duration:   duration,
				ErrorKind:  ErrorExecutionFailed,
			}
		}
	}

	return &Result{
		Success:    raw.ExitCode == 0,
		ReturnCode: raw.ExitCode,
		Stdout:     FormatOutput(raw.Stdout, maxOutputLen),
		Stderr:     raw.Stderr, // untouched, diagnostic fidelity matters
		Duration:   duration,
		ErrorKind:  classify(raw.ExitCode, raw.Stderr),
	}
}

// classify maps a return code and stderr content to an ErrorKind, most
// specific signal first.
func classify(returnCode int, stderr string) ErrorKind {
	lower := strings.ToLower(stderr)
	switch {
	case returnCode == 127:
		return ErrorNotFound
	case returnCode == 126:
		return ErrorPermissionDenied
	case returnCode == 2 || strings.Contains(lower, "usage:") || strings.Contains(lower, "invalid"):
		return ErrorInvalidArguments
	case strings.Contains(lower, "not found"):
		return ErrorNotFound
	case strings.Contains(lower, "permission denied"):
		return ErrorPermissionDenied
	case returnCode != 0:
		return ErrorCommandFailed
	default:
		return ErrorNone
	}
}

// FormatOutput strips ANSI escape sequences and truncates to maxLength,
// appending a marker noting shown/total length. NoTruncation disables the
// length bound.
func FormatOutput(output string, maxLength int) string {
	if output == "" {
		return output
	}

	clean := ansiEscape.ReplaceAllString(output, "")

	if maxLength != NoTruncation && len(clean) > maxLength {
		return clean[:maxLength] + fmt.Sprintf("\n\n...(output truncated - showing %d/%d chars)", maxLength, len(clean))
	}
	return clean
}

func truncateCommand(command string) string {
	if len(command) > 100 {
		return command[:100] + "..."
	}
	return command
}
