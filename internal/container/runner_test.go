package container

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeRuntime implements Runtime for runner and registry tests.
type fakeRuntime struct {
	containers []Descriptor
	listErr    error
	states     map[string]string
	startErr   error
	started    []string

	execResult *ExecResult
	execErr    error
	execCalls  []string // commands passed to Exec
}

func (f *fakeRuntime) ListContainers(_ context.Context) ([]Descriptor, error) {
	return f.containers, f.listErr
}

func (f *fakeRuntime) Inspect(_ context.Context, name string) (string, error) {
	if state, ok := f.states[name]; ok {
		return state, nil
	}
	return "", fmt.Errorf("%w: %s", ErrContainerNotFound, name)
}

func (f *fakeRuntime) Start(_ context.Context, name string) error {
	f.started = append(f.started, name)
	return f.startErr
}

func (f *fakeRuntime) Exec(_ context.Context, _, command string) (*ExecResult, error) {
	f.execCalls = append(f.execCalls, command)
	return f.execResult, f.execErr
}

func TestRunner_Run_Success(t *testing.T) {
	rt := &fakeRuntime{execResult: &ExecResult{ExitCode: 0, Stdout: "uid=0(root)\n"}}
	r := NewRunner(rt, nil)

	result := r.Run(context.Background(), "exegol-1", "id", 5*time.Second, NoTruncation)

	if !result.Success {
		t.Error("Success = false, want true")
	}
	if result.ErrorKind != ErrorNone {
		t.Errorf("ErrorKind = %q, want none", result.ErrorKind)
	}
	if result.Stdout != "uid=0(root)\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}

	// Command must be wrapped with the profile source prefix.
	if len(rt.execCalls) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(rt.execCalls))
	}
	if !strings.HasPrefix(rt.execCalls[0], "source /root/.bashrc 2>/dev/null && ") {
		t.Errorf("command not wrapped: %q", rt.execCalls[0])
	}

	if r.History().Len() != 1 {
		t.Errorf("history len = %d, want 1", r.History().Len())
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	rt := &fakeRuntime{execErr: ErrExecTimeout}
	r := NewRunner(rt, nil)

	result := r.Run(context.Background(), "exegol-1", "sleep 999", 2*time.Second, NoTruncation)

	if result.Success {
		t.Error("Success = true, want false")
	}
	if result.ErrorKind != ErrorTimeout {
		t.Errorf("ErrorKind = %q, want timeout", result.ErrorKind)
	}
	if result.ReturnCode != -1 {
		t.Errorf("ReturnCode = %d, want -1", result.ReturnCode)
	}
	if !strings.Contains(result.Stderr, "timed out") {
		t.Errorf("Stderr = %q, want timeout message", result.Stderr)
	}
}

func TestRunner_Run_NoRuntime(t *testing.T) {
	r := NewRunner(nil, nil)

	result := r.Run(context.Background(), "exegol-1", "id", time.Second, NoTruncation)
	if result.Success || result.ErrorKind != ErrorExecutionFailed {
		t.Errorf("got %+v, want execution_failed", result)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		returnCode int
		stderr     string
		want       ErrorKind
	}{
		{"clean exit", 0, "", ErrorNone},
		{"exit 127", 127, "", ErrorNotFound},
		{"exit 126", 126, "", ErrorPermissionDenied},
		{"exit 2", 2, "", ErrorInvalidArguments},
		{"usage text", 1, "Usage: nmap [options]", ErrorInvalidArguments},
		{"invalid flag", 1, "invalid option -- 'z'", ErrorInvalidArguments},
		{"not found in stderr", 1, "bash: gobusterx: command not found", ErrorNotFound},
		{"permission denied in stderr", 1, "cat: /etc/shadow: Permission denied", ErrorPermissionDenied},
		{"generic failure", 1, "connection refused", ErrorCommandFailed},
		{"stderr signal beats zero exit", 0, "tool not found in PATH", ErrorNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.returnCode, tt.stderr); got != tt.want {
				t.Errorf("classify(%d, %q) = %q, want %q", tt.returnCode, tt.stderr, got, tt.want)
			}
		})
	}
}

func TestFormatOutput(t *testing.T) {
	t.Run("strips ANSI escapes", func(t *testing.T) {
		in := "\x1b[31mred\x1b[0m plain"
		if got := FormatOutput(in, NoTruncation); got != "red plain" {
			t.Errorf("FormatOutput() = %q", got)
		}
	})

	t.Run("truncates with marker", func(t *testing.T) {
		in := strings.Repeat("x", 100)
		got := FormatOutput(in, 40)
		if !strings.HasPrefix(got, strings.Repeat("x", 40)) {
			t.Errorf("prefix lost: %q", got)
		}
		if !strings.Contains(got, "...(output truncated - showing 40/100 chars)") {
			t.Errorf("marker missing: %q", got)
		}
	})

	t.Run("no truncation when under limit", func(t *testing.T) {
		if got := FormatOutput("short", 40); got != "short" {
			t.Errorf("FormatOutput() = %q", got)
		}
	})

	t.Run("disabled truncation", func(t *testing.T) {
		in := strings.Repeat("y", 100)
		if got := FormatOutput(in, NoTruncation); got != in {
			t.Errorf("FormatOutput() truncated with NoTruncation")
		}
	})

	t.Run("empty passthrough", func(t *testing.T) {
		if got := FormatOutput("", 10); got != "" {
			t.Errorf("FormatOutput() = %q", got)
		}
	})
}

func TestHistory_TrimOnOverflow(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyCap; i++ {
		h.Append(Invocation{Command: fmt.Sprintf("cmd-%d", i)})
	}
	if h.Len() != historyCap {
		t.Fatalf("len = %d, want %d", h.Len(), historyCap)
	}

	// One more append trims to the recent block plus the new entry.
	h.Append(Invocation{Command: "overflow"})
	if h.Len() != historyKeep+1 {
		t.Fatalf("len after trim = %d, want %d", h.Len(), historyKeep+1)
	}

	recent := h.Recent(1)
	if len(recent) != 1 || recent[0].Command != "overflow" {
		t.Errorf("newest entry = %+v, want overflow", recent)
	}

	// Oldest surviving entry is from the kept tail.
	all := h.Recent(0)
	if all[0].Command != fmt.Sprintf("cmd-%d", historyCap-historyKeep) {
		t.Errorf("oldest survivor = %q", all[0].Command)
	}
}
