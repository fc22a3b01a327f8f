package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/credential"
	"pentest-command-gateway/internal/notify"
	"pentest-command-gateway/internal/policy"
	"pentest-command-gateway/internal/settings"
	"pentest-command-gateway/internal/storage"
)

// fakeRuntime implements container.Runtime with canned responses.
type fakeRuntime struct {
	states     map[string]string
	execResult *container.ExecResult
	execErr    error
	execCmds   []string
}

func (f *fakeRuntime) ListContainers(_ context.Context) ([]container.Descriptor, error) {
	var out []container.Descriptor
	for name, state := range f.states {
		out = append(out, container.Descriptor{Name: name, Image: "exegol", Status: state})
	}
	return out, nil
}

func (f *fakeRuntime) Inspect(_ context.Context, name string) (string, error) {
	if state, ok := f.states[name]; ok {
		return state, nil
	}
	return "", fmt.Errorf("%w: %s", container.ErrContainerNotFound, name)
}

func (f *fakeRuntime) Start(_ context.Context, _ string) error { return nil }

func (f *fakeRuntime) Exec(_ context.Context, _, command string) (*container.ExecResult, error) {
	f.execCmds = append(f.execCmds, command)
	return f.execResult, f.execErr
}

type fixture struct {
	gw    *Gateway
	store *storage.Memory
	hub   *notify.Hub
	rt    *fakeRuntime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemory()
	store.PutAssessment(&storage.Assessment{ID: 1, Name: "acme-external", ContainerName: "exegol-main"})

	rt := &fakeRuntime{
		states:     map[string]string{"exegol-main": "running"},
		execResult: &container.ExecResult{ExitCode: 0, Stdout: "ok\n"},
	}

	hub := notify.NewHub(nil)
	gw := New(
		store,
		container.NewRegistry(rt, "exegol", "", nil),
		container.NewRunner(rt, nil),
		settings.NewProvider(store),
		hub,
		nil, // history writer exercised separately
		nil,
	)
	return &fixture{gw: gw, store: store, hub: hub, rt: rt}
}

func (f *fixture) setMode(t *testing.T, mode string) {
	t.Helper()
	if _, err := f.gw.SetPolicy(context.Background(), PolicyUpdate{Mode: &mode}); err != nil {
		t.Fatal(err)
	}
}

func TestSubmit_OpenModeExecutes(t *testing.T) {
	f := newFixture(t)

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID: 1,
		Command:      "rm -rf /tmp/scratch", // keyword irrelevant in open mode
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Status != SubmitExecuted {
		t.Fatalf("Status = %q, want executed", resp.Status)
	}
	if resp.Result == nil || !resp.Result.Success {
		t.Errorf("Result = %+v, want success", resp.Result)
	}
	if resp.Pending != nil {
		t.Error("Pending set on an executed submission")
	}
}

func TestSubmit_ClosedModeQueues(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "closed")

	sub := f.hub.Subscribe(nil, 8)
	defer f.hub.Unsubscribe(sub)

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID: 1,
		Command:      "whoami",
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Status != SubmitPending {
		t.Fatalf("Status = %q, want pending_approval", resp.Status)
	}
	if resp.Pending == nil || resp.Pending.Status != storage.StatusPending {
		t.Fatalf("Pending = %+v", resp.Pending)
	}
	if len(f.rt.execCmds) != 0 {
		t.Error("command executed despite closed mode")
	}

	// Pending event carries the assessment name.
	ev := <-sub.C
	if ev.Type != notify.EventCommandPending {
		t.Errorf("event type = %q", ev.Type)
	}
	if ev.Data["assessment_name"] != "acme-external" {
		t.Errorf("assessment_name = %v", ev.Data["assessment_name"])
	}
}

func TestSubmit_FilterModeMatchesKeywords(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "filter")

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID: 1,
		Command:      "sudo rm -rf /var/log",
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Status != SubmitPending {
		t.Fatalf("Status = %q, want pending_approval", resp.Status)
	}
	got := resp.Pending.MatchedKeywords
	if len(got) != 2 || got[0] != "rm" || got[1] != "sudo" {
		t.Errorf("MatchedKeywords = %v, want [rm sudo]", got)
	}

	// Clean commands still execute in filter mode.
	clean, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID: 1,
		Command:      "nmap -sV 10.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if clean.Status != SubmitExecuted {
		t.Errorf("clean command Status = %q, want executed", clean.Status)
	}
}

func TestSubmit_CredentialSubstitution(t *testing.T) {
	f := newFixture(t)
	f.store.PutCredential(credential.Credential{
		AssessmentID: 1,
		Type:         credential.TypeBearerToken,
		Placeholder:  "{{FLEET_TOKEN}}",
		Token:        "tok-secret",
	})

	_, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID: 1,
		Command:      `curl -H "Authorization: Bearer {{FLEET_TOKEN}}" https://t/`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(f.rt.execCmds) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(f.rt.execCmds))
	}
	if !strings.Contains(f.rt.execCmds[0], "Bearer tok-secret") {
		t.Errorf("substitution missing: %q", f.rt.execCmds[0])
	}
	if strings.Contains(f.rt.execCmds[0], "{{FLEET_TOKEN}}") {
		t.Errorf("placeholder leaked: %q", f.rt.execCmds[0])
	}
}

func TestSubmit_UnresolvedPlaceholderFailsClosed(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID: 1,
		Command:      "echo {{NO_SUCH_CRED}}",
	})

	var unresolved *credential.UnresolvedPlaceholderError
	if !errors.As(err, &unresolved) {
		t.Fatalf("err = %v, want UnresolvedPlaceholderError", err)
	}
	if len(f.rt.execCmds) != 0 {
		t.Error("command executed despite unresolved placeholder")
	}
}

func TestSubmit_ValidationAndNotFound(t *testing.T) {
	f := newFixture(t)

	if _, err := f.gw.Submit(context.Background(), SubmitRequest{AssessmentID: 1, Command: "  "}); !errors.Is(err, ErrValidation) {
		t.Errorf("blank command err = %v, want ErrValidation", err)
	}
	if _, err := f.gw.Submit(context.Background(), SubmitRequest{AssessmentID: 404, Command: "id"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown assessment err = %v, want ErrNotFound", err)
	}
}

func TestApprove_ExecutesAndStoresResult(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "closed")

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{AssessmentID: 1, Command: "id"})
	if err != nil {
		t.Fatal(err)
	}
	id := resp.Pending.ID

	sub := f.hub.Subscribe(nil, 8)
	defer f.hub.Unsubscribe(sub)

	approved, err := f.gw.Approve(context.Background(), id, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if approved.Status != storage.StatusExecuted {
		t.Errorf("Status = %q, want executed", approved.Status)
	}
	if approved.ResolvedBy != "alice" {
		t.Errorf("ResolvedBy = %q", approved.ResolvedBy)
	}
	if approved.ExecutionResult == nil || !approved.ExecutionResult.Success {
		t.Errorf("ExecutionResult = %+v", approved.ExecutionResult)
	}
	if len(f.rt.execCmds) != 1 {
		t.Errorf("exec calls = %d, want 1", len(f.rt.execCmds))
	}

	// Result persisted on the row.
	stored, err := f.store.GetPending(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExecutionResult == nil {
		t.Error("execution result not persisted")
	}

	ev := <-sub.C
	if ev.Type != notify.EventCommandApproved {
		t.Errorf("event type = %q", ev.Type)
	}
}

func TestApprove_SecondResolverLoses(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "closed")

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{AssessmentID: 1, Command: "id"})
	if err != nil {
		t.Fatal(err)
	}
	id := resp.Pending.ID

	if _, err := f.gw.Approve(context.Background(), id, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.gw.Approve(context.Background(), id, "bob"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second approve err = %v, want ErrConflict", err)
	}
	if _, err := f.gw.Reject(context.Background(), id, "carol", "late"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("reject after approve err = %v, want ErrConflict", err)
	}
	if len(f.rt.execCmds) != 1 {
		t.Errorf("exec calls = %d, want exactly 1", len(f.rt.execCmds))
	}
}

func TestReject_DoesNotExecute(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "closed")

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{AssessmentID: 1, Command: "rm -rf /"})
	if err != nil {
		t.Fatal(err)
	}

	sub := f.hub.Subscribe(nil, 8)
	defer f.hub.Unsubscribe(sub)

	rejected, err := f.gw.Reject(context.Background(), resp.Pending.ID, "bob", "too destructive")
	if err != nil {
		t.Fatal(err)
	}

	if rejected.Status != storage.StatusRejected {
		t.Errorf("Status = %q, want rejected", rejected.Status)
	}
	if rejected.RejectionReason != "too destructive" {
		t.Errorf("RejectionReason = %q", rejected.RejectionReason)
	}
	if len(f.rt.execCmds) != 0 {
		t.Error("rejected command was executed")
	}

	ev := <-sub.C
	if ev.Type != notify.EventCommandRejected {
		t.Errorf("event type = %q", ev.Type)
	}
}

func TestListPending_SweepsExpiredFirst(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "closed")

	// Zero per-command timeout expires immediately on the next sweep.
	zero := 0
	resp, err := f.gw.Submit(context.Background(), SubmitRequest{
		AssessmentID:   1,
		Command:        "slowloris target",
		TimeoutSeconds: &zero,
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := f.hub.Subscribe(nil, 8)
	defer f.hub.Unsubscribe(sub)

	pending, err := f.gw.ListPending(context.Background(), storage.PendingFilter{Status: storage.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sweep = %d, want 0", len(pending))
	}

	row, err := f.store.GetPending(context.Background(), resp.Pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != storage.StatusTimeout {
		t.Errorf("Status = %q, want timeout", row.Status)
	}
	if row.RejectionReason != "Auto-cancelled: exceeded 0s timeout" {
		t.Errorf("RejectionReason = %q", row.RejectionReason)
	}

	ev := <-sub.C
	if ev.Type != notify.EventCommandTimeout {
		t.Errorf("event type = %q", ev.Type)
	}

	// A timed-out command can no longer be approved.
	if _, err := f.gw.Approve(context.Background(), resp.Pending.ID, "alice"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("approve after timeout err = %v, want ErrConflict", err)
	}
}

func TestSubmit_TimeoutSnapshotAtEnqueue(t *testing.T) {
	f := newFixture(t)
	f.setMode(t, "closed")
	ctx := context.Background()

	long := 3600
	if _, err := f.gw.SetPolicy(ctx, PolicyUpdate{TimeoutSeconds: &long}); err != nil {
		t.Fatal(err)
	}

	resp, err := f.gw.Submit(ctx, SubmitRequest{AssessmentID: 1, Command: "id"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Pending.TimeoutSeconds == nil || *resp.Pending.TimeoutSeconds != 3600 {
		t.Fatalf("TimeoutSeconds = %v, want 3600 snapshotted on the row", resp.Pending.TimeoutSeconds)
	}

	// Shrinking the global timeout after enqueue must not reschedule the
	// queued command: its deadline was fixed when it entered the queue.
	short := 1
	if _, err := f.gw.SetPolicy(ctx, PolicyUpdate{TimeoutSeconds: &short}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	pending, err := f.gw.ListPending(ctx, storage.PendingFilter{Status: storage.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (row swept under the new global timeout)", len(pending))
	}
	if pending[0].Status != storage.StatusPending {
		t.Errorf("Status = %q, want still pending", pending[0].Status)
	}
}

func TestSetPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := "paranoid"
	if _, err := f.gw.SetPolicy(ctx, PolicyUpdate{Mode: &bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("invalid mode err = %v, want ErrValidation", err)
	}

	sub := f.hub.Subscribe(nil, 8)
	defer f.hub.Unsubscribe(sub)

	mode := "filter"
	timeout := 90
	cfg, err := f.gw.SetPolicy(ctx, PolicyUpdate{Mode: &mode, TimeoutSeconds: &timeout})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != policy.ModeFilter || cfg.TimeoutSeconds != 90 {
		t.Errorf("cfg = %+v", cfg)
	}

	ev := <-sub.C
	if ev.Type != notify.EventSettingsUpdated {
		t.Errorf("event type = %q", ev.Type)
	}
}

func TestKeywordManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg, err := f.gw.AddKeyword(ctx, "mimikatz")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, kw := range cfg.FilterKeywords {
		if kw == "mimikatz" {
			found = true
		}
	}
	if !found {
		t.Errorf("keyword not added: %v", cfg.FilterKeywords)
	}

	// Duplicate add is a no-op.
	before := len(cfg.FilterKeywords)
	cfg, err = f.gw.AddKeyword(ctx, "MIMIKATZ")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.FilterKeywords) != before {
		t.Errorf("duplicate add changed list: %v", cfg.FilterKeywords)
	}

	cfg, err = f.gw.RemoveKeyword(ctx, "mimikatz")
	if err != nil {
		t.Fatal(err)
	}
	for _, kw := range cfg.FilterKeywords {
		if kw == "mimikatz" {
			t.Errorf("keyword not removed: %v", cfg.FilterKeywords)
		}
	}

	if _, err := f.gw.RemoveKeyword(ctx, "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("remove absent err = %v, want ErrNotFound", err)
	}
}

func TestExecute_ContainerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.rt.states = map[string]string{} // nothing running, nothing discoverable

	resp, err := f.gw.Submit(context.Background(), SubmitRequest{AssessmentID: 1, Command: "id"})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Result == nil || resp.Result.Success {
		t.Fatalf("Result = %+v, want failure", resp.Result)
	}
	if resp.Result.ErrorKind != container.ErrorExecutionFailed {
		t.Errorf("ErrorKind = %q, want execution_failed", resp.Result.ErrorKind)
	}
}
