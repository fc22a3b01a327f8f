package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pentest-command-gateway/internal/container"
)

func seedAssessment(t *testing.T, m *Memory) *Assessment {
	t.Helper()
	a := &Assessment{ID: 1, Name: "acme-external", Target: "10.0.0.0/24"}
	m.PutAssessment(a)
	return a
}

func createPending(t *testing.T, m *Memory, command string) *PendingCommand {
	t.Helper()
	cmd := &PendingCommand{AssessmentID: 1, Command: command}
	if err := m.CreatePending(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestMemory_CreatePending(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)

	cmd := createPending(t, m, "rm -rf /tmp/loot")
	if cmd.ID == "" {
		t.Error("ID not assigned")
	}
	if cmd.Status != StatusPending {
		t.Errorf("Status = %q, want pending", cmd.Status)
	}
	if cmd.AssessmentName != "acme-external" {
		t.Errorf("AssessmentName = %q", cmd.AssessmentName)
	}

	// Unknown assessment is rejected.
	err := m.CreatePending(context.Background(), &PendingCommand{AssessmentID: 99, Command: "id"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_ResolvePending_FirstTransitionWins(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)
	cmd := createPending(t, m, "sudo id")

	res := Resolution{Status: StatusExecuted, ResolvedBy: "alice", ResolvedAt: time.Now()}
	got, err := m.ResolvePending(context.Background(), cmd.ID, res)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExecuted || got.ResolvedBy != "alice" || got.ResolvedAt == nil {
		t.Errorf("resolved row = %+v", got)
	}

	// Second transition loses.
	_, err = m.ResolvePending(context.Background(), cmd.ID, Resolution{Status: StatusRejected})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second resolve err = %v, want ErrConflict", err)
	}

	// Unknown id.
	_, err = m.ResolvePending(context.Background(), "nope", res)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestMemory_ResolvePending_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)
	cmd := createPending(t, m, "dd if=/dev/zero of=/dev/sda")

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan Status, attempts)

	for i := 0; i < attempts; i++ {
		status := StatusExecuted
		if i%2 == 1 {
			status = StatusRejected
		}
		wg.Add(1)
		go func(s Status) {
			defer wg.Done()
			if _, err := m.ResolvePending(context.Background(), cmd.ID,
				Resolution{Status: s, ResolvedAt: time.Now()}); err == nil {
				wins <- s
			}
		}(status)
	}
	wg.Wait()
	close(wins)

	if n := len(wins); n != 1 {
		t.Errorf("winners = %d, want exactly 1", n)
	}
}

func TestMemory_SweepExpired(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)

	expired := createPending(t, m, "old command")
	fresh := createPending(t, m, "new command")

	// Backdate the first row past the default timeout.
	m.mu.Lock()
	m.pending[expired.ID].CreatedAt = time.Now().Add(-45 * time.Second)
	m.mu.Unlock()

	swept, err := m.SweepExpired(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(swept) != 1 || swept[0].ID != expired.ID {
		t.Fatalf("swept = %+v, want the backdated row only", swept)
	}
	if swept[0].Status != StatusTimeout {
		t.Errorf("Status = %q, want timeout", swept[0].Status)
	}
	if swept[0].RejectionReason != "Auto-cancelled: exceeded 30s timeout" {
		t.Errorf("RejectionReason = %q", swept[0].RejectionReason)
	}
	if swept[0].ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}

	// The fresh row is untouched and a second sweep finds nothing.
	got, _ := m.GetPending(context.Background(), fresh.ID)
	if got.Status != StatusPending {
		t.Errorf("fresh row status = %q, want pending", got.Status)
	}
	again, _ := m.SweepExpired(context.Background(), 30)
	if len(again) != 0 {
		t.Errorf("second sweep = %d rows, want 0", len(again))
	}
}

func TestMemory_SweepExpired_PerRowTimeout(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)

	long := 300
	cmd := &PendingCommand{AssessmentID: 1, Command: "slow scan", TimeoutSeconds: &long}
	if err := m.CreatePending(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	m.pending[cmd.ID].CreatedAt = time.Now().Add(-60 * time.Second)
	m.mu.Unlock()

	// 60s old but its own limit is 300s: not swept even with default 30.
	swept, err := m.SweepExpired(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(swept) != 0 {
		t.Errorf("swept = %d rows, want 0 (row timeout overrides default)", len(swept))
	}
}

func TestMemory_ListPending_Filters(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)
	m.PutAssessment(&Assessment{ID: 2, Name: "other"})

	first := createPending(t, m, "one")
	second := &PendingCommand{AssessmentID: 2, Command: "two"}
	if err := m.CreatePending(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ResolvePending(context.Background(), first.ID,
		Resolution{Status: StatusRejected, ResolvedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	pending, err := m.ListPending(context.Background(), PendingFilter{Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("pending filter = %+v", pending)
	}

	scoped, err := m.ListPending(context.Background(), PendingFilter{AssessmentID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].AssessmentID != 2 {
		t.Errorf("assessment filter = %+v", scoped)
	}

	n, err := m.CountPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountPending = %d, want 1", n)
	}
}

func TestMemory_SetExecutionResult(t *testing.T) {
	m := NewMemory()
	seedAssessment(t, m)
	cmd := createPending(t, m, "id")

	result := &container.Result{Success: true, Stdout: "uid=0"}
	if err := m.SetExecutionResult(context.Background(), cmd.ID, result); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetPending(context.Background(), cmd.ID)
	if got.ExecutionResult == nil || got.ExecutionResult.Stdout != "uid=0" {
		t.Errorf("ExecutionResult = %+v", got.ExecutionResult)
	}

	err := m.SetExecutionResult(context.Background(), "nope", result)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_ListCommands(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok := true
	records := []*CommandRecord{
		{AssessmentID: 1, Command: "nmap -sV target", Success: true, CreatedAt: time.Now().Add(-3 * time.Minute)},
		{AssessmentID: 1, Command: "gobuster dir -u http://target", Success: false, CreatedAt: time.Now().Add(-2 * time.Minute)},
		{AssessmentID: 2, Command: "nmap -p- other", Success: true, CreatedAt: time.Now().Add(-1 * time.Minute)},
	}
	for _, rec := range records {
		if err := m.LogCommand(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.ListCommands(ctx, CommandFilter{AssessmentID: 1, Search: "nmap", Success: &ok})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Command != "nmap -sV target" {
		t.Errorf("filtered = %+v", got)
	}

	// Newest first with limit.
	all, _ := m.ListCommands(ctx, CommandFilter{Limit: 2})
	if len(all) != 2 || all[0].Command != "nmap -p- other" {
		t.Errorf("ordering/limit = %+v", all)
	}
}

func TestTimeoutReason(t *testing.T) {
	if got := TimeoutReason(45); got != "Auto-cancelled: exceeded 45s timeout" {
		t.Errorf("TimeoutReason(45) = %q", got)
	}
}
