package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/credential"
)

// TimeoutReason is the auto-generated rejection reason for swept rows.
func TimeoutReason(seconds int) string {
	return fmt.Sprintf("Auto-cancelled: exceeded %ds timeout", seconds)
}

// Memory is an in-process Store used by tests and DSN-less development
// boots. All guarantees match the Postgres implementation; transitions are
// serialized by a single mutex.
type Memory struct {
	mu          sync.Mutex
	assessments map[int64]*Assessment
	credentials map[int64][]credential.Credential
	pending     map[string]*PendingCommand
	history     []CommandRecord
	settings    map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		assessments: make(map[int64]*Assessment),
		credentials: make(map[int64][]credential.Credential),
		pending:     make(map[string]*PendingCommand),
		settings:    make(map[string]string),
	}
}

// PutAssessment seeds an assessment record (test and dev-boot helper).
func (m *Memory) PutAssessment(a *Assessment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.assessments[a.ID] = a
}

// PutCredential seeds a credential record.
func (m *Memory) PutCredential(c credential.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.AssessmentID] = append(m.credentials[c.AssessmentID], c)
}

func (m *Memory) GetAssessment(_ context.Context, id int64) (*Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, fmt.Errorf("assessment %d: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListCredentials(_ context.Context, assessmentID int64) ([]credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]credential.Credential(nil), m.credentials[assessmentID]...), nil
}

func (m *Memory) CreatePending(_ context.Context, cmd *PendingCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assessments[cmd.AssessmentID]; !ok {
		return fmt.Errorf("assessment %d: %w", cmd.AssessmentID, ErrNotFound)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	cmd.Status = StatusPending
	cmd.AssessmentName = m.assessments[cmd.AssessmentID].Name

	cp := *cmd
	m.pending[cmd.ID] = &cp
	return nil
}

func (m *Memory) GetPending(_ context.Context, id string) (*PendingCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPending(_ context.Context, f PendingFilter) ([]PendingCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingCommand
	for _, p := range m.pending {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.AssessmentID != 0 && p.AssessmentID != f.AssessmentID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.pending {
		if p.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ResolvePending(_ context.Context, id string, res Resolution) (*PendingCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return nil, fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("command is already %s: %w", p.Status, ErrConflict)
	}

	resolvedAt := res.ResolvedAt
	p.Status = res.Status
	p.ResolvedBy = res.ResolvedBy
	p.RejectionReason = res.RejectionReason
	p.ResolvedAt = &resolvedAt

	cp := *p
	return &cp, nil
}

func (m *Memory) SetExecutionResult(_ context.Context, id string, result *container.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	cp := *result
	p.ExecutionResult = &cp
	return nil
}

func (m *Memory) DeletePending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[id]; !ok {
		return fmt.Errorf("pending command %s: %w", id, ErrNotFound)
	}
	delete(m.pending, id)
	return nil
}

func (m *Memory) SweepExpired(_ context.Context, defaultTimeoutSeconds int) ([]PendingCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var swept []PendingCommand
	for _, p := range m.pending {
		if p.Status != StatusPending {
			continue
		}
		limit := p.EffectiveTimeout(defaultTimeoutSeconds)
		if now.Sub(p.CreatedAt) > time.Duration(limit)*time.Second {
			resolvedAt := now
			p.Status = StatusTimeout
			p.RejectionReason = TimeoutReason(limit)
			p.ResolvedAt = &resolvedAt
			swept = append(swept, *p)
		}
	}
	return swept, nil
}

func (m *Memory) LogCommand(_ context.Context, rec *CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.history = append(m.history, *rec)
	return nil
}

func (m *Memory) ListCommands(_ context.Context, f CommandFilter) ([]CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []CommandRecord
	for _, rec := range m.history {
		if f.AssessmentID != 0 && rec.AssessmentID != f.AssessmentID {
			continue
		}
		if f.Success != nil && rec.Success != *f.Success {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(rec.Command), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) PutSetting(_ context.Context, key, value, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) Healthy(_ context.Context) bool { return true }

func (m *Memory) Close() {}
