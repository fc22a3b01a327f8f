// Package gateway orchestrates the command pipeline: credential resolution,
// policy classification, container execution and the pending-approval queue.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/credential"
	"pentest-command-gateway/internal/monitor"
	"pentest-command-gateway/internal/notify"
	"pentest-command-gateway/internal/policy"
	"pentest-command-gateway/internal/settings"
	"pentest-command-gateway/internal/storage"
)

// SubmitRequest is one command submission.
type SubmitRequest struct {
	AssessmentID   int64  `json:"assessment_id"`
	Command        string `json:"command"`
	Phase          string `json:"phase,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
}

// Submission statuses returned to callers.
const (
	SubmitExecuted = "executed"
	SubmitPending  = "pending_approval"
)

// SubmitResponse reports either an immediate result or the queued command.
type SubmitResponse struct {
	Status  string                  `json:"status"`
	Result  *container.Result       `json:"result,omitempty"`
	Pending *storage.PendingCommand `json:"pending_command,omitempty"`
}

// Gateway wires the pipeline together. All methods are safe for concurrent
// use.
type Gateway struct {
	store    storage.Store
	registry *container.Registry
	runner   *container.Runner
	settings *settings.Provider
	hub      *notify.Hub
	history  *storage.HistoryWriter
	metrics  *monitor.Metrics
}

func New(
	store storage.Store,
	registry *container.Registry,
	runner *container.Runner,
	provider *settings.Provider,
	hub *notify.Hub,
	history *storage.HistoryWriter,
	metrics *monitor.Metrics,
) *Gateway {
	return &Gateway{
		store:    store,
		registry: registry,
		runner:   runner,
		settings: provider,
		hub:      hub,
		history:  history,
		metrics:  metrics,
	}
}

// Submit resolves credentials, classifies the command against the current
// policy, and either executes immediately or queues it for approval. The
// stored pending command keeps its placeholders; secrets are substituted
// only at execution time.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command must not be empty: %w", ErrValidation)
	}

	assessment, err := g.store.GetAssessment(ctx, req.AssessmentID)
	if err != nil {
		return nil, err
	}

	resolved, err := g.resolveCommand(ctx, req.AssessmentID, req.Command)
	if err != nil {
		return nil, err
	}

	cfg := g.settings.Policy(ctx)
	decision := policy.Classify(resolved, cfg)

	if decision.RequireApproval {
		// The deadline is fixed at enqueue time: later changes to the
		// global timeout never reschedule an already-queued command.
		timeout := cfg.TimeoutSeconds
		if req.TimeoutSeconds != nil {
			timeout = *req.TimeoutSeconds
		}
		pending := &storage.PendingCommand{
			AssessmentID:    req.AssessmentID,
			Command:         req.Command,
			Phase:           req.Phase,
			MatchedKeywords: decision.MatchedKeywords,
			TimeoutSeconds:  &timeout,
		}
		if err := g.store.CreatePending(ctx, pending); err != nil {
			return nil, err
		}

		if g.metrics != nil {
			g.metrics.RecordSubmission("pending")
		}
		g.refreshPendingGauge(ctx)

		g.hub.Publish(req.AssessmentID, notify.Event{
			Type: notify.EventCommandPending,
			Data: map[string]any{
				"command_id":       pending.ID,
				"assessment_id":    req.AssessmentID,
				"assessment_name":  assessment.Name,
				"command":          pending.Command,
				"matched_keywords": pending.MatchedKeywords,
				"timeout_seconds":  timeout,
				"expires_at":       pending.CreatedAt.Add(time.Duration(timeout) * time.Second),
			},
		})

		log.Info().
			Str("command_id", pending.ID).
			Int64("assessment_id", req.AssessmentID).
			Strs("matched_keywords", decision.MatchedKeywords).
			Msg("command queued for approval")

		return &SubmitResponse{Status: SubmitPending, Pending: pending}, nil
	}

	if g.metrics != nil {
		g.metrics.RecordSubmission("executed")
	}

	result := g.execute(ctx, assessment, req, resolved, cfg)
	return &SubmitResponse{Status: SubmitExecuted, Result: result}, nil
}

// Approve claims the pending command and executes it. The claim happens
// before execution so a concurrent approver, rejecter or sweep sees exactly
// one winner; losers get storage.ErrConflict.
func (g *Gateway) Approve(ctx context.Context, id, approvedBy string) (*storage.PendingCommand, error) {
	g.sweep(ctx)

	pending, err := g.store.ResolvePending(ctx, id, storage.Resolution{
		Status:     storage.StatusExecuted,
		ResolvedBy: approvedBy,
		ResolvedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	g.refreshPendingGauge(ctx)

	assessment, err := g.store.GetAssessment(ctx, pending.AssessmentID)
	if err != nil {
		return nil, err
	}

	cfg := g.settings.Policy(ctx)

	var result *container.Result
	resolved, err := g.resolveCommand(ctx, pending.AssessmentID, pending.Command)
	if err != nil {
		// Claimed but unexecutable: record the failure instead of
		// silently un-resolving the row.
		result = &container.Result{
			ReturnCode: -1,
			Stderr:     fmt.Sprintf("Execution failed: %v", err),
			ErrorKind:  container.ErrorExecutionFailed,
		}
	} else {
		req := SubmitRequest{
			AssessmentID:   pending.AssessmentID,
			Command:        pending.Command,
			Phase:          pending.Phase,
			TimeoutSeconds: pending.TimeoutSeconds,
		}
		result = g.execute(ctx, assessment, req, resolved, cfg)
	}

	if err := g.store.SetExecutionResult(ctx, id, result); err != nil {
		log.Error().Err(err).Str("command_id", id).Msg("failed to persist execution result")
	}
	pending.ExecutionResult = result

	g.hub.Publish(pending.AssessmentID, notify.Event{
		Type: notify.EventCommandApproved,
		Data: map[string]any{
			"command_id":    pending.ID,
			"assessment_id": pending.AssessmentID,
			"approved_by":   approvedBy,
			"success":       result.Success,
			"error_kind":    result.ErrorKind,
		},
	})

	log.Info().
		Str("command_id", id).
		Str("approved_by", approvedBy).
		Bool("success", result.Success).
		Msg("pending command approved and executed")

	return pending, nil
}

// Reject marks the pending command rejected without executing it.
func (g *Gateway) Reject(ctx context.Context, id, rejectedBy, reason string) (*storage.PendingCommand, error) {
	g.sweep(ctx)

	pending, err := g.store.ResolvePending(ctx, id, storage.Resolution{
		Status:          storage.StatusRejected,
		ResolvedBy:      rejectedBy,
		RejectionReason: reason,
		ResolvedAt:      time.Now(),
	})
	if err != nil {
		return nil, err
	}
	g.refreshPendingGauge(ctx)

	g.hub.Publish(pending.AssessmentID, notify.Event{
		Type: notify.EventCommandRejected,
		Data: map[string]any{
			"command_id":       pending.ID,
			"assessment_id":    pending.AssessmentID,
			"rejected_by":      rejectedBy,
			"rejection_reason": reason,
		},
	})

	log.Info().
		Str("command_id", id).
		Str("rejected_by", rejectedBy).
		Msg("pending command rejected")

	return pending, nil
}

// GetPending returns one pending command after sweeping expirations, so a
// caller never reads a stale pending state.
func (g *Gateway) GetPending(ctx context.Context, id string) (*storage.PendingCommand, error) {
	g.sweep(ctx)
	return g.store.GetPending(ctx, id)
}

// ListPending returns matching commands after sweeping expirations.
func (g *Gateway) ListPending(ctx context.Context, f storage.PendingFilter) ([]storage.PendingCommand, error) {
	g.sweep(ctx)
	return g.store.ListPending(ctx, f)
}

// CountPending returns the live pending count after sweeping expirations.
func (g *Gateway) CountPending(ctx context.Context) (int, error) {
	g.sweep(ctx)
	return g.store.CountPending(ctx)
}

// DeletePending removes a command from the queue entirely.
func (g *Gateway) DeletePending(ctx context.Context, id string) error {
	if err := g.store.DeletePending(ctx, id); err != nil {
		return err
	}
	g.refreshPendingGauge(ctx)
	return nil
}

// SweepNow runs one expiration sweep. The server also calls this on a timer
// so timeouts fire even when nobody is reading the queue.
func (g *Gateway) SweepNow(ctx context.Context) {
	g.sweep(ctx)
}

// Containers lists discovered execution containers.
func (g *Gateway) Containers(ctx context.Context, forceRefresh bool) []container.Descriptor {
	return g.registry.Discover(ctx, forceRefresh)
}

// StartContainer validates the named container and starts it if stopped.
func (g *Gateway) StartContainer(ctx context.Context, name string) container.StartStatus {
	return g.registry.ValidateAndStart(ctx, name)
}

// CheckTool reports whether a tool binary resolves inside the container.
// Advisory only; submissions are never gated on it.
func (g *Gateway) CheckTool(ctx context.Context, containerName, tool string) bool {
	return g.registry.CheckTool(ctx, containerName, tool)
}

// CommandHistory returns persisted execution records.
func (g *Gateway) CommandHistory(ctx context.Context, f storage.CommandFilter) ([]storage.CommandRecord, error) {
	return g.store.ListCommands(ctx, f)
}

// RecentInvocations returns the in-process execution ring. A non-positive
// limit falls back to the configured history limit.
func (g *Gateway) RecentInvocations(ctx context.Context, limit int) []container.Invocation {
	if limit <= 0 {
		limit = g.settings.HistoryLimit(ctx)
	}
	return g.runner.History().Recent(limit)
}

// PolicyUpdate carries a partial settings change; nil fields are untouched.
type PolicyUpdate struct {
	Mode           *string   `json:"execution_mode,omitempty"`
	FilterKeywords *[]string `json:"filter_keywords,omitempty"`
	TimeoutSeconds *int      `json:"timeout_seconds,omitempty"`
}

// GetPolicy returns the effective policy configuration.
func (g *Gateway) GetPolicy(ctx context.Context) policy.Config {
	return g.settings.Policy(ctx)
}

// SetPolicy applies a partial update and broadcasts the new configuration.
func (g *Gateway) SetPolicy(ctx context.Context, update PolicyUpdate) (policy.Config, error) {
	if update.Mode != nil {
		if !policy.ValidMode(*update.Mode) {
			return policy.Config{}, fmt.Errorf("unknown execution mode %q: %w", *update.Mode, ErrValidation)
		}
		if err := g.settings.Set(ctx, settings.KeyExecutionMode, *update.Mode,
			"Command execution mode: open, filter or closed"); err != nil {
			return policy.Config{}, err
		}
	}

	if update.FilterKeywords != nil {
		if err := g.putKeywords(ctx, *update.FilterKeywords); err != nil {
			return policy.Config{}, err
		}
	}

	if update.TimeoutSeconds != nil {
		if *update.TimeoutSeconds <= 0 {
			return policy.Config{}, fmt.Errorf("timeout must be positive: %w", ErrValidation)
		}
		if err := g.settings.Set(ctx, settings.KeyTimeoutSeconds,
			strconv.Itoa(*update.TimeoutSeconds),
			"Seconds before a pending command auto-cancels"); err != nil {
			return policy.Config{}, err
		}
	}

	cfg := g.settings.Policy(ctx)
	g.broadcastPolicy(cfg)
	return cfg, nil
}

// AddKeyword appends a keyword to the filter list if not already present.
func (g *Gateway) AddKeyword(ctx context.Context, keyword string) (policy.Config, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return policy.Config{}, fmt.Errorf("keyword must not be empty: %w", ErrValidation)
	}

	keywords := g.settings.FilterKeywords(ctx)
	for _, kw := range keywords {
		if strings.EqualFold(kw, keyword) {
			return g.settings.Policy(ctx), nil
		}
	}

	if err := g.putKeywords(ctx, append(keywords, keyword)); err != nil {
		return policy.Config{}, err
	}
	cfg := g.settings.Policy(ctx)
	g.broadcastPolicy(cfg)
	return cfg, nil
}

// RemoveKeyword deletes a keyword from the filter list.
func (g *Gateway) RemoveKeyword(ctx context.Context, keyword string) (policy.Config, error) {
	keywords := g.settings.FilterKeywords(ctx)
	kept := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if !strings.EqualFold(kw, keyword) {
			kept = append(kept, kw)
		}
	}
	if len(kept) == len(keywords) {
		return policy.Config{}, fmt.Errorf("keyword %s: %w", keyword, storage.ErrNotFound)
	}

	if err := g.putKeywords(ctx, kept); err != nil {
		return policy.Config{}, err
	}
	cfg := g.settings.Policy(ctx)
	g.broadcastPolicy(cfg)
	return cfg, nil
}

func (g *Gateway) putKeywords(ctx context.Context, keywords []string) error {
	payload, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshaling filter keywords: %w", err)
	}
	return g.settings.Set(ctx, settings.KeyFilterKeywords, string(payload),
		"Keywords that route commands to approval in filter mode")
}

func (g *Gateway) broadcastPolicy(cfg policy.Config) {
	g.hub.Broadcast(notify.Event{
		Type: notify.EventSettingsUpdated,
		Data: map[string]any{
			"execution_mode":  string(cfg.Mode),
			"filter_keywords": cfg.FilterKeywords,
			"timeout_seconds": cfg.TimeoutSeconds,
		},
	})
}

// resolveCommand substitutes credential placeholders, failing closed on any
// unresolved placeholder.
func (g *Gateway) resolveCommand(ctx context.Context, assessmentID int64, command string) (string, error) {
	creds, err := g.store.ListCredentials(ctx, assessmentID)
	if err != nil {
		return "", err
	}
	return credential.Resolve(command, creds)
}

// execute picks a container, ensures it is running, runs the command and
// queues the history record. Container problems surface as a failed Result
// rather than a Go error so callers always get a classified outcome.
func (g *Gateway) execute(ctx context.Context, assessment *storage.Assessment, req SubmitRequest, resolved string, cfg policy.Config) *container.Result {
	name := req.ContainerName
	if name == "" {
		name = assessment.ContainerName
	}
	if name == "" {
		name = g.registry.AutoSelect(ctx)
	}

	start := g.registry.ValidateAndStart(ctx, name)
	var result *container.Result
	if !start.Success {
		result = &container.Result{
			ReturnCode: -1,
			Stderr:     fmt.Sprintf("Execution failed: %s", start.Reason),
			ErrorKind:  container.ErrorExecutionFailed,
		}
	} else {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0 {
			timeout = time.Duration(*req.TimeoutSeconds) * time.Second
		}
		result = g.runner.Run(ctx, name, resolved, timeout, g.settings.OutputMaxLength(ctx))
	}

	if g.history != nil {
		// The stored command keeps its placeholders so secrets never
		// land in the history table.
		g.history.Log(&storage.CommandRecord{
			AssessmentID:  req.AssessmentID,
			ContainerName: name,
			Command:       req.Command,
			Stdout:        result.Stdout,
			Stderr:        result.Stderr,
			ReturnCode:    result.ReturnCode,
			Success:       result.Success,
			ErrorKind:     string(result.ErrorKind),
			DurationMS:    result.Duration.Milliseconds(),
			Phase:         req.Phase,
			CreatedAt:     time.Now(),
		})
	}

	return result
}

// sweep transitions expired pending commands to timeout and emits an event
// per swept row. Runs before every queue read so observers never act on a
// command that has already expired.
func (g *Gateway) sweep(ctx context.Context) {
	defaultTimeout := g.settings.TimeoutSeconds(ctx)

	swept, err := g.store.SweepExpired(ctx, defaultTimeout)
	if err != nil {
		log.Error().Err(err).Msg("timeout sweep failed")
		return
	}

	for _, p := range swept {
		if g.metrics != nil {
			g.metrics.SweepTimeoutsTotal.Inc()
		}
		g.hub.Publish(p.AssessmentID, notify.Event{
			Type: notify.EventCommandTimeout,
			Data: map[string]any{
				"command_id":       p.ID,
				"assessment_id":    p.AssessmentID,
				"command":          p.Command,
				"rejection_reason": p.RejectionReason,
			},
		})
		log.Info().
			Str("command_id", p.ID).
			Int64("assessment_id", p.AssessmentID).
			Msg("pending command timed out")
	}

	if len(swept) > 0 {
		g.refreshPendingGauge(ctx)
	}
}

func (g *Gateway) refreshPendingGauge(ctx context.Context) {
	if g.metrics == nil {
		return
	}
	if n, err := g.store.CountPending(ctx); err == nil {
		g.metrics.PendingCommands.Set(float64(n))
	}
}
