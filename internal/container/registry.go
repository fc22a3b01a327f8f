package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/monitor"
)

const (
	// cacheTTL bounds how stale the discovery cache may get.
	cacheTTL = 30 * time.Second

	// inspectTimeout bounds lightweight runtime calls (list, inspect, start).
	inspectTimeout = 10 * time.Second
)

// StartStatus reports the outcome of ValidateAndStart.
type StartStatus struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Registry discovers candidate execution containers and validates them on
// demand. The discovery cache is replaced wholesale on refresh so concurrent
// readers never see a partially updated list.
type Registry struct {
	runtime        Runtime
	imageSignature string // image name must contain this (case-insensitive)
	preferredName  string // auto-selection favorite
	metrics        *monitor.Metrics

	mu        sync.Mutex
	cache     []Descriptor
	fetchedAt time.Time

	toolMu    sync.Mutex
	toolCache map[string]bool // "container:tool" -> available
}

// NewRegistry builds a registry over the given runtime. signature filters
// discovered containers by image name; preferred names the container
// AutoSelect favors. metrics may be nil.
func NewRegistry(rt Runtime, signature, preferred string, metrics *monitor.Metrics) *Registry {
	return &Registry{
		runtime:        rt,
		imageSignature: strings.ToLower(signature),
		preferredName:  preferred,
		metrics:        metrics,
		toolCache:      make(map[string]bool),
	}
}

// Discover returns the filtered container list, from cache when fresh.
// Runtime failures are absorbed: discovery degrades to an empty list.
func (r *Registry) Discover(ctx context.Context, forceRefresh bool) []Descriptor {
	r.mu.Lock()
	if !forceRefresh && r.cache != nil && time.Since(r.fetchedAt) < cacheTTL {
		cached := r.cache
		r.mu.Unlock()
		r.countDiscovery("cache")
		log.Debug().Int("count", len(cached)).Msg("using cached container list")
		return cached
	}
	r.mu.Unlock()

	if r.runtime == nil {
		return nil
	}

	r.countDiscovery("refresh")

	listCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	all, err := r.runtime.ListContainers(listCtx)
	if err != nil {
		log.Error().Err(err).Msg("container discovery failed")
		all = nil
	}

	filtered := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if r.imageSignature == "" || strings.Contains(strings.ToLower(d.Image), r.imageSignature) {
			filtered = append(filtered, d)
		}
	}

	r.mu.Lock()
	r.cache = filtered
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	log.Info().Int("count", len(filtered)).Msg("discovered containers")
	return filtered
}

func (r *Registry) countDiscovery(source string) {
	if r.metrics != nil {
		r.metrics.DiscoveryTotal.WithLabelValues(source).Inc()
	}
}

// ValidateAndStart inspects the named container and starts it if needed.
// Errors are reported in the result, not returned as Go errors: callers
// must check Success.
func (r *Registry) ValidateAndStart(ctx context.Context, name string) StartStatus {
	if name == "" {
		return StartStatus{Success: false, Reason: "no container selected"}
	}
	if r.runtime == nil {
		return StartStatus{Success: false, Reason: "no container runtime available"}
	}

	inspCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	status, err := r.runtime.Inspect(inspCtx, name)
	if err != nil {
		return StartStatus{Success: false, Reason: fmt.Sprintf("container not found: %v", err)}
	}

	switch status {
	case "running":
		return StartStatus{Success: true, Status: "running"}

	case "created", "exited":
		log.Info().Str("container", name).Str("state", status).Msg("starting container")

		startCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
		defer cancel()

		if err := r.runtime.Start(startCtx, name); err != nil {
			return StartStatus{Success: false, Reason: fmt.Sprintf("failed to start container: %v", err)}
		}
		return StartStatus{Success: true, Status: "started"}

	default:
		return StartStatus{Success: false, Status: status, Reason: fmt.Sprintf("container in invalid state: %s", status)}
	}
}

// AutoSelect picks an execution container: the preferred name if discovered,
// else the first running container, else the first discovered. Empty string
// means nothing was found.
func (r *Registry) AutoSelect(ctx context.Context) string {
	containers := r.Discover(ctx, false)

	for _, c := range containers {
		if c.Name == r.preferredName {
			return c.Name
		}
	}
	for _, c := range containers {
		if strings.Contains(strings.ToLower(c.Status), "running") {
			return c.Name
		}
	}
	if len(containers) > 0 {
		return containers[0].Name
	}
	return ""
}

// CheckTool reports whether a tool binary is available inside the container.
// Results are cached per container+tool for the process lifetime; this is
// advisory only, executions are never gated on it.
func (r *Registry) CheckTool(ctx context.Context, containerName, tool string) bool {
	if containerName == "" || r.runtime == nil {
		return false
	}

	key := containerName + ":" + tool
	r.toolMu.Lock()
	if avail, ok := r.toolCache[key]; ok {
		r.toolMu.Unlock()
		return avail
	}
	r.toolMu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	res, err := r.runtime.Exec(execCtx, containerName,
		fmt.Sprintf("source /root/.bashrc 2>/dev/null && which %s", tool))
	available := err == nil && res.ExitCode == 0

	r.toolMu.Lock()
	r.toolCache[key] = available
	r.toolMu.Unlock()
	return available
}
