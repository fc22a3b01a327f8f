// Package settings exposes the mutable platform settings as typed values
// with a short-lived read cache. Values live in the store's key/value table
// so they survive restarts and are shared across replicas.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/policy"
	"pentest-command-gateway/internal/storage"
)

// Setting keys. The value column is always text; typed getters parse it.
const (
	KeyExecutionMode   = "command_execution_mode"
	KeyFilterKeywords  = "command_filter_keywords"
	KeyTimeoutSeconds  = "command_timeout_seconds"
	KeyOutputMaxLength = "output_max_length"
	KeyHistoryLimit    = "command_history_limit"
)

// Defaults applied when a key is absent or unparseable.
const (
	DefaultMode           = policy.ModeOpen
	DefaultTimeoutSeconds = 30
	DefaultOutputMax      = 5000
	DefaultHistoryLimit   = 10
)

// DefaultFilterKeywords returns a fresh copy of the built-in keyword list.
func DefaultFilterKeywords() []string {
	return []string{"rm", "delete", "drop", "truncate", "sudo", "chmod", "chown", "mkfs", "dd", "format"}
}

const cacheTTL = 60 * time.Second

type cachedValue struct {
	value     string
	found     bool
	fetchedAt time.Time
}

// Provider reads settings through a per-key TTL cache. Writes go straight to
// the store and invalidate the key, so a writer observes its own update
// immediately; other replicas converge within the TTL.
type Provider struct {
	store storage.Store

	mu    sync.Mutex
	cache map[string]cachedValue
}

func NewProvider(store storage.Store) *Provider {
	return &Provider{
		store: store,
		cache: make(map[string]cachedValue),
	}
}

// get returns the raw value and whether the key exists. Store errors other
// than not-found are logged and treated as absent, so a flaky database
// degrades the gateway to defaults instead of failing requests.
func (p *Provider) get(ctx context.Context, key string) (string, bool) {
	p.mu.Lock()
	if c, ok := p.cache[key]; ok && time.Since(c.fetchedAt) < cacheTTL {
		p.mu.Unlock()
		return c.value, c.found
	}
	p.mu.Unlock()

	value, err := p.store.GetSetting(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("key", key).Msg("settings read failed, using default")
		return "", false
	}

	p.mu.Lock()
	p.cache[key] = cachedValue{value: value, found: found, fetchedAt: time.Now()}
	p.mu.Unlock()
	return value, found
}

// Set persists a value and invalidates the cached entry.
func (p *Provider) Set(ctx context.Context, key, value, description string) error {
	if err := p.store.PutSetting(ctx, key, value, description); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
	return nil
}

// Invalidate drops all cached entries.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cache = make(map[string]cachedValue)
	p.mu.Unlock()
}

// ExecutionMode returns the current mode, falling back to open on unknown
// values.
func (p *Provider) ExecutionMode(ctx context.Context) policy.Mode {
	v, ok := p.get(ctx, KeyExecutionMode)
	if !ok || !policy.ValidMode(v) {
		if ok {
			log.Warn().Str("value", v).Msg("unknown execution mode, defaulting to open")
		}
		return DefaultMode
	}
	return policy.Mode(v)
}

// FilterKeywords returns the configured keyword list (stored as a JSON
// array), or the built-in default.
func (p *Provider) FilterKeywords(ctx context.Context) []string {
	v, ok := p.get(ctx, KeyFilterKeywords)
	if !ok {
		return DefaultFilterKeywords()
	}
	var keywords []string
	if err := json.Unmarshal([]byte(v), &keywords); err != nil {
		log.Warn().Err(err).Msg("unparseable filter keywords, using defaults")
		return DefaultFilterKeywords()
	}
	return keywords
}

// TimeoutSeconds returns the pending-command approval timeout.
func (p *Provider) TimeoutSeconds(ctx context.Context) int {
	return p.intSetting(ctx, KeyTimeoutSeconds, DefaultTimeoutSeconds)
}

// OutputMaxLength returns the per-stream output cap in characters.
func (p *Provider) OutputMaxLength(ctx context.Context) int {
	return p.intSetting(ctx, KeyOutputMaxLength, DefaultOutputMax)
}

// HistoryLimit returns how many recent commands to include in context views.
func (p *Provider) HistoryLimit(ctx context.Context) int {
	return p.intSetting(ctx, KeyHistoryLimit, DefaultHistoryLimit)
}

func (p *Provider) intSetting(ctx context.Context, key string, fallback int) int {
	v, ok := p.get(ctx, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer setting, using default")
		return fallback
	}
	return n
}

// Policy assembles a policy snapshot from the individual settings.
func (p *Provider) Policy(ctx context.Context) policy.Config {
	return policy.Config{
		Mode:           p.ExecutionMode(ctx),
		FilterKeywords: p.FilterKeywords(ctx),
		TimeoutSeconds: p.TimeoutSeconds(ctx),
	}
}
