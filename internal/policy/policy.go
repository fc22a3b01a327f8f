// Package policy decides whether a command executes immediately or must be
// queued for human approval. Classification is a pure function of the
// command text and a config snapshot.
package policy

import "strings"

// Mode is the process-wide execution mode.
type Mode string

const (
	ModeOpen   Mode = "open"   // run everything
	ModeFilter Mode = "filter" // run unless a keyword matches
	ModeClosed Mode = "closed" // always require approval
)

// ValidMode reports whether s names a known execution mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeOpen, ModeFilter, ModeClosed:
		return true
	}
	return false
}

// Config is a snapshot of the mutable policy settings. Components read a
// fresh snapshot before each decision; nothing here is cached by the engine.
type Config struct {
	Mode           Mode     `json:"execution_mode"`
	FilterKeywords []string `json:"filter_keywords"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Decision is the outcome of classifying one command.
type Decision struct {
	RequireApproval bool
	MatchedKeywords []string
}

// Classify tests command against cfg. In filter mode the command is
// lower-cased and each keyword tested as a substring; every matching keyword
// is reported.
func Classify(command string, cfg Config) Decision {
	switch cfg.Mode {
	case ModeClosed:
		return Decision{RequireApproval: true}
	case ModeFilter:
		lower := strings.ToLower(command)
		var matched []string
		for _, kw := range cfg.FilterKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > 0 {
			return Decision{RequireApproval: true, MatchedKeywords: matched}
		}
		return Decision{}
	default: // open
		return Decision{}
	}
}
