// Package backend defines the contract every firewall backend adapter
// implements, plus the in-process adapter registry.
//
// Adapters translate the neutral policy model into one concrete ruleset
// syntax and drive the corresponding kernel subsystem. Everything outside
// an adapter treats RenderedRule text as opaque.
package backend

import (
	"context"

	"holt.is/bulwark/internal/policy"
)

// EvaluationOrder is how the backend picks among overlapping rules.
type EvaluationOrder string

const (
	FirstMatch EvaluationOrder = "first-match"
	LastMatch  EvaluationOrder = "last-match"
)

// Capabilities advertises what a backend can express. The facade checks
// these before accepting a rule and rejects with a ValidationError when a
// required capability is absent.
type Capabilities struct {
	SupportsDeny          bool
	SupportsStateful      bool
	SupportsRateLimit     bool
	SupportsIPv6          bool
	SupportsPriority      bool
	SupportsAtomicReplace bool
	SupportsDeltaOps      bool
	EvaluationOrder       EvaluationOrder
}

// RenderedRule is the backend-specific text form of a policy rule.
type RenderedRule struct {
	RuleID  string `json:"rule_id"`
	Backend string `json:"backend"`
	Text    string `json:"text"`
}

// Verdict is the result of a dry-run validation.
type Verdict struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// BackupRef identifies a snapshot usable by Restore.
type BackupRef struct {
	Path      string `json:"path"`
	Checksum  string `json:"checksum"`
	TakenUnix int64  `json:"taken_unix"`
}

// ApplyReceipt reports a successful mutation of the live ruleset.
type ApplyReceipt struct {
	RulesApplied int    `json:"rules_applied"`
	Transaction  string `json:"transaction"`
}

// Delta is a single-rule mutation for backends that support delta ops.
// Delta application preserves connection-tracking state where a full
// image replace would not.
type Delta struct {
	Add    *RenderedRule `json:"add,omitempty"`
	Remove *RenderedRule `json:"remove,omitempty"`
}

// Health reports adapter reachability and writability.
type Health struct {
	Reachable bool `json:"reachable"`
	Writable  bool `json:"writable"`
}

// Image is a complete ruleset image to be applied in one transaction.
type Image struct {
	Rules []RenderedRule `json:"rules"`
}

// ImportedRule pairs a lifted rule with warnings about features the
// neutral model could not express. Warnings are reported, never silently
// dropped.
type ImportedRule struct {
	Rule     policy.Rule `json:"rule"`
	Warnings []string    `json:"warnings,omitempty"`
}

// Adapter is the contract each backend implements. All operations may
// fail with *Error carrying a Kind from this package; everything else is
// a programming error.
type Adapter interface {
	// Name is the registry key, e.g. "nftables".
	Name() string

	// Subsystem identifies the kernel facility the adapter drives, used
	// for coexistence checks (two adapters over the same subsystem cannot
	// both be active).
	Subsystem() string

	// Capabilities advertises what this backend can express.
	Capabilities() Capabilities

	// Render converts a policy rule to backend text. Pure; no side effects.
	Render(rule policy.Rule) (RenderedRule, error)

	// Validate dry-runs a rendered rule without mutating the live ruleset.
	Validate(ctx context.Context, r RenderedRule) (Verdict, error)

	// Snapshot captures the live ruleset in a form usable by Restore.
	Snapshot(ctx context.Context) (BackupRef, error)

	// ApplyAtomic replaces the live ruleset in one kernel transaction.
	// Implementations must never perform a non-atomic flush-then-load.
	ApplyAtomic(ctx context.Context, img Image) (ApplyReceipt, error)

	// ApplyDelta applies a single-rule addition or removal, preserving
	// connection-tracking state.
	ApplyDelta(ctx context.Context, d Delta) (ApplyReceipt, error)

	// Restore atomically restores the ruleset captured by Snapshot.
	Restore(ctx context.Context, ref BackupRef) error

	// ListRules returns the current active rules parsed back to text.
	ListRules(ctx context.Context) ([]RenderedRule, error)

	// ImportRules lifts the active ruleset into the neutral model,
	// best-effort.
	ImportRules(ctx context.Context) ([]ImportedRule, error)

	// Health probes reachability and writability of the backend.
	Health(ctx context.Context) (Health, error)
}
