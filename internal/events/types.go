// Package events carries the security event stream from log sources to
// the correlator, the store and any subscribed consumers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of a security event.
type Kind string

const (
	KindAuthFail      Kind = "auth-fail"
	KindPortScanHit   Kind = "port-scan-hit"
	KindRateAnomaly   Kind = "rate-anomaly"
	KindFeedIndicator Kind = "feed-indicator"
	KindFirewallHit   Kind = "firewall-hit"
	KindDropCount     Kind = "drop-count"
	KindModeSwitch    Kind = "mode-switch"
	KindSourceError   Kind = "source-error"
)

// Severity orders events for backpressure decisions.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseSeverity maps the string form back; unknown strings are low.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SecurityEvent is one immutable observation.
type SecurityEvent struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Target     string    `json:"target,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Raw        string    `json:"raw,omitempty"`

	// CausalTag names the deployment whose effect plausibly produced
	// this event; the correlator will not re-score tagged events.
	CausalTag string `json:"causal_tag,omitempty"`

	// Seq is assigned by the store on persistence and is the resume
	// cursor for subscriptions.
	Seq int64 `json:"seq,omitempty"`
}

// New creates an event with a fresh id and the given observation time.
func New(source string, kind Kind, severity Severity, observed time.Time) SecurityEvent {
	return SecurityEvent{
		ID:         uuid.NewString(),
		Source:     source,
		Kind:       kind,
		Severity:   severity,
		ObservedAt: observed,
	}
}
