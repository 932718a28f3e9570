// Package policy defines the backend-neutral firewall rule model.
//
// A Rule captures intent only; rendering to a concrete ruleset syntax is
// the job of the active backend adapter. Rules are value types: validate
// once at the boundary, canonicalize for comparison, then treat as
// immutable.
package policy

import (
	"time"

	"github.com/google/uuid"
)

// Family selects the address family a rule applies to.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
	FamilyBoth Family = "both"
)

// Direction is the traffic direction a rule matches.
type Direction string

const (
	DirectionInput   Direction = "input"
	DirectionOutput  Direction = "output"
	DirectionForward Direction = "forward"
)

// Action is the verdict applied to matching traffic.
type Action string

const (
	ActionDrop   Action = "drop"
	ActionReject Action = "reject"
	ActionAccept Action = "accept"
)

// Protocol is the transport protocol match.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
	ProtoAny  Protocol = "any"
)

// Origin records who authored a rule.
type Origin string

const (
	OriginUser          Origin = "user"
	OriginDaemonAuto    Origin = "daemon-auto"
	OriginDaemonPropose Origin = "daemon-propose"
	OriginImported      Origin = "imported"
)

// Subject is an address match: a bare IP, a CIDR, or a symbolic set name
// maintained by the adapter. At most one field is set; a subject with
// neither matches any address.
type Subject struct {
	CIDR string `json:"cidr,omitempty"`
	Set  string `json:"set,omitempty"`
}

// IsZero reports whether the subject matches everything.
func (s Subject) IsZero() bool { return s.CIDR == "" && s.Set == "" }

// PortSpec matches ports as a single value, an inclusive range, or a list.
// List and Range are mutually exclusive; a single port is a one-element
// list after canonicalization.
type PortSpec struct {
	List  []int      `json:"list,omitempty"`
	Range *PortRange `json:"range,omitempty"`
}

// PortRange is an inclusive port interval.
type PortRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// IsZero reports whether the spec matches any port.
func (p *PortSpec) IsZero() bool {
	return p == nil || (len(p.List) == 0 && p.Range == nil)
}

// RateLimit expresses "at most Count packets per Window".
type RateLimit struct {
	Count  int           `json:"count"`
	Window time.Duration `json:"window"`
}

// Rule is the backend-neutral representation of one firewall rule.
type Rule struct {
	ID          string     `json:"id"`
	Family      Family     `json:"family"`
	Direction   Direction  `json:"direction"`
	Action      Action     `json:"action"`
	Source      Subject    `json:"source,omitempty"`
	Destination Subject    `json:"destination,omitempty"`
	Protocol    Protocol   `json:"protocol"`
	SourcePorts *PortSpec  `json:"source_ports,omitempty"`
	DestPorts   *PortSpec  `json:"dest_ports,omitempty"`
	Stateful    bool       `json:"stateful"`
	RateLimit   *RateLimit `json:"rate_limit,omitempty"`
	Log         bool       `json:"log"`
	Priority    int        `json:"priority"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Origin      Origin     `json:"origin"`
	Comment     string     `json:"comment,omitempty"`
}

// New returns a rule with a fresh id and the model defaults applied.
func New(action Action, direction Direction) Rule {
	r := Rule{
		ID:        uuid.NewString(),
		Family:    FamilyBoth,
		Direction: direction,
		Action:    action,
		Protocol:  ProtoAny,
		Origin:    OriginUser,
	}
	if action == ActionAccept {
		r.Stateful = true
	}
	return r
}

// Expired reports whether the rule has an expiry in the past.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
