package policy

import (
	"net"
	"slices"
	"strings"
)

// Canonicalize normalizes a rule in place so that two rules expressing the
// same match compare equal: CIDRs are masked to their network address,
// port lists are sorted and deduplicated, one-element ranges become
// single-port lists, and the protocol is case-folded.
func (r *Rule) Canonicalize() {
	r.Protocol = Protocol(strings.ToLower(string(r.Protocol)))
	r.Source = r.Source.canonical()
	r.Destination = r.Destination.canonical()
	r.SourcePorts = r.SourcePorts.canonical()
	r.DestPorts = r.DestPorts.canonical()
}

func (s Subject) canonical() Subject {
	if s.CIDR == "" {
		return s
	}
	ipnet := s.IPNet()
	if ipnet == nil {
		return s
	}
	masked := &net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask}
	return Subject{CIDR: masked.String()}
}

func (p *PortSpec) canonical() *PortSpec {
	if p.IsZero() {
		return nil
	}
	if p.Range != nil {
		if p.Range.Lo == p.Range.Hi {
			return &PortSpec{List: []int{p.Range.Lo}}
		}
		return &PortSpec{Range: &PortRange{Lo: p.Range.Lo, Hi: p.Range.Hi}}
	}
	list := slices.Clone(p.List)
	slices.Sort(list)
	list = slices.Compact(list)
	return &PortSpec{List: list}
}

// MatchEqual reports whether two rules have identical match fields after
// canonicalization. Action, priority and metadata are ignored; this is
// the deduplication equality from the model contract.
func MatchEqual(a, b Rule) bool {
	a.Canonicalize()
	b.Canonicalize()
	return a.Family == b.Family &&
		a.Direction == b.Direction &&
		a.Protocol == b.Protocol &&
		a.Source == b.Source &&
		a.Destination == b.Destination &&
		portsEqual(a.SourcePorts, b.SourcePorts) &&
		portsEqual(a.DestPorts, b.DestPorts) &&
		a.Stateful == b.Stateful &&
		rateEqual(a.RateLimit, b.RateLimit)
}

// Equal reports full equality: match fields plus action.
func Equal(a, b Rule) bool {
	return a.Action == b.Action && MatchEqual(a, b)
}

func portsEqual(a, b *PortSpec) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	if (a.Range == nil) != (b.Range == nil) {
		return false
	}
	if a.Range != nil {
		return *a.Range == *b.Range
	}
	return slices.Equal(a.List, b.List)
}

func rateEqual(a, b *RateLimit) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
