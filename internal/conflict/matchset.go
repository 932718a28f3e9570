package conflict

import (
	"net"

	"holt.is/bulwark/internal/policy"
)

// The match-set algebra: each rule constrains (family, direction,
// src-addr, dst-addr, protocol, src-ports, dst-ports, stateful, rate).
// Two rules overlap iff every dimension intersects; rule A is subsumed by
// rule B iff every dimension of A is contained in B's.

func familiesIntersect(a, b policy.Family) bool {
	if a == policy.FamilyBoth || b == policy.FamilyBoth {
		return true
	}
	return a == b
}

func familySubset(a, b policy.Family) bool {
	return b == policy.FamilyBoth || a == b
}

// subjectsIntersect treats wildcard subjects as universal and symbolic
// sets as opaque: a set may contain anything, so it is assumed to
// intersect unless both sides are concrete CIDRs that do not overlap.
func subjectsIntersect(a, b policy.Subject) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	if a.Set != "" || b.Set != "" {
		if a.Set != "" && b.Set != "" {
			return a.Set == b.Set
		}
		return true
	}
	an, bn := a.IPNet(), b.IPNet()
	if an == nil || bn == nil {
		return true
	}
	return cidrsOverlap(an, bn)
}

// subjectSubset reports a ⊆ b. Opaque sets are only contained in
// themselves or in the wildcard.
func subjectSubset(a, b policy.Subject) bool {
	if b.IsZero() {
		return true
	}
	if a.IsZero() {
		return false
	}
	if a.Set != "" || b.Set != "" {
		return a.Set == b.Set
	}
	an, bn := a.IPNet(), b.IPNet()
	if an == nil || bn == nil {
		return false
	}
	return cidrContains(bn, an)
}

func cidrsOverlap(a, b *net.IPNet) bool {
	if (a.IP.To4() != nil) != (b.IP.To4() != nil) {
		return false
	}
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// cidrContains reports whether outer fully contains inner.
func cidrContains(outer, inner *net.IPNet) bool {
	if (outer.IP.To4() != nil) != (inner.IP.To4() != nil) {
		return false
	}
	outerOnes, _ := outer.Mask.Size()
	innerOnes, _ := inner.Mask.Size()
	return outerOnes <= innerOnes && outer.Contains(inner.IP)
}

func protocolsIntersect(a, b policy.Protocol) bool {
	if a == policy.ProtoAny || b == policy.ProtoAny {
		return true
	}
	return a == b
}

func protocolSubset(a, b policy.Protocol) bool {
	return b == policy.ProtoAny || a == b
}

// portIntervals flattens a PortSpec into sorted inclusive intervals.
// A nil spec is the full range.
func portIntervals(p *policy.PortSpec) [][2]int {
	if p.IsZero() {
		return [][2]int{{1, 65535}}
	}
	if p.Range != nil {
		return [][2]int{{p.Range.Lo, p.Range.Hi}}
	}
	iv := make([][2]int, 0, len(p.List))
	for _, port := range p.List {
		iv = append(iv, [2]int{port, port})
	}
	return iv
}

func portsIntersect(a, b *policy.PortSpec) bool {
	for _, x := range portIntervals(a) {
		for _, y := range portIntervals(b) {
			if x[0] <= y[1] && y[0] <= x[1] {
				return true
			}
		}
	}
	return false
}

func portsSubset(a, b *policy.PortSpec) bool {
	for _, x := range portIntervals(a) {
		covered := false
		for _, y := range portIntervals(b) {
			if y[0] <= x[0] && x[1] <= y[1] {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// statefulSubset: a stateful rule matches tracked flows only, a subset of
// what the stateless form matches.
func statefulSubset(a, b bool) bool { return !b || a }

// rateSubset: a rate-limited rule acts on at most its budget, a subset of
// the unlimited rule's packets.
func rateSubset(a, b *policy.RateLimit) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	return *a == *b
}

// overlaps reports whether the two rules can match a common packet.
func overlaps(a, b policy.Rule) bool {
	return a.Direction == b.Direction &&
		familiesIntersect(a.Family, b.Family) &&
		subjectsIntersect(a.Source, b.Source) &&
		subjectsIntersect(a.Destination, b.Destination) &&
		protocolsIntersect(a.Protocol, b.Protocol) &&
		portsIntersect(a.SourcePorts, b.SourcePorts) &&
		portsIntersect(a.DestPorts, b.DestPorts)
}

// subsumes reports whether inner's match-set is fully contained in
// outer's.
func subsumes(outer, inner policy.Rule) bool {
	return inner.Direction == outer.Direction &&
		familySubset(inner.Family, outer.Family) &&
		subjectSubset(inner.Source, outer.Source) &&
		subjectSubset(inner.Destination, outer.Destination) &&
		protocolSubset(inner.Protocol, outer.Protocol) &&
		portsSubset(inner.SourcePorts, outer.SourcePorts) &&
		portsSubset(inner.DestPorts, outer.DestPorts) &&
		statefulSubset(inner.Stateful, outer.Stateful) &&
		rateSubset(inner.RateLimit, outer.RateLimit)
}
