package policy

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"holt.is/bulwark/internal/validation"
)

// ErrAcceptRequiresUser is returned when an accept rule carries a
// non-user origin. Autonomous logic may only narrow, never widen.
var ErrAcceptRequiresUser = errors.New("accept rules must have user origin")

// Validate checks structural consistency of the rule. It does not consult
// any backend; capability checks happen at the facade.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule has no id")
	}
	switch r.Family {
	case FamilyIPv4, FamilyIPv6, FamilyBoth:
	default:
		return fmt.Errorf("unknown family %q", r.Family)
	}
	switch r.Direction {
	case DirectionInput, DirectionOutput, DirectionForward:
	default:
		return fmt.Errorf("unknown direction %q", r.Direction)
	}
	switch r.Action {
	case ActionDrop, ActionReject, ActionAccept:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Action == ActionAccept && r.Origin != OriginUser {
		return ErrAcceptRequiresUser
	}
	switch r.Protocol {
	case ProtoTCP, ProtoUDP, ProtoICMP, ProtoAny:
	default:
		return fmt.Errorf("unknown protocol %q", r.Protocol)
	}
	if !r.SourcePorts.IsZero() || !r.DestPorts.IsZero() {
		if r.Protocol != ProtoTCP && r.Protocol != ProtoUDP {
			return fmt.Errorf("port match requires tcp or udp, got %q", r.Protocol)
		}
	}
	for _, sub := range []struct {
		name string
		s    Subject
	}{{"source", r.Source}, {"destination", r.Destination}} {
		if err := sub.s.validate(r.Family); err != nil {
			return fmt.Errorf("%s: %w", sub.name, err)
		}
	}
	for _, ps := range []struct {
		name string
		p    *PortSpec
	}{{"source_ports", r.SourcePorts}, {"dest_ports", r.DestPorts}} {
		if err := ps.p.validate(); err != nil {
			return fmt.Errorf("%s: %w", ps.name, err)
		}
	}
	if r.RateLimit != nil {
		if r.RateLimit.Count <= 0 {
			return errors.New("rate limit count must be positive")
		}
		if r.RateLimit.Window <= 0 {
			return errors.New("rate limit window must be positive")
		}
	}
	if err := validation.SafeComment(r.Comment); err != nil {
		return err
	}
	return nil
}

func (s Subject) validate(fam Family) error {
	if s.CIDR != "" && s.Set != "" {
		return errors.New("address and set are mutually exclusive")
	}
	if s.Set != "" {
		return validation.SetName(s.Set)
	}
	if s.CIDR == "" {
		return nil
	}
	ipnet, err := validation.HostOrCIDR(s.CIDR)
	if err != nil {
		return err
	}
	isV4 := ipnet.IP.To4() != nil
	switch fam {
	case FamilyIPv4:
		if !isV4 {
			return fmt.Errorf("ipv6 address %q in ipv4 rule", s.CIDR)
		}
	case FamilyIPv6:
		if isV4 {
			return fmt.Errorf("ipv4 address %q in ipv6 rule", s.CIDR)
		}
	}
	return nil
}

func (p *PortSpec) validate() error {
	if p == nil {
		return nil
	}
	if len(p.List) > 0 && p.Range != nil {
		return errors.New("port list and port range are mutually exclusive")
	}
	for _, port := range p.List {
		if err := validation.Port(port); err != nil {
			return err
		}
	}
	if p.Range != nil {
		if err := validation.Port(p.Range.Lo); err != nil {
			return err
		}
		if err := validation.Port(p.Range.Hi); err != nil {
			return err
		}
		if p.Range.Lo > p.Range.Hi {
			return errors.New("inverted port range")
		}
	}
	return nil
}

// IPNet returns the IP network of a subject, or nil for sets and
// wildcard subjects.
func (s Subject) IPNet() *net.IPNet {
	if s.CIDR == "" {
		return nil
	}
	ipnet, err := validation.HostOrCIDR(s.CIDR)
	if err != nil {
		return nil
	}
	return ipnet
}

// String renders the subject for logs and audit records.
func (s Subject) String() string {
	switch {
	case s.Set != "":
		return "@" + s.Set
	case s.CIDR != "":
		return s.CIDR
	default:
		return "any"
	}
}

// Describe returns a one-line human summary used in audit details.
func (r *Rule) Describe() string {
	var b strings.Builder
	b.WriteString(string(r.Action))
	b.WriteString(" ")
	b.WriteString(string(r.Direction))
	b.WriteString(" src=")
	b.WriteString(r.Source.String())
	b.WriteString(" dst=")
	b.WriteString(r.Destination.String())
	if r.Protocol != ProtoAny {
		b.WriteString(" proto=")
		b.WriteString(string(r.Protocol))
	}
	return b.String()
}
