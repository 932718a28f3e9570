package nftables

import (
	"fmt"
	"strconv"
	"strings"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/brand"
	"holt.is/bulwark/internal/policy"
)

// Set names for the fast block path. Bare-address drop rules are rendered
// as set elements so delta application preserves conntrack state.
const (
	blockSetV4 = "block_v4"
	blockSetV6 = "block_v6"
)

// Render converts a policy rule to nft statement text. Pure function.
func (a *Adapter) Render(rule policy.Rule) (backend.RenderedRule, error) {
	rule.Canonicalize()
	if err := rule.Validate(); err != nil {
		return backend.RenderedRule{}, backend.NewError(backend.KindSyntax, a.Name(), "render", err)
	}

	if set, elem, ok := blockElement(rule); ok {
		return backend.RenderedRule{
			RuleID:  rule.ID,
			Backend: a.Name(),
			Text:    fmt.Sprintf("add element inet %s %s { %s }", brand.TableName, set, elem),
		}, nil
	}

	stmt, err := renderStatement(rule)
	if err != nil {
		return backend.RenderedRule{}, backend.NewError(backend.KindSyntax, a.Name(), "render", err)
	}
	text := fmt.Sprintf("add rule inet %s %s %s", brand.TableName, chainFor(rule.Direction), stmt)
	return backend.RenderedRule{RuleID: rule.ID, Backend: a.Name(), Text: text}, nil
}

// blockElement reports whether a rule is a plain source-address drop that
// can live in the block set instead of a discrete rule.
func blockElement(r policy.Rule) (set, elem string, ok bool) {
	if r.Action != policy.ActionDrop || r.Direction != policy.DirectionInput {
		return "", "", false
	}
	if r.Protocol != policy.ProtoAny || !r.SourcePorts.IsZero() || !r.DestPorts.IsZero() {
		return "", "", false
	}
	if !r.Destination.IsZero() || r.Source.CIDR == "" || r.RateLimit != nil || r.Log {
		return "", "", false
	}
	ipnet := r.Source.IPNet()
	if ipnet == nil {
		return "", "", false
	}
	if ipnet.IP.To4() != nil {
		return blockSetV4, r.Source.CIDR, true
	}
	return blockSetV6, r.Source.CIDR, true
}

// renderStatement builds the body of one rule inside the bulwark table.
func renderStatement(r policy.Rule) (string, error) {
	var parts []string

	switch r.Family {
	case policy.FamilyIPv4:
		parts = append(parts, "meta nfproto ipv4")
	case policy.FamilyIPv6:
		parts = append(parts, "meta nfproto ipv6")
	}

	addrKw := func(sub policy.Subject, which string) []string {
		if sub.IsZero() {
			return nil
		}
		fam := "ip"
		if ipnet := sub.IPNet(); ipnet != nil && ipnet.IP.To4() == nil {
			fam = "ip6"
		}
		if sub.Set != "" {
			return []string{fmt.Sprintf("%s %s @%s", fam, which, sub.Set)}
		}
		return []string{fmt.Sprintf("%s %s %s", fam, which, sub.CIDR)}
	}
	parts = append(parts, addrKw(r.Source, "saddr")...)
	parts = append(parts, addrKw(r.Destination, "daddr")...)

	if r.Protocol == policy.ProtoICMP {
		parts = append(parts, "meta l4proto { icmp, ipv6-icmp }")
	}
	if r.Protocol == policy.ProtoTCP || r.Protocol == policy.ProtoUDP {
		proto := string(r.Protocol)
		if !r.SourcePorts.IsZero() {
			parts = append(parts, fmt.Sprintf("%s sport %s", proto, portExpr(r.SourcePorts)))
		}
		if !r.DestPorts.IsZero() {
			parts = append(parts, fmt.Sprintf("%s dport %s", proto, portExpr(r.DestPorts)))
		} else if r.SourcePorts.IsZero() {
			parts = append(parts, fmt.Sprintf("meta l4proto %s", proto))
		}
	}

	if r.Stateful && r.Action == policy.ActionAccept {
		parts = append(parts, "ct state new,established")
	}
	if r.RateLimit != nil {
		parts = append(parts, fmt.Sprintf("limit rate %d/%s",
			r.RateLimit.Count, rateUnit(r.RateLimit)))
	}
	if r.Log {
		parts = append(parts, fmt.Sprintf(`log prefix "%s-%s: "`, brand.LowerName, r.Action))
	}

	comment := "id:" + r.ID
	if r.Comment != "" {
		comment += " " + r.Comment
	}
	parts = append(parts, fmt.Sprintf("comment %q", comment))

	parts = append(parts, string(r.Action))
	return strings.Join(parts, " "), nil
}

func portExpr(p *policy.PortSpec) string {
	if p.Range != nil {
		return fmt.Sprintf("%d-%d", p.Range.Lo, p.Range.Hi)
	}
	if len(p.List) == 1 {
		return strconv.Itoa(p.List[0])
	}
	strs := make([]string, len(p.List))
	for i, port := range p.List {
		strs[i] = strconv.Itoa(port)
	}
	return "{ " + strings.Join(strs, ", ") + " }"
}

func rateUnit(rl *policy.RateLimit) string {
	switch {
	case rl.Window.Hours() >= 1:
		return "hour"
	case rl.Window.Minutes() >= 1:
		return "minute"
	default:
		return "second"
	}
}

// chainFor maps a rule direction to the owned chain name.
func chainFor(d policy.Direction) string {
	switch d {
	case policy.DirectionOutput:
		return "output"
	case policy.DirectionForward:
		return "forward"
	default:
		return "input"
	}
}
