package nftables

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/brand"
	"holt.is/bulwark/internal/policy"
)

var (
	tableRe   = regexp.MustCompile(`^table\s+(\w+)\s+(\S+)\s*\{`)
	chainRe   = regexp.MustCompile(`^chain\s+(\S+)\s*\{`)
	setRe     = regexp.MustCompile(`^set\s+(\S+)\s*\{`)
	handleRe  = regexp.MustCompile(`#\s*handle\s+(\d+)\s*$`)
	idRe      = regexp.MustCompile(`comment\s+"id:([0-9a-fA-F-]{36})`)
	commentRe = regexp.MustCompile(`comment\s+"([^"]*)"`)
	saddrRe   = regexp.MustCompile(`\bip6?\s+saddr\s+(@?\S+)`)
	daddrRe   = regexp.MustCompile(`\bip6?\s+daddr\s+(@?\S+)`)
	sportRe   = regexp.MustCompile(`\b(tcp|udp)\s+sport\s+(\{[^}]*\}|\S+)`)
	dportRe   = regexp.MustCompile(`\b(tcp|udp)\s+dport\s+(\{[^}]*\}|\S+)`)
	protoRe   = regexp.MustCompile(`\b(?:meta\s+l4proto\s+)?(tcp|udp|icmp)\b`)
	actionRe  = regexp.MustCompile(`\b(accept|drop|reject)\b`)
	rateRe    = regexp.MustCompile(`limit\s+rate\s+(\d+)/(second|minute|hour)`)
	elemsRe   = regexp.MustCompile(`elements\s*=\s*\{([^}]*)\}`)
)

// parseRuleset walks `nft list ruleset` output and extracts the rules of
// the owned table: discrete rules within its chains, and block set
// elements. Skeleton lines (chain headers, set-match drops) are not
// reported.
func parseRuleset(output, backendName string) []backend.RenderedRule {
	var rules []backend.RenderedRule
	var inOwnTable bool
	var chain, set string
	var setBody strings.Builder
	depth := 0

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m := tableRe.FindStringSubmatch(line); m != nil {
			inOwnTable = m[1] == "inet" && m[2] == brand.TableName
			depth = 1
			continue
		}
		if !inOwnTable {
			continue
		}
		if m := chainRe.FindStringSubmatch(line); m != nil {
			chain = m[1]
			depth++
			continue
		}
		if m := setRe.FindStringSubmatch(line); m != nil {
			set = m[1]
			setBody.Reset()
			depth++
			continue
		}
		if line == "}" {
			depth--
			switch depth {
			case 1:
				if set != "" {
					rules = append(rules, elementRules(setBody.String(), set, backendName)...)
				}
				chain, set = "", ""
			case 0:
				inOwnTable = false
			}
			continue
		}
		if set != "" {
			setBody.WriteString(line)
			setBody.WriteByte(' ')
			continue
		}
		if chain == "" || skeletonLine(line) {
			continue
		}
		text := fmt.Sprintf("add rule inet %s %s %s", brand.TableName, chain, stripHandle(line))
		id := ""
		if m := idRe.FindStringSubmatch(line); m != nil {
			id = strings.ToLower(m[1])
		}
		rules = append(rules, backend.RenderedRule{RuleID: id, Backend: backendName, Text: text})
	}
	return rules
}

func skeletonLine(line string) bool {
	if strings.HasPrefix(line, "type ") || strings.HasPrefix(line, "policy ") {
		return true
	}
	// The built-in set-match drops are infrastructure, not policy.
	return strings.Contains(line, "@"+blockSetV4) || strings.Contains(line, "@"+blockSetV6)
}

func stripHandle(line string) string {
	return strings.TrimSpace(handleRe.ReplaceAllString(line, ""))
}

func elementRules(body, set, backendName string) []backend.RenderedRule {
	m := elemsRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	var out []backend.RenderedRule
	for _, elem := range strings.Split(m[1], ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		out = append(out, backend.RenderedRule{
			Backend: backendName,
			Text:    fmt.Sprintf("add element inet %s %s { %s }", brand.TableName, set, elem),
		})
	}
	return out
}

// findHandle locates the chain and kernel handle of the rule carrying the
// given id comment in `nft -a list table` output.
func findHandle(output, ruleID string) (chain string, handle int, ok bool) {
	current := ""
	needle := "id:" + strings.ToLower(ruleID)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if m := chainRe.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		if m := handleRe.FindStringSubmatch(line); m != nil {
			h, err := strconv.Atoi(m[1])
			if err == nil {
				return current, h, true
			}
		}
	}
	return "", 0, false
}

// liftRule converts a rendered rule back into the neutral model,
// best-effort. Features the model cannot express come back as warnings.
func liftRule(r backend.RenderedRule) backend.ImportedRule {
	if set, elem, ok := parseElementOp(r.Text); ok {
		rule := policy.Rule{
			ID:        uuid.NewString(),
			Family:    familyOfAddr(elem),
			Direction: policy.DirectionInput,
			Action:    policy.ActionDrop,
			Protocol:  policy.ProtoAny,
			Source:    policy.Subject{CIDR: elem},
			Origin:    policy.OriginImported,
		}
		rule.Canonicalize()
		return backend.ImportedRule{
			Rule:     rule,
			Warnings: []string{fmt.Sprintf("lifted from %s set element; original rule id unknown", set)},
		}
	}

	text := r.Text
	// Match conditions and the verdict never live inside the comment;
	// strip it so comment words cannot masquerade as actions.
	bare := commentRe.ReplaceAllString(text, "")
	var warnings []string
	rule := policy.Rule{
		ID:       r.RuleID,
		Family:   policy.FamilyBoth,
		Protocol: policy.ProtoAny,
		Origin:   policy.OriginImported,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		warnings = append(warnings, "rule carries no id comment; assigned a fresh id")
	}

	fields := strings.Fields(text)
	if len(fields) >= 5 && fields[0] == "add" && fields[1] == "rule" {
		switch fields[4] {
		case "input":
			rule.Direction = policy.DirectionInput
		case "output":
			rule.Direction = policy.DirectionOutput
		case "forward":
			rule.Direction = policy.DirectionForward
		default:
			rule.Direction = policy.DirectionInput
			warnings = append(warnings, fmt.Sprintf("chain %q has no direction equivalent", fields[4]))
		}
	}

	switch {
	case strings.Contains(bare, "meta nfproto ipv4"):
		rule.Family = policy.FamilyIPv4
	case strings.Contains(bare, "meta nfproto ipv6"):
		rule.Family = policy.FamilyIPv6
	}
	if m := saddrRe.FindStringSubmatch(bare); m != nil {
		rule.Source = subjectFromToken(m[1])
	}
	if m := daddrRe.FindStringSubmatch(bare); m != nil {
		rule.Destination = subjectFromToken(m[1])
	}
	if m := protoRe.FindStringSubmatch(bare); m != nil {
		rule.Protocol = policy.Protocol(m[1])
	}
	if m := sportRe.FindStringSubmatch(bare); m != nil {
		rule.Protocol = policy.Protocol(m[1])
		if ps, err := portSpecFromToken(m[2]); err == nil {
			rule.SourcePorts = ps
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	if m := dportRe.FindStringSubmatch(bare); m != nil {
		rule.Protocol = policy.Protocol(m[1])
		if ps, err := portSpecFromToken(m[2]); err == nil {
			rule.DestPorts = ps
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	if m := actionRe.FindStringSubmatch(bare); m != nil {
		rule.Action = policy.Action(m[1])
	} else {
		rule.Action = policy.ActionDrop
		warnings = append(warnings, "no recognizable verdict; defaulted to drop")
	}
	if m := rateRe.FindStringSubmatch(bare); m != nil {
		count, _ := strconv.Atoi(m[1])
		rule.RateLimit = &policy.RateLimit{Count: count, Window: windowOf(m[2])}
	}
	if strings.Contains(bare, "ct state") {
		rule.Stateful = true
	}
	if strings.Contains(bare, "log prefix") {
		rule.Log = true
	}
	if m := commentRe.FindStringSubmatch(text); m != nil {
		comment := m[1]
		if rest, found := strings.CutPrefix(comment, "id:"); found {
			if sp := strings.IndexByte(rest, ' '); sp >= 0 {
				rule.Comment = rest[sp+1:]
			}
		} else {
			rule.Comment = comment
		}
	}
	if rule.Action == policy.ActionAccept {
		// Imported accepts keep their origin; the user-origin invariant
		// binds authored rules, not lifted observations.
		rule.Origin = policy.OriginImported
	}
	rule.Canonicalize()
	return backend.ImportedRule{Rule: rule, Warnings: warnings}
}

func subjectFromToken(tok string) policy.Subject {
	if name, ok := strings.CutPrefix(tok, "@"); ok {
		return policy.Subject{Set: name}
	}
	return policy.Subject{CIDR: tok}
}

func portSpecFromToken(tok string) (*policy.PortSpec, error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "{") {
		inner := strings.Trim(tok, "{} ")
		var list []int
		for _, part := range strings.Split(inner, ",") {
			p, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("unparseable port list %q", tok)
			}
			list = append(list, p)
		}
		return &policy.PortSpec{List: list}, nil
	}
	if lo, hi, found := strings.Cut(tok, "-"); found {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("unparseable port range %q", tok)
		}
		return &policy.PortSpec{Range: &policy.PortRange{Lo: l, Hi: h}}, nil
	}
	p, err := strconv.Atoi(tok)
	if err != nil {
		return nil, fmt.Errorf("unparseable port %q", tok)
	}
	return &policy.PortSpec{List: []int{p}}, nil
}

func familyOfAddr(addr string) policy.Family {
	if strings.Contains(addr, ":") {
		return policy.FamilyIPv6
	}
	return policy.FamilyIPv4
}

func windowOf(unit string) time.Duration {
	switch unit {
	case "hour":
		return time.Hour
	case "minute":
		return time.Minute
	default:
		return time.Second
	}
}
