package autonomy

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/correlate"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/policy"
)

// Autonomous rules are produced by these deterministic templates and
// nothing else. No model output ever becomes rule text.

// ErrCIDRTooBroad refuses subjects wider than the configured maximum.
type ErrCIDRTooBroad struct {
	Subject string
	Max     int
}

func (e *ErrCIDRTooBroad) Error() string {
	return fmt.Sprintf("subject %s broader than /%d maximum", e.Subject, e.Max)
}

// buildRule instantiates the template for an assessment. The subject
// narrows to a host address unless the evidence is a CIDR, which must
// not be broader than maxCIDR (equal is accepted).
func buildRule(a correlate.Assessment, maxCIDR int) (policy.Rule, error) {
	subject, family, err := narrowSubject(a.Subject, maxCIDR)
	if err != nil {
		return policy.Rule{}, err
	}

	r := policy.New(policy.ActionDrop, policy.DirectionInput)
	r.Origin = policy.OriginDaemonAuto
	r.Family = family
	r.Source = policy.Subject{CIDR: subject}
	r.Comment = "assessment:" + a.ID
	ttl := a.ExpiresSuggest
	if ttl <= 0 {
		ttl = defaultTTL
	}
	expires := clock.Now().Add(ttl)
	r.ExpiresAt = &expires

	switch a.Kind {
	case events.KindAuthFail:
		// Brute force: scope to the attacked service port when the
		// evidence agrees on one.
		if port, ok := singlePort(a.Ports); ok {
			r.Protocol = policy.ProtoTCP
			r.DestPorts = &policy.PortSpec{List: []int{port}}
		}
	case events.KindPortScanHit, events.KindRateAnomaly, events.KindFeedIndicator:
		// Whole-host drops; a scanner or feed-listed host gets no
		// protocol carve-outs.
	default:
		return policy.Rule{}, fmt.Errorf("no response template for threat kind %q", a.Kind)
	}

	r.Canonicalize()
	if err := r.Validate(); err != nil {
		return policy.Rule{}, fmt.Errorf("templated rule invalid: %w", err)
	}
	return r, nil
}

// narrowSubject canonicalizes the subject, preferring /32 (/128), and
// enforces the CIDR breadth ceiling.
func narrowSubject(subject string, maxCIDR int) (string, policy.Family, error) {
	if ip := net.ParseIP(subject); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String() + "/32", policy.FamilyIPv4, nil
		}
		return ip.String() + "/128", policy.FamilyIPv6, nil
	}
	_, ipnet, err := net.ParseCIDR(subject)
	if err != nil {
		return "", "", fmt.Errorf("unusable subject %q: %w", subject, err)
	}
	ones, bits := ipnet.Mask.Size()
	limit := maxCIDR
	if bits == 128 {
		// Scale the v4 ceiling into v6 space.
		limit = maxCIDR + 96
	}
	if ones < limit {
		return "", "", &ErrCIDRTooBroad{Subject: subject, Max: maxCIDR}
	}
	fam := policy.FamilyIPv4
	if bits == 128 {
		fam = policy.FamilyIPv6
	}
	return ipnet.String(), fam, nil
}

// singlePort reports the single port all evidence targets, if any.
func singlePort(targets []string) (int, bool) {
	port := 0
	for _, t := range targets {
		p, err := strconv.Atoi(t)
		if err != nil || p < 1 || p > 65535 {
			return 0, false
		}
		if port == 0 {
			port = p
		} else if port != p {
			return 0, false
		}
	}
	return port, port != 0
}

// defaultTTL is the fallback when an assessment has no suggestion.
const defaultTTL = time.Hour
