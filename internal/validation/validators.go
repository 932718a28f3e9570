// Package validation provides input validators shared by the policy model,
// the configuration loader and the control-plane surface.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// dangerousChars are characters that could smuggle extra statements into a
// rendered ruleset or a shell transcript. Rule comments are rejected, not
// sanitized: silently rewriting a comment could change rule semantics.
const dangerousChars = ";|&$`\\\""

var (
	ifaceNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	setNameRe   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// SafeComment reports whether a free-text comment is free of control
// characters and of the delimiters used by the rendering syntax.
func SafeComment(s string) error {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("comment contains control character %q", r)
		}
		if strings.ContainsRune(dangerousChars, r) {
			return fmt.Errorf("comment contains reserved character %q", r)
		}
	}
	return nil
}

// InterfaceName validates a Linux interface name (IFNAMSIZ-1 bound).
func InterfaceName(name string) error {
	if name == "" || len(name) > 15 {
		return fmt.Errorf("invalid interface name %q", name)
	}
	if !ifaceNameRe.MatchString(name) {
		return fmt.Errorf("invalid interface name %q", name)
	}
	return nil
}

// SetName validates an nftables set or table identifier.
func SetName(name string) error {
	if name == "" || len(name) > 64 || !setNameRe.MatchString(name) {
		return fmt.Errorf("invalid set name %q", name)
	}
	return nil
}

// Port validates a single port number.
func Port(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1..65535", p)
	}
	return nil
}

// HostOrCIDR parses an address that may be a bare IP or a CIDR and returns
// the canonical CIDR form (/32 or /128 for bare addresses).
func HostOrCIDR(s string) (*net.IPNet, error) {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// PortRange parses "N" or "N-M" and returns the inclusive bounds.
func PortRange(s string) (lo, hi int, err error) {
	if a, b, ok := strings.Cut(s, "-"); ok {
		lo, err = strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q", s)
		}
		hi, err = strconv.Atoi(strings.TrimSpace(b))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q", s)
		}
	} else {
		lo, err = strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", s)
		}
		hi = lo
	}
	if err := Port(lo); err != nil {
		return 0, 0, err
	}
	if err := Port(hi); err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("inverted port range %q", s)
	}
	return lo, hi, nil
}
