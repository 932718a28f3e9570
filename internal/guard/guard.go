// Package guard maintains the never-block set: subjects that autonomous
// logic must never target, whatever the evidence. The set combines
// operator-configured entries, resolved hostnames, and the host's own
// management addresses discovered at startup.
package guard

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/validation"
)

// Match describes why a subject is protected.
type Match struct {
	Entry  string
	Reason string
}

// List is the in-memory never-block set. It is rebuilt from the store and
// config on startup and on every mutation; reads share a read lock and
// do not block each other.
type List struct {
	mu        sync.RWMutex
	nets      []entryNet
	ifaces    map[string]struct{}
	hostnames []string
	resolver  Resolver
	log       *logging.Logger
}

type entryNet struct {
	entry string
	net   *net.IPNet
	why   string
}

// Resolver turns hostnames into addresses. The production resolver uses
// DNS with a TTL cache; tests install a map.
type Resolver interface {
	Resolve(hostname string) []net.IP
}

// New creates a guard list.
func New(resolver Resolver, log *logging.Logger) *List {
	if log == nil {
		log = logging.Default()
	}
	return &List{
		ifaces:   make(map[string]struct{}),
		resolver: resolver,
		log:      log.Component("guard"),
	}
}

// Reload replaces the set from raw entries. Hostnames are resolved now
// and re-resolved on Refresh; management addresses come in through the
// same path with their own reason.
func (l *List) Reload(entries []Entry) {
	var nets []entryNet
	ifaces := make(map[string]struct{})
	var hostnames []string

	for _, e := range entries {
		switch e.Kind {
		case EntryInterface:
			ifaces[e.Value] = struct{}{}
		case EntryHostname:
			hostnames = append(hostnames, e.Value)
			nets = append(nets, l.resolveEntry(e.Value)...)
		default:
			ipnet, err := validation.HostOrCIDR(e.Value)
			if err != nil {
				l.log.Warn("ignoring unparseable never-block entry", "entry", e.Value)
				continue
			}
			nets = append(nets, entryNet{entry: e.Value, net: ipnet, why: e.Reason()})
		}
	}

	l.mu.Lock()
	l.nets = nets
	l.ifaces = ifaces
	l.hostnames = hostnames
	l.mu.Unlock()
}

// Refresh re-resolves hostname entries, keeping address entries intact.
func (l *List) Refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.nets[:0]
	for _, n := range l.nets {
		if n.why != "hostname" {
			kept = append(kept, n)
		}
	}
	l.nets = kept
	for _, h := range l.hostnames {
		l.nets = append(l.nets, l.resolveEntry(h)...)
	}
}

func (l *List) resolveEntry(hostname string) []entryNet {
	if l.resolver == nil {
		return nil
	}
	var out []entryNet
	for _, ip := range l.resolver.Resolve(hostname) {
		mask := net.CIDRMask(32, 32)
		ipc := ip.To4()
		if ipc == nil {
			ipc = ip
			mask = net.CIDRMask(128, 128)
		}
		out = append(out, entryNet{
			entry: hostname,
			net:   &net.IPNet{IP: ipc, Mask: mask},
			why:   "hostname",
		})
	}
	return out
}

// MatchSubject reports whether an address or CIDR subject intersects any
// protected entry. Both full containment and partial intersection count:
// a block that clips even one protected address is refused.
func (l *List) MatchSubject(subject string) (*Match, error) {
	ipnet, err := validation.HostOrCIDR(subject)
	if err != nil {
		return nil, fmt.Errorf("never-block check: %w", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, n := range l.nets {
		if netsIntersect(n.net, ipnet) {
			return &Match{Entry: n.entry, Reason: n.why}, nil
		}
	}
	return nil, nil
}

// MatchRule checks a deny rule's source and destination subjects.
// Accept rules never violate never-block.
func (l *List) MatchRule(r policy.Rule) (*Match, error) {
	if r.Action == policy.ActionAccept {
		return nil, nil
	}
	for _, sub := range []policy.Subject{r.Source, r.Destination} {
		if sub.CIDR == "" {
			continue
		}
		m, err := l.MatchSubject(sub.CIDR)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

// MatchInterface reports whether an interface identifier is protected.
func (l *List) MatchInterface(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ifaces[name]
	return ok
}

// Snapshot lists the resolved entries for the status surface.
func (l *List) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.nets)+len(l.ifaces))
	for _, n := range l.nets {
		out = append(out, fmt.Sprintf("%s (%s)", n.net.String(), n.why))
	}
	for i := range l.ifaces {
		out = append(out, "iface:"+i)
	}
	return out
}

func netsIntersect(a, b *net.IPNet) bool {
	if (a.IP.To4() != nil) != (b.IP.To4() != nil) {
		return false
	}
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// EntryKind classifies a never-block entry.
type EntryKind string

const (
	EntryIP        EntryKind = "ip"
	EntryCIDR      EntryKind = "cidr"
	EntryHostname  EntryKind = "hostname"
	EntryInterface EntryKind = "interface"
	EntryMgmt      EntryKind = "management"
)

// Entry is one never-block input.
type Entry struct {
	Value string
	Kind  EntryKind
}

func (e Entry) Reason() string {
	if e.Kind == EntryMgmt {
		return "management"
	}
	return "configured"
}

// ClassifyEntry guesses the kind of a raw config string.
func ClassifyEntry(v string) Entry {
	if strings.HasPrefix(v, "iface:") {
		return Entry{Value: strings.TrimPrefix(v, "iface:"), Kind: EntryInterface}
	}
	if _, err := validation.HostOrCIDR(v); err == nil {
		if strings.Contains(v, "/") {
			return Entry{Value: v, Kind: EntryCIDR}
		}
		return Entry{Value: v, Kind: EntryIP}
	}
	return Entry{Value: v, Kind: EntryHostname}
}
