package guard

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"holt.is/bulwark/internal/clock"
)

// DNSResolver resolves hostnames with a TTL-bounded cache. Resolution is
// best-effort: a hostname that will not resolve protects nothing, which
// is why operators are steered toward address entries for anything
// critical.
type DNSResolver struct {
	server string // host:port of the recursive resolver
	minTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedAnswer
}

type cachedAnswer struct {
	ips     []net.IP
	expires time.Time
}

// NewDNSResolver creates a resolver against the given server
// ("127.0.0.1:53" style). An empty server uses the system default from
// resolv.conf.
func NewDNSResolver(server string) *DNSResolver {
	if server == "" {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
			server = net.JoinHostPort(conf.Servers[0], conf.Port)
		} else {
			server = "127.0.0.1:53"
		}
	}
	return &DNSResolver{
		server: server,
		minTTL: 60 * time.Second,
		cache:  make(map[string]cachedAnswer),
	}
}

// Resolve returns the A and AAAA answers for hostname, from cache while
// the shortest answer TTL lasts, but never for less than minTTL.
func (r *DNSResolver) Resolve(hostname string) []net.IP {
	now := clock.Now()
	r.mu.Lock()
	if ans, ok := r.cache[hostname]; ok && ans.expires.After(now) {
		ips := ans.ips
		r.mu.Unlock()
		return ips
	}
	r.mu.Unlock()

	var ips []net.IP
	var ttl time.Duration
	client := &dns.Client{Timeout: 3 * time.Second}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(hostname), qtype)
		in, _, err := client.Exchange(m, r.server)
		if err != nil || in == nil {
			continue
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
			if d := time.Duration(rr.Header().Ttl) * time.Second; ttl == 0 || d < ttl {
				ttl = d
			}
		}
	}
	if ttl < r.minTTL {
		ttl = r.minTTL
	}

	r.mu.Lock()
	r.cache[hostname] = cachedAnswer{ips: ips, expires: now.Add(ttl)}
	r.mu.Unlock()
	return ips
}

// StaticResolver is a fixed map for tests.
type StaticResolver map[string][]net.IP

func (s StaticResolver) Resolve(hostname string) []net.IP { return s[hostname] }
