package events

import (
	"net"
	"sync"
	"time"

	"holt.is/bulwark/internal/clock"
)

// Announcement marks a window during which events about a subject are
// plausibly the agent's own doing. The deployment controller publishes
// one on every apply; sources stamp matching events with the deployment
// id so the correlator does not escalate the agent's side effects.
type Announcement struct {
	DeploymentID string
	Subject      string // IP or CIDR
	Kinds        []Kind // empty = all kinds
	Until        time.Time
}

// CausalRegistry holds active announcements.
type CausalRegistry struct {
	mu      sync.RWMutex
	entries []Announcement
}

// NewCausalRegistry returns an empty registry.
func NewCausalRegistry() *CausalRegistry {
	return &CausalRegistry{}
}

// Announce records a validity window, replacing any previous announcement
// for the same deployment.
func (c *CausalRegistry) Announce(a Announcement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.DeploymentID == a.DeploymentID {
			c.entries[i] = a
			return
		}
	}
	c.entries = append(c.entries, a)
}

// Retract removes a deployment's announcement (rollback path).
func (c *CausalRegistry) Retract(deploymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.DeploymentID == deploymentID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Tag returns the deployment id whose announcement covers the event, or
// "". Expired entries are pruned opportunistically.
func (c *CausalRegistry) Tag(ev SecurityEvent) string {
	now := clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.entries[:0]
	tag := ""
	for _, e := range c.entries {
		if !e.Until.After(now) {
			continue
		}
		live = append(live, e)
		if tag == "" && e.covers(ev) {
			tag = e.DeploymentID
		}
	}
	c.entries = live
	return tag
}

func (a Announcement) covers(ev SecurityEvent) bool {
	if ev.SourceIP == "" || !subjectMatches(a.Subject, ev.SourceIP) {
		return false
	}
	if len(a.Kinds) == 0 {
		return true
	}
	for _, k := range a.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

func subjectMatches(subject, ip string) bool {
	evIP := net.ParseIP(ip)
	if evIP == nil {
		return false
	}
	if _, ipnet, err := net.ParseCIDR(subject); err == nil {
		return ipnet.Contains(evIP)
	}
	subIP := net.ParseIP(subject)
	return subIP != nil && subIP.Equal(evIP)
}
