package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Probe is the reachability check run during probation. A nil error
// means the host still has connectivity and the management path works.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeConfig configures the combined probe. Environments that cannot
// provide both legs must set Disabled explicitly; otherwise a probe
// missing either leg fails closed.
type ProbeConfig struct {
	// LivenessTarget is an address the host must still reach (ICMP,
	// falling back to TCP).
	LivenessTarget string

	// InboundURL is fetched to verify the management endpoint still
	// answers from a known source (a reflector beyond the firewall).
	InboundURL string

	// Disabled turns probing off entirely. Deployments then auto-commit
	// at the probation deadline.
	Disabled bool

	Timeout time.Duration
}

// CombinedProbe checks outbound liveness and the inbound management path.
type CombinedProbe struct {
	cfg  ProbeConfig
	http *http.Client
}

// NewProbe builds the probe from config.
func NewProbe(cfg ProbeConfig) *CombinedProbe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &CombinedProbe{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// ErrProbeUnconfigured means a probe leg (liveness target or inbound URL)
// is not configured and probing was not explicitly disabled: the
// deployment fails closed.
var ErrProbeUnconfigured = errors.New("reachability probe leg not configured")

// Check runs both legs. Either leg failing fails the probe.
func (p *CombinedProbe) Check(ctx context.Context) error {
	if p.cfg.Disabled {
		return nil
	}
	if p.cfg.LivenessTarget == "" || p.cfg.InboundURL == "" {
		return ErrProbeUnconfigured
	}
	if p.cfg.LivenessTarget != "" {
		if err := p.outbound(ctx); err != nil {
			return fmt.Errorf("outbound probe: %w", err)
		}
	}
	if p.cfg.InboundURL != "" {
		if err := p.inbound(ctx); err != nil {
			return fmt.Errorf("inbound probe: %w", err)
		}
	}
	return nil
}

// outbound pings the liveness target, falling back to TCP dials on the
// common ports when ICMP is unavailable.
func (p *CombinedProbe) outbound(ctx context.Context) error {
	pinger, err := probing.NewPinger(p.cfg.LivenessTarget)
	if err == nil {
		pinger.Count = 1
		pinger.Timeout = p.cfg.Timeout
		pinger.SetPrivileged(false)
		if err = pinger.RunWithContext(ctx); err == nil && pinger.Statistics().PacketsRecv > 0 {
			return nil
		}
	}
	var d net.Dialer
	for _, port := range []string{"443", "80", "22", "53"} {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		conn, derr := d.DialContext(dctx, "tcp", net.JoinHostPort(p.cfg.LivenessTarget, port))
		cancel()
		if derr == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("target %s unreachable", p.cfg.LivenessTarget)
}

func (p *CombinedProbe) inbound(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.InboundURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("inbound reflector returned %s", resp.Status)
	}
	return nil
}

// ProbeFunc adapts a function to the Probe interface (tests).
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }
