// Package deploy drives the deployment state machine: snapshot, atomic
// apply, probation under a heartbeat, then commit or rollback. One
// deployment mutates a backend at a time; approvals queue FIFO behind
// the per-backend lock.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/guard"
	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// Config tunes the controller.
type Config struct {
	HeartbeatTimeout time.Duration // probation length
	ProbeInterval    time.Duration
	LockTimeout      time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
}

// DefaultConfig returns controller defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		ProbeInterval:    5 * time.Second,
		LockTimeout:      30 * time.Second,
		RetryAttempts:    3,
		RetryBase:        500 * time.Millisecond,
	}
}

// ErrCatastrophic marks a failed restore: the ruleset state is unknown
// and operator attention is required. The autonomy controller downgrades
// itself to monitor when it sees this.
var ErrCatastrophic = errors.New("rollback failed; operator attention required")

// ErrLockTimeout is returned when the per-backend lock cannot be taken
// in time.
var ErrLockTimeout = errors.New("backend lock timeout")

// PolicyViolation wraps never-block refusals at apply time.
type PolicyViolation struct {
	Reason string
	Entry  string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation: %s (%s)", e.Reason, e.Entry)
}

// Controller serializes deployments against one backend.
type Controller struct {
	adapter backend.Adapter
	store   *store.Store
	guard   *guard.List
	causal  *events.CausalRegistry
	probe   Probe
	cfg     Config
	log     *logging.Logger

	// lock is the per-backend exclusive mutation lock. Acquired with a
	// timeout so a wedged apply surfaces as ConcurrencyError instead of
	// a silent stall.
	lock chan struct{}

	mu       sync.Mutex
	inflight *probationWatch
	onFatal  func() // invoked on catastrophic failure
}

type probationWatch struct {
	deploymentID string
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates a controller.
func New(adapter backend.Adapter, st *store.Store, gl *guard.List,
	causal *events.CausalRegistry, probe Probe, cfg Config, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Default()
	}
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Controller{
		adapter: adapter,
		store:   st,
		guard:   gl,
		causal:  causal,
		probe:   probe,
		cfg:     cfg,
		log:     log.Component("deploy"),
		lock:    lock,
	}
}

// OnCatastrophic registers the hook run when a restore fails.
func (c *Controller) OnCatastrophic(fn func()) { c.onFatal = fn }

func (c *Controller) acquire(ctx context.Context) error {
	timeout := c.cfg.LockTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-c.lock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrLockTimeout
	}
}

func (c *Controller) release() { c.lock <- struct{}{} }

// Deploy applies an approved proposal and starts probation. It blocks
// through the apply itself (callers queue behind the backend lock in
// FIFO arrival order) and returns once the deployment is in probation.
func (c *Controller) Deploy(ctx context.Context, p *store.Proposal) (*store.Deployment, error) {
	// One applying-or-probation deployment per backend: wait out any
	// probation in progress before starting the next apply.
	for {
		c.mu.Lock()
		w := c.inflight
		c.mu.Unlock()
		if w == nil {
			break
		}
		select {
		case <-w.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	now := clock.Now()
	d := &store.Deployment{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		Backend:    c.adapter.Name(),
		State:      store.DeploymentApplying,
	}
	if p.Rule.ExpiresAt != nil {
		d.ExpiresAt = p.Rule.ExpiresAt
	}

	// Snapshot first and persist the backup reference before anything
	// touches the live ruleset: a crash mid-apply must leave enough
	// state to restore by hand.
	var ref backend.BackupRef
	err := retryTransient(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, func() error {
		var serr error
		ref, serr = c.adapter.Snapshot(ctx)
		return serr
	})
	if err != nil {
		return nil, err
	}
	d.BackupRef = ref
	if err := c.store.CreateDeployment(d, store.Entry{
		Action: store.ActionDeploymentApplied,
		Detail: map[string]any{
			"proposal_id": p.ID,
			"backend":     d.Backend,
			"backup":      ref.Path,
			"state":       d.State,
		},
	}); err != nil {
		return nil, err
	}

	// Never-block pre-check over the rule about to land.
	if m, gerr := c.guard.MatchRule(p.Rule); gerr != nil || m != nil {
		reason := "never-block-match"
		entry := ""
		if m != nil {
			entry = m.Entry
		}
		if gerr != nil {
			reason = gerr.Error()
		}
		c.fail(d, reason)
		return nil, &PolicyViolation{Reason: reason, Entry: entry}
	}

	if err := c.applyRule(ctx, p); err != nil {
		c.fail(d, err.Error())
		return nil, err
	}

	deadline := now.Add(c.cfg.HeartbeatTimeout)
	d.State = store.DeploymentProbation
	d.AppliedAt = &now
	d.HeartbeatDeadline = &deadline
	if err := c.store.UpdateDeployment(d, store.Entry{
		Action: "deployment-probation",
		Detail: map[string]any{"deadline": deadline.UTC().Format(time.RFC3339), "state": d.State},
	}); err != nil {
		return nil, err
	}

	c.announce(d, p.Rule)
	c.startWatch(d)
	return d, nil
}

// applyRule prefers the delta path for additive single-rule changes,
// falling back to a full image when the backend lacks delta support.
func (c *Controller) applyRule(ctx context.Context, p *store.Proposal) error {
	caps := c.adapter.Capabilities()
	if caps.SupportsDeltaOps {
		return retryTransient(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, func() error {
			_, aerr := c.adapter.ApplyDelta(ctx, backend.Delta{Add: &p.Rendered})
			return aerr
		})
	}
	current, err := c.adapter.ListRules(ctx)
	if err != nil {
		return err
	}
	img := backend.Image{Rules: append(current, p.Rendered)}
	return retryTransient(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, func() error {
		_, aerr := c.adapter.ApplyAtomic(ctx, img)
		return aerr
	})
}

// announce publishes the causal window so sources can tag events this
// deployment will cause. The window lasts until the rule expires, or 24
// hours from the announcement for non-expiring rules.
func (c *Controller) announce(d *store.Deployment, r policy.Rule) {
	if c.causal == nil || r.Source.CIDR == "" {
		return
	}
	until := clock.Now().Add(24 * time.Hour)
	if r.ExpiresAt != nil {
		until = *r.ExpiresAt
	}
	c.causal.Announce(events.Announcement{
		DeploymentID: d.ID,
		Subject:      r.Source.CIDR,
		Kinds:        nil,
		Until:        until,
	})
}

// startWatch runs the heartbeat for a probation deployment.
func (c *Controller) startWatch(d *store.Deployment) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &probationWatch{deploymentID: d.ID, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.inflight = w
	c.mu.Unlock()

	go func() {
		defer close(w.done)
		defer c.clearWatch(w)
		c.heartbeatLoop(ctx, d, w)
	}()
}

func (c *Controller) clearWatch(w *probationWatch) {
	c.mu.Lock()
	if c.inflight == w {
		c.inflight = nil
	}
	c.mu.Unlock()
}

// heartbeatLoop probes at bounded intervals until the deadline. A failed
// probe rolls back immediately; reaching the deadline with green probes
// commits. The loop deregisters itself before driving a transition so
// Commit/Rollback do not wait on their own goroutine.
func (c *Controller) heartbeatLoop(ctx context.Context, d *store.Deployment, w *probationWatch) {
	interval := c.cfg.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := clock.Now().Add(c.cfg.HeartbeatTimeout)
	if d.HeartbeatDeadline != nil {
		deadline = *d.HeartbeatDeadline
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.probe.Check(probeCtx)
		cancel()
		if err != nil {
			c.log.Warn("heartbeat probe failed", "deployment", d.ID, "error", err)
			_ = c.store.Audit(store.Entry{
				Action:     store.ActionHeartbeatMiss,
				EntityKind: "deployment",
				EntityID:   d.ID,
				Detail:     map[string]any{"error": err.Error()},
			})
			c.clearWatch(w)
			if rerr := c.Rollback(context.Background(), d.ID); rerr != nil {
				c.log.Error("rollback after heartbeat miss failed", "deployment", d.ID, "error", rerr)
			}
			return
		}

		now := clock.Now()
		_ = c.store.Heartbeat(d.ID, now)
		if !now.Before(deadline) {
			c.clearWatch(w)
			if cerr := c.Commit(context.Background(), d.ID); cerr != nil {
				c.log.Error("auto-commit failed", "deployment", d.ID, "error", cerr)
			}
			return
		}
	}
}

// Commit finishes probation: the deployment becomes permanent and its
// backup enters the retention window.
func (c *Controller) Commit(ctx context.Context, deploymentID string) error {
	d, err := c.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	if d.State != store.DeploymentProbation {
		return fmt.Errorf("deployment %s is %s, not in probation", d.ID, d.State)
	}
	c.stopWatch(deploymentID)

	now := clock.Now()
	d.State = store.DeploymentCommitted
	d.LastHeartbeatAt = &now
	return c.store.UpdateDeployment(d, store.Entry{
		Action: store.ActionDeploymentCommit,
		Detail: map[string]any{"state": d.State},
	})
}

// Rollback restores the pre-apply snapshot. A failing restore is
// catastrophic: the deployment parks in failed and the registered hook
// (autonomy downgrade) fires.
func (c *Controller) Rollback(ctx context.Context, deploymentID string) error {
	d, err := c.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	switch d.State {
	case store.DeploymentProbation, store.DeploymentApplying, store.DeploymentCommitted:
	default:
		return fmt.Errorf("deployment %s is %s; nothing to roll back", d.ID, d.State)
	}
	c.stopWatch(deploymentID)

	err = retryTransient(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, func() error {
		return c.adapter.Restore(ctx, d.BackupRef)
	})
	if err != nil {
		d.State = store.DeploymentFailed
		d.FailureReason = fmt.Sprintf("restore failed: %v", err)
		_ = c.store.UpdateDeployment(d, store.Entry{
			Action:    store.ActionCatastrophic,
			ErrorKind: string(backend.KindOf(err)),
			Detail: map[string]any{
				"error":           err.Error(),
				"operator_action": true,
				"backup":          d.BackupRef.Path,
			},
		})
		if c.onFatal != nil {
			c.onFatal()
		}
		return fmt.Errorf("%w: %v", ErrCatastrophic, err)
	}

	if c.causal != nil {
		c.causal.Retract(d.ID)
	}
	d.State = store.DeploymentRolledBack
	return c.store.UpdateDeployment(d, store.Entry{
		Action: store.ActionRollbackOK,
		Detail: map[string]any{"state": d.State, "backup": d.BackupRef.Path},
	})
}

// Cancel aborts a probation deployment, which is equivalent to rollback.
func (c *Controller) Cancel(ctx context.Context, deploymentID string) error {
	return c.Rollback(ctx, deploymentID)
}

func (c *Controller) stopWatch(deploymentID string) {
	c.mu.Lock()
	w := c.inflight
	c.mu.Unlock()
	if w == nil || w.deploymentID != deploymentID {
		return
	}
	w.cancel()
	<-w.done
}

// fail parks a deployment in failed with its reason.
func (c *Controller) fail(d *store.Deployment, reason string) {
	d.State = store.DeploymentFailed
	d.FailureReason = reason
	_ = c.store.UpdateDeployment(d, store.Entry{
		Action: store.ActionDeploymentFailed,
		Detail: map[string]any{"reason": reason, "state": d.State},
	})
}

// SweepExpired removes committed rules whose expiry has passed, via the
// delta path so unrelated state is untouched.
func (c *Controller) SweepExpired(ctx context.Context) error {
	expired, err := c.store.ExpiredCommitted(clock.Now())
	if err != nil {
		return err
	}
	for _, d := range expired {
		p, err := c.store.GetProposal(d.ProposalID)
		if err != nil {
			c.log.Warn("expired deployment without proposal", "deployment", d.ID)
			continue
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}
		_, derr := c.adapter.ApplyDelta(ctx, backend.Delta{Remove: &p.Rendered})
		c.release()
		if derr != nil {
			c.log.Error("expiry removal failed", "deployment", d.ID, "error", derr)
			continue
		}
		// Clearing the expiry keeps the deployment out of future sweeps.
		d.ExpiresAt = nil
		_ = c.store.UpdateDeployment(d, store.Entry{
			Action: store.ActionRuleExpired,
			Detail: map[string]any{"rule": p.Rule.Describe()},
		})
		if c.causal != nil {
			c.causal.Retract(d.ID)
		}
	}
	return nil
}

// Shutdown drains an in-flight probation: explicit commit when probes
// are green is the operator's call, so a TERM mid-probation rolls back.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	w := c.inflight
	c.mu.Unlock()
	if w == nil {
		return
	}
	if err := c.Rollback(ctx, w.deploymentID); err != nil {
		c.log.Error("shutdown rollback failed", "deployment", w.deploymentID, "error", err)
	}
}
