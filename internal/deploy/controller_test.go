package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/guard"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// fakeAdapter simulates a backend with an in-memory ruleset.
type fakeAdapter struct {
	mu          sync.Mutex
	rules       []backend.RenderedRule
	snapshots   map[string][]backend.RenderedRule
	failRestore error
	applyErrs   []error // popped per ApplyDelta/ApplyAtomic call
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{snapshots: map[string][]backend.RenderedRule{}}
}

func (f *fakeAdapter) Name() string      { return "fake" }
func (f *fakeAdapter) Subsystem() string { return "netfilter" }
func (f *fakeAdapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsDeny: true, SupportsStateful: true, SupportsRateLimit: true,
		SupportsIPv6: true, SupportsPriority: true,
		SupportsAtomicReplace: true, SupportsDeltaOps: true,
		EvaluationOrder: backend.FirstMatch,
	}
}
func (f *fakeAdapter) Render(r policy.Rule) (backend.RenderedRule, error) {
	return backend.RenderedRule{RuleID: r.ID, Backend: "fake", Text: "rule " + r.ID}, nil
}
func (f *fakeAdapter) Validate(context.Context, backend.RenderedRule) (backend.Verdict, error) {
	return backend.Verdict{Valid: true}, nil
}

func (f *fakeAdapter) Snapshot(context.Context) (backend.BackupRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.snapshots[id] = append([]backend.RenderedRule{}, f.rules...)
	return backend.BackupRef{Path: filepath.Join("mem", id), Checksum: id}, nil
}

func (f *fakeAdapter) popErr() error {
	if len(f.applyErrs) == 0 {
		return nil
	}
	err := f.applyErrs[0]
	f.applyErrs = f.applyErrs[1:]
	return err
}

func (f *fakeAdapter) ApplyAtomic(_ context.Context, img backend.Image) (backend.ApplyReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(); err != nil {
		return backend.ApplyReceipt{}, err
	}
	f.rules = append([]backend.RenderedRule{}, img.Rules...)
	return backend.ApplyReceipt{RulesApplied: len(img.Rules)}, nil
}

func (f *fakeAdapter) ApplyDelta(_ context.Context, d backend.Delta) (backend.ApplyReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(); err != nil {
		return backend.ApplyReceipt{}, err
	}
	if d.Add != nil {
		f.rules = append(f.rules, *d.Add)
	}
	if d.Remove != nil {
		for i, r := range f.rules {
			if r.RuleID == d.Remove.RuleID {
				f.rules = append(f.rules[:i], f.rules[i+1:]...)
				break
			}
		}
	}
	return backend.ApplyReceipt{RulesApplied: 1}, nil
}

func (f *fakeAdapter) Restore(_ context.Context, ref backend.BackupRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRestore != nil {
		return f.failRestore
	}
	snap, ok := f.snapshots[ref.Checksum]
	if !ok {
		return errors.New("unknown snapshot")
	}
	f.rules = append([]backend.RenderedRule{}, snap...)
	return nil
}

func (f *fakeAdapter) ListRules(context.Context) ([]backend.RenderedRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.RenderedRule{}, f.rules...), nil
}

func (f *fakeAdapter) ImportRules(context.Context) ([]backend.ImportedRule, error) {
	return nil, nil
}

func (f *fakeAdapter) Health(context.Context) (backend.Health, error) {
	return backend.Health{Reachable: true, Writable: true}, nil
}

func (f *fakeAdapter) ruleIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r.RuleID)
	}
	return out
}

type testEnv struct {
	adapter *fakeAdapter
	st      *store.Store
	guard   *guard.List
	causal  *events.CausalRegistry
	ctrl    *Controller
}

func newEnv(t *testing.T, probe Probe, cfg Config) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gl := guard.New(nil, nil)
	causal := events.NewCausalRegistry()
	adapter := newFakeAdapter()
	ctrl := New(adapter, st, gl, causal, probe, cfg, nil)
	return &testEnv{adapter: adapter, st: st, guard: gl, causal: causal, ctrl: ctrl}
}

func greenProbe() Probe { return ProbeFunc(func(context.Context) error { return nil }) }
func redProbe() Probe {
	return ProbeFunc(func(context.Context) error { return errors.New("unreachable") })
}

func quickCfg() Config {
	return Config{
		HeartbeatTimeout: 80 * time.Millisecond,
		ProbeInterval:    20 * time.Millisecond,
		LockTimeout:      time.Second,
		RetryAttempts:    2,
		RetryBase:        5 * time.Millisecond,
	}
}

func makeProposal(t *testing.T, st *store.Store, src string) *store.Proposal {
	t.Helper()
	r := policy.New(policy.ActionDrop, policy.DirectionInput)
	r.Origin = policy.OriginDaemonAuto
	r.Source = policy.Subject{CIDR: src}
	p := &store.Proposal{
		ID:       uuid.NewString(),
		Rule:     r,
		Rendered: backend.RenderedRule{RuleID: r.ID, Backend: "fake", Text: "rule " + r.ID},
		State:    store.ProposalApproved,
	}
	require.NoError(t, st.CreateProposal(p))
	return p
}

func waitForState(t *testing.T, st *store.Store, id string, want store.DeploymentState) *store.Deployment {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		d, err := st.GetDeployment(id)
		require.NoError(t, err)
		if d.State == want {
			return d
		}
		select {
		case <-deadline:
			t.Fatalf("deployment %s stuck in %s, want %s", id, d.State, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeploy_GreenHeartbeatCommits(t *testing.T) {
	env := newEnv(t, greenProbe(), quickCfg())
	p := makeProposal(t, env.st, "203.0.113.7/32")

	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentProbation, d.State)
	require.NotNil(t, d.HeartbeatDeadline)
	assert.Contains(t, env.adapter.ruleIDs(), p.Rule.ID)

	final := waitForState(t, env.st, d.ID, store.DeploymentCommitted)
	assert.NotNil(t, final.LastHeartbeatAt)
}

func TestDeploy_HeartbeatMissRollsBack(t *testing.T) {
	env := newEnv(t, redProbe(), quickCfg())
	p := makeProposal(t, env.st, "203.0.113.7/32")

	before := env.adapter.ruleIDs()
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)

	final := waitForState(t, env.st, d.ID, store.DeploymentRolledBack)
	assert.Equal(t, store.DeploymentRolledBack, final.State)
	assert.Equal(t, before, env.adapter.ruleIDs(), "rollback restores the pre-apply snapshot")

	// Audit order: heartbeat-miss, then rollback-ok.
	records, err := env.st.AuditSince(0, 200)
	require.NoError(t, err)
	var actions []string
	for _, r := range records {
		actions = append(actions, r.Action)
	}
	missIdx, okIdx := -1, -1
	for i, a := range actions {
		if a == store.ActionHeartbeatMiss && missIdx < 0 {
			missIdx = i
		}
		if a == store.ActionRollbackOK {
			okIdx = i
		}
	}
	require.GreaterOrEqual(t, missIdx, 0)
	require.Greater(t, okIdx, missIdx)
}

func TestDeploy_UnconfiguredProbeFailsClosed(t *testing.T) {
	// A CombinedProbe with no legs and not disabled must roll the
	// deployment back.
	env := newEnv(t, NewProbe(ProbeConfig{}), quickCfg())
	p := makeProposal(t, env.st, "203.0.113.7/32")
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)
	waitForState(t, env.st, d.ID, store.DeploymentRolledBack)
}

func TestDeploy_DisabledProbeCommitsAtDeadline(t *testing.T) {
	env := newEnv(t, NewProbe(ProbeConfig{Disabled: true}), quickCfg())
	p := makeProposal(t, env.st, "203.0.113.7/32")
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)
	waitForState(t, env.st, d.ID, store.DeploymentCommitted)
}

func TestDeploy_NeverBlockRefused(t *testing.T) {
	env := newEnv(t, greenProbe(), quickCfg())
	env.guard.Reload([]guard.Entry{{Value: "10.0.0.1/32", Kind: guard.EntryCIDR}})
	p := makeProposal(t, env.st, "10.0.0.1/32")

	_, err := env.ctrl.Deploy(context.Background(), p)
	var pv *PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.NotContains(t, env.adapter.ruleIDs(), p.Rule.ID)
}

func TestDeploy_CatastrophicRestoreFailure(t *testing.T) {
	env := newEnv(t, redProbe(), quickCfg())
	env.adapter.failRestore = errors.New("restore exploded")

	fatalFired := make(chan struct{})
	env.ctrl.OnCatastrophic(func() { close(fatalFired) })

	p := makeProposal(t, env.st, "203.0.113.7/32")
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)

	final := waitForState(t, env.st, d.ID, store.DeploymentFailed)
	assert.Contains(t, final.FailureReason, "restore failed")

	select {
	case <-fatalFired:
	case <-time.After(time.Second):
		t.Fatal("catastrophic hook did not fire")
	}

	records, err := env.st.AuditSince(0, 200)
	require.NoError(t, err)
	found := false
	for _, r := range records {
		if r.Action == store.ActionCatastrophic {
			found = true
			assert.Equal(t, true, r.Detail["operator_action"])
		}
	}
	assert.True(t, found)
}

func TestDeploy_TransientApplyRetries(t *testing.T) {
	env := newEnv(t, greenProbe(), quickCfg())
	env.adapter.applyErrs = []error{
		backend.NewError(backend.KindTransient, "fake", "apply_delta", errors.New("busy")),
	}
	p := makeProposal(t, env.st, "203.0.113.7/32")
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err, "transient errors retry with backoff")
	waitForState(t, env.st, d.ID, store.DeploymentCommitted)
}

func TestDeploy_NonTransientApplyFails(t *testing.T) {
	env := newEnv(t, greenProbe(), quickCfg())
	env.adapter.applyErrs = []error{
		backend.NewError(backend.KindPermission, "fake", "apply_delta", errors.New("denied")),
	}
	p := makeProposal(t, env.st, "203.0.113.7/32")
	_, err := env.ctrl.Deploy(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, backend.KindPermission, backend.KindOf(err))

	d, err := env.st.DeploymentForProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentFailed, d.State)
}

func TestDeploy_ExplicitCommitAndRollback(t *testing.T) {
	cfg := quickCfg()
	cfg.HeartbeatTimeout = 10 * time.Second // long probation; commit explicitly
	env := newEnv(t, greenProbe(), cfg)
	p := makeProposal(t, env.st, "203.0.113.7/32")
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)

	require.NoError(t, env.ctrl.Commit(context.Background(), d.ID))
	got, err := env.st.GetDeployment(d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentCommitted, got.State)

	// Committed deployments can still be rolled back explicitly.
	require.NoError(t, env.ctrl.Rollback(context.Background(), d.ID))
	got, err = env.st.GetDeployment(d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentRolledBack, got.State)
	assert.NotContains(t, env.adapter.ruleIDs(), p.Rule.ID)
}

func TestDeploy_CausalAnnouncement(t *testing.T) {
	cfg := quickCfg()
	cfg.HeartbeatTimeout = 10 * time.Second
	env := newEnv(t, greenProbe(), cfg)
	p := makeProposal(t, env.st, "198.51.100.9/32")
	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)

	ev := events.New("nflog", events.KindFirewallHit, events.SeverityLow, time.Now())
	ev.SourceIP = "198.51.100.9"
	assert.Equal(t, d.ID, env.causal.Tag(ev), "applied deployments announce their causal window")

	require.NoError(t, env.ctrl.Rollback(context.Background(), d.ID))
	assert.Empty(t, env.causal.Tag(ev), "rollback retracts the announcement")
}

func TestSweepExpired(t *testing.T) {
	cfg := quickCfg()
	cfg.HeartbeatTimeout = 10 * time.Second
	env := newEnv(t, greenProbe(), cfg)

	r := policy.New(policy.ActionDrop, policy.DirectionInput)
	r.Origin = policy.OriginDaemonAuto
	r.Source = policy.Subject{CIDR: "203.0.113.7/32"}
	past := time.Now().Add(-time.Minute)
	r.ExpiresAt = &past
	p := &store.Proposal{
		ID:       uuid.NewString(),
		Rule:     r,
		Rendered: backend.RenderedRule{RuleID: r.ID, Backend: "fake", Text: "rule " + r.ID},
		State:    store.ProposalApproved,
	}
	require.NoError(t, env.st.CreateProposal(p))

	d, err := env.ctrl.Deploy(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, env.ctrl.Commit(context.Background(), d.ID))
	require.Contains(t, env.adapter.ruleIDs(), r.ID)

	require.NoError(t, env.ctrl.SweepExpired(context.Background()))
	assert.NotContains(t, env.adapter.ruleIDs(), r.ID, "expired rules are removed via delta")
}

func TestLockTimeout(t *testing.T) {
	cfg := quickCfg()
	cfg.LockTimeout = 30 * time.Millisecond
	env := newEnv(t, greenProbe(), cfg)

	// Hold the lock so Deploy cannot take it.
	require.NoError(t, env.ctrl.acquire(context.Background()))
	defer env.ctrl.release()

	p := makeProposal(t, env.st, "203.0.113.7/32")
	_, err := env.ctrl.Deploy(context.Background(), p)
	require.ErrorIs(t, err, ErrLockTimeout)
}
