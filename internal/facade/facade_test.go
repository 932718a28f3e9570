package facade

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/autonomy"
	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/deploy"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/guard"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// memAdapter is an in-memory backend for facade-level tests.
type memAdapter struct {
	mu        sync.Mutex
	rules     []backend.RenderedRule
	snapshots map[string][]backend.RenderedRule
}

func newMemAdapter() *memAdapter {
	return &memAdapter{snapshots: map[string][]backend.RenderedRule{}}
}

func (m *memAdapter) Name() string      { return "mem" }
func (m *memAdapter) Subsystem() string { return "netfilter" }
func (m *memAdapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsDeny: true, SupportsStateful: true, SupportsRateLimit: true,
		SupportsIPv6: true, SupportsPriority: true,
		SupportsAtomicReplace: true, SupportsDeltaOps: true,
		EvaluationOrder: backend.FirstMatch,
	}
}
func (m *memAdapter) Render(r policy.Rule) (backend.RenderedRule, error) {
	return backend.RenderedRule{RuleID: r.ID, Backend: "mem", Text: "rule " + r.Describe()}, nil
}
func (m *memAdapter) Validate(context.Context, backend.RenderedRule) (backend.Verdict, error) {
	return backend.Verdict{Valid: true}, nil
}
func (m *memAdapter) Snapshot(context.Context) (backend.BackupRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := time.Now().Format("150405.000000000")
	m.snapshots[id] = append([]backend.RenderedRule{}, m.rules...)
	return backend.BackupRef{Path: "mem/" + id, Checksum: id}, nil
}
func (m *memAdapter) ApplyAtomic(_ context.Context, img backend.Image) (backend.ApplyReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]backend.RenderedRule{}, img.Rules...)
	return backend.ApplyReceipt{RulesApplied: len(img.Rules)}, nil
}
func (m *memAdapter) ApplyDelta(_ context.Context, d backend.Delta) (backend.ApplyReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Add != nil {
		m.rules = append(m.rules, *d.Add)
	}
	if d.Remove != nil {
		for i, r := range m.rules {
			if r.RuleID == d.Remove.RuleID {
				m.rules = append(m.rules[:i], m.rules[i+1:]...)
				break
			}
		}
	}
	return backend.ApplyReceipt{RulesApplied: 1}, nil
}
func (m *memAdapter) Restore(_ context.Context, ref backend.BackupRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]backend.RenderedRule{}, m.snapshots[ref.Checksum]...)
	return nil
}
func (m *memAdapter) ListRules(context.Context) ([]backend.RenderedRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.RenderedRule{}, m.rules...), nil
}
func (m *memAdapter) ImportRules(ctx context.Context) ([]backend.ImportedRule, error) {
	rules, _ := m.ListRules(ctx)
	out := make([]backend.ImportedRule, 0, len(rules))
	for _, r := range rules {
		lifted := policy.New(policy.ActionDrop, policy.DirectionInput)
		lifted.ID = r.RuleID
		lifted.Origin = policy.OriginImported
		out = append(out, backend.ImportedRule{Rule: lifted})
	}
	return out, nil
}
func (m *memAdapter) Health(context.Context) (backend.Health, error) {
	return backend.Health{Reachable: true, Writable: true}, nil
}

func (m *memAdapter) ruleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.RuleID)
	}
	return out
}

type svcEnv struct {
	svc     *Service
	adapter *memAdapter
	st      *store.Store
	bus     *events.Bus
	cancel  context.CancelFunc
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	adapter := newMemAdapter()
	gl := guard.New(nil, nil)
	causal := events.NewCausalRegistry()
	probe := deploy.ProbeFunc(func(context.Context) error { return nil })
	ctrl := deploy.New(adapter, st, gl, causal, probe, deploy.Config{
		HeartbeatTimeout: 40 * time.Millisecond,
		ProbeInterval:    10 * time.Millisecond,
		LockTimeout:      time.Second,
		RetryAttempts:    2,
		RetryBase:        time.Millisecond,
	}, nil)
	bus := events.NewBus()

	svc := New(adapter, st, gl, ctrl, bus, nil, nil)
	autoCfg := autonomy.DefaultConfig()
	autoCfg.Level = autonomy.LevelCautious
	svc.SetAutonomy(autonomy.New(autoCfg, gl, st, svc, svc.AnalyzeRule, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(cancel)
	return &svcEnv{svc: svc, adapter: adapter, st: st, bus: bus, cancel: cancel}
}

func dropRule(src string) *policy.Rule {
	r := policy.New(policy.ActionDrop, policy.DirectionInput)
	r.Source = policy.Subject{CIDR: src}
	return &r
}

func waitDeployment(t *testing.T, st *store.Store, proposalID string, want store.DeploymentState) *store.Deployment {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		d, err := st.DeploymentForProposal(proposalID)
		if err == nil && d.State == want {
			return d
		}
		select {
		case <-deadline:
			state := "none"
			if d != nil {
				state = string(d.State)
			}
			t.Fatalf("proposal %s deployment state %s, want %s", proposalID, state, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPropose_StructuredRule(t *testing.T) {
	env := newSvcEnv(t)
	p, err := env.svc.Propose(context.Background(), "", dropRule("203.0.113.7/32"))
	require.NoError(t, err)
	assert.Equal(t, store.ProposalPending, p.State)
	assert.Equal(t, policy.OriginUser, p.Rule.Origin)
	assert.NotEmpty(t, p.Rendered.Text)
	assert.True(t, p.Verdict.Valid)
}

func TestPropose_RequiresInput(t *testing.T) {
	env := newSvcEnv(t)
	_, err := env.svc.Propose(context.Background(), "", nil)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindValidation, fe.Kind)
}

func TestPropose_TextWithoutTranslator(t *testing.T) {
	env := newSvcEnv(t)
	_, err := env.svc.Propose(context.Background(), "block the scanners", nil)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindValidation, fe.Kind)
}

func TestApprove_DeploysAndCommits(t *testing.T) {
	env := newSvcEnv(t)
	p, err := env.svc.Propose(context.Background(), "", dropRule("203.0.113.7/32"))
	require.NoError(t, err)

	require.NoError(t, env.svc.Approve(context.Background(), p.ID))
	waitDeployment(t, env.st, p.ID, store.DeploymentCommitted)
	assert.Contains(t, env.adapter.ruleIDs(), p.Rule.ID)
}

func TestReject_LeavesRulesetUntouched(t *testing.T) {
	env := newSvcEnv(t)
	before := env.adapter.ruleIDs()

	p, err := env.svc.Propose(context.Background(), "", dropRule("203.0.113.7/32"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Reject(context.Background(), p.ID))

	got, err := env.st.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalRejected, got.State)
	assert.Equal(t, before, env.adapter.ruleIDs())

	// Rejected proposals cannot be approved.
	err = env.svc.Approve(context.Background(), p.ID)
	require.Error(t, err)
}

func TestCancelApproval(t *testing.T) {
	env := newSvcEnv(t)
	env.cancel() // stop the queue worker so the approval stays queued
	time.Sleep(20 * time.Millisecond)

	p, err := env.svc.Propose(context.Background(), "", dropRule("203.0.113.7/32"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Approve(context.Background(), p.ID))
	require.NoError(t, env.svc.CancelApproval(context.Background(), p.ID))

	got, err := env.st.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalPending, got.State)
	assert.Empty(t, env.adapter.ruleIDs())
}

func TestSubmitAutonomous_ApprovedPath(t *testing.T) {
	env := newSvcEnv(t)
	r := policy.New(policy.ActionDrop, policy.DirectionInput)
	r.Origin = policy.OriginDaemonAuto
	r.Source = policy.Subject{CIDR: "198.51.100.9/32"}

	require.NoError(t, env.svc.SubmitAutonomous(context.Background(), r, "test", true))

	list, err := env.st.ListProposals(store.ProposalApproved, 10)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	waitDeployment(t, env.st, list[0].ID, store.DeploymentCommitted)
}

func TestSubmitAutonomous_AcceptRefused(t *testing.T) {
	env := newSvcEnv(t)
	r := policy.New(policy.ActionAccept, policy.DirectionInput)
	r.Origin = policy.OriginDaemonAuto
	err := env.svc.SubmitAutonomous(context.Background(), r, "test", true)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindValidation, fe.Kind)
}

func TestRollbackViaFacade(t *testing.T) {
	env := newSvcEnv(t)
	p, err := env.svc.Propose(context.Background(), "", dropRule("203.0.113.7/32"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Approve(context.Background(), p.ID))
	d := waitDeployment(t, env.st, p.ID, store.DeploymentCommitted)

	require.NoError(t, env.svc.Rollback(context.Background(), d.ID))
	got, err := env.st.GetDeployment(d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentRolledBack, got.State)
	assert.NotContains(t, env.adapter.ruleIDs(), p.Rule.ID)
}

func TestAutonomySetLevel(t *testing.T) {
	env := newSvcEnv(t)
	require.NoError(t, env.svc.AutonomySetLevel(context.Background(), "aggressive"))
	st, err := env.svc.DaemonStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "aggressive", st.AutonomyLevel)

	err = env.svc.AutonomySetLevel(context.Background(), "rampage")
	require.Error(t, err)
}

func TestNeverBlockMutationUsesInstalledReload(t *testing.T) {
	env := newSvcEnv(t)
	calls := 0
	env.svc.SetGuardReload(func() { calls++ })

	require.NoError(t, env.svc.NeverBlockAdd(context.Background(), "10.0.0.1", "gateway"))
	require.NoError(t, env.svc.NeverBlockRemove(context.Background(), "10.0.0.1"))
	assert.Equal(t, 2, calls, "mutations rebuild through the installed reload")
}

func TestNeverBlockRoundTrip(t *testing.T) {
	env := newSvcEnv(t)
	require.NoError(t, env.svc.NeverBlockAdd(context.Background(), "10.0.0.1", "gateway"))
	st, err := env.svc.DaemonStatus(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, st.NeverBlock)

	require.NoError(t, env.svc.NeverBlockRemove(context.Background(), "10.0.0.1"))
}

func TestSubscribeEvents_ReplayThenLive(t *testing.T) {
	env := newSvcEnv(t)
	ev1 := events.New("sshd", events.KindAuthFail, events.SeverityMedium, time.Now())
	ev1.SourceIP = "203.0.113.7"
	_, err := env.st.AppendEvent(&ev1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, stop, err := env.svc.SubscribeEvents(ctx, 0)
	require.NoError(t, err)
	defer stop()

	got := <-ch
	assert.Equal(t, ev1.ID, got.ID, "persisted events replay from the cursor")
}

func TestDaemonStatus_QueueDepth(t *testing.T) {
	env := newSvcEnv(t)
	env.cancel() // freeze the worker
	time.Sleep(20 * time.Millisecond)
	p, err := env.svc.Propose(context.Background(), "", dropRule("203.0.113.7/32"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Approve(context.Background(), p.ID))

	st, err := env.svc.DaemonStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueDepth)
}
