package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/policy"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProposal(origin policy.Origin) *Proposal {
	r := policy.New(policy.ActionDrop, policy.DirectionInput)
	r.Origin = origin
	r.Source = policy.Subject{CIDR: "203.0.113.7/32"}
	return &Proposal{
		ID:    uuid.NewString(),
		Rule:  r,
		State: ProposalPending,
	}
}

func TestProposalLifecycle(t *testing.T) {
	s := testStore(t)
	p := testProposal(policy.OriginUser)
	require.NoError(t, s.CreateProposal(p))

	got, err := s.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalPending, got.State)
	assert.Equal(t, "203.0.113.7/32", got.Rule.Source.CIDR)

	require.NoError(t, s.TransitionProposal(p.ID, ProposalApproved, Entry{Action: ActionProposalApproved}))
	require.NoError(t, s.TransitionProposal(p.ID, ProposalRejected, Entry{Action: ActionProposalRejected}))

	// Terminal states refuse further transitions.
	err = s.TransitionProposal(p.ID, ProposalApproved, Entry{Action: ActionProposalApproved})
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestProposalNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetProposal("missing")
	require.ErrorIs(t, err, ErrNotFound)
	err = s.TransitionProposal("missing", ProposalApproved, Entry{Action: ActionProposalApproved})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuditSequence_GaplessMonotonic(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		p := testProposal(policy.OriginUser)
		require.NoError(t, s.CreateProposal(p))
	}
	records, err := s.AuditSince(0, 100)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, int64(i+1), r.Seq, "audit sequence must be gapless")
		assert.Equal(t, ActionProposalCreated, r.Action)
	}
}

func TestAudit_AppendOnly(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Audit(Entry{Action: ActionBreakerTripped}))
	_, err := s.db.Exec(`DELETE FROM audit`)
	require.Error(t, err, "the delete trigger protects the audit trail")
}

func TestDeployment_OnePerProposal(t *testing.T) {
	s := testStore(t)
	p := testProposal(policy.OriginUser)
	require.NoError(t, s.CreateProposal(p))

	now := time.Now()
	d := &Deployment{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		Backend:    "nftables",
		State:      DeploymentApplying,
		AppliedAt:  &now,
	}
	require.NoError(t, s.CreateDeployment(d, Entry{Action: ActionDeploymentApplied}))

	dup := &Deployment{ID: uuid.NewString(), ProposalID: p.ID, Backend: "nftables", State: DeploymentApplying}
	require.Error(t, s.CreateDeployment(dup, Entry{Action: ActionDeploymentApplied}),
		"unique constraint allows at most one deployment per proposal")
}

func TestDeployment_InFlightAndUpdate(t *testing.T) {
	s := testStore(t)
	p := testProposal(policy.OriginDaemonAuto)
	require.NoError(t, s.CreateProposal(p))

	now := time.Now()
	deadline := now.Add(time.Minute)
	d := &Deployment{
		ID:                uuid.NewString(),
		ProposalID:        p.ID,
		Backend:           "nftables",
		State:             DeploymentProbation,
		AppliedAt:         &now,
		HeartbeatDeadline: &deadline,
	}
	require.NoError(t, s.CreateDeployment(d, Entry{Action: ActionDeploymentApplied}))

	inflight, err := s.InFlight("nftables")
	require.NoError(t, err)
	require.NotNil(t, inflight)
	assert.Equal(t, d.ID, inflight.ID)
	require.NotNil(t, inflight.HeartbeatDeadline)
	assert.WithinDuration(t, deadline, *inflight.HeartbeatDeadline, time.Second)

	d.State = DeploymentCommitted
	require.NoError(t, s.UpdateDeployment(d, Entry{Action: ActionDeploymentCommit}))
	inflight, err = s.InFlight("nftables")
	require.NoError(t, err)
	assert.Nil(t, inflight)
}

func TestCountRecentByOrigin(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	for i := 0; i < 3; i++ {
		p := testProposal(policy.OriginDaemonAuto)
		require.NoError(t, s.CreateProposal(p))
		at := base.Add(time.Duration(i) * time.Second)
		d := &Deployment{ID: uuid.NewString(), ProposalID: p.ID, Backend: "nftables",
			State: DeploymentCommitted, AppliedAt: &at}
		require.NoError(t, s.CreateDeployment(d, Entry{Action: ActionDeploymentApplied}))
	}
	n, err := s.CountRecentByOrigin(string(policy.OriginDaemonAuto), base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountRecentByOrigin(string(policy.OriginUser), base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEvents_AppendAndResume(t *testing.T) {
	s := testStore(t)
	var lastSeq int64
	for i := 0; i < 3; i++ {
		ev := events.New("sshd", events.KindAuthFail, events.SeverityMedium, time.Now())
		ev.SourceIP = "203.0.113.7"
		seq, err := s.AppendEvent(&ev)
		require.NoError(t, err)
		assert.Greater(t, seq, lastSeq)
		lastSeq = seq
	}

	all, err := s.EventsSince(0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events.KindAuthFail, all[0].Kind)
	assert.Equal(t, events.SeverityMedium, all[0].Severity)

	tail, err := s.EventsSince(all[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, all[2].Seq, tail[0].Seq)

	// Event observation itself is audited.
	records, err := s.AuditSince(0, 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestNeverBlockCRUD(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.AddNeverBlock("10.0.0.1/32", "cidr", "gateway"))
	require.NoError(t, s.AddNeverBlock("mgmt.example.com", "hostname", ""))

	list, err := s.ListNeverBlock()
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.RemoveNeverBlock("10.0.0.1/32"))
	require.ErrorIs(t, s.RemoveNeverBlock("10.0.0.1/32"), ErrNotFound)

	list, err = s.ListNeverBlock()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDaemonState(t *testing.T) {
	s := testStore(t)
	v, err := s.GetState(KeyAutonomyLevel)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(KeyAutonomyLevel, "cautious"))
	require.NoError(t, s.SetState(KeyAutonomyLevel, "aggressive"))
	v, err = s.GetState(KeyAutonomyLevel)
	require.NoError(t, err)
	assert.Equal(t, "aggressive", v)
}

func TestExpiredCommitted(t *testing.T) {
	s := testStore(t)
	p := testProposal(policy.OriginDaemonAuto)
	require.NoError(t, s.CreateProposal(p))

	now := time.Now()
	past := now.Add(-time.Hour)
	d := &Deployment{ID: uuid.NewString(), ProposalID: p.ID, Backend: "nftables",
		State: DeploymentCommitted, AppliedAt: &past, ExpiresAt: &past}
	require.NoError(t, s.CreateDeployment(d, Entry{Action: ActionDeploymentApplied}))

	expired, err := s.ExpiredCommitted(now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, d.ID, expired[0].ID)
}
