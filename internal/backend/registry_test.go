package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/policy"
)

// stubAdapter is just enough adapter to exercise the registry.
type stubAdapter struct {
	name      string
	subsystem string
}

func (s *stubAdapter) Name() string               { return s.name }
func (s *stubAdapter) Subsystem() string          { return s.subsystem }
func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }
func (s *stubAdapter) Render(policy.Rule) (RenderedRule, error) {
	return RenderedRule{}, nil
}
func (s *stubAdapter) Validate(context.Context, RenderedRule) (Verdict, error) {
	return Verdict{Valid: true}, nil
}
func (s *stubAdapter) Snapshot(context.Context) (BackupRef, error) { return BackupRef{}, nil }
func (s *stubAdapter) ApplyAtomic(context.Context, Image) (ApplyReceipt, error) {
	return ApplyReceipt{}, nil
}
func (s *stubAdapter) ApplyDelta(context.Context, Delta) (ApplyReceipt, error) {
	return ApplyReceipt{}, nil
}
func (s *stubAdapter) Restore(context.Context, BackupRef) error          { return nil }
func (s *stubAdapter) ListRules(context.Context) ([]RenderedRule, error) { return nil, nil }
func (s *stubAdapter) ImportRules(context.Context) ([]ImportedRule, error) {
	return nil, nil
}
func (s *stubAdapter) Health(context.Context) (Health, error) { return Health{}, nil }

func TestRegistry_ActivateUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Activate("nftables")
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubAdapter{name: "nftables", subsystem: "netfilter"}))
	require.Error(t, r.Register(&stubAdapter{name: "nftables", subsystem: "netfilter"}))
}

func TestRegistry_CoexistenceRefusal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubAdapter{name: "nftables", subsystem: "netfilter"}))
	// iptables-legacy drives the same kernel subsystem.
	require.NoError(t, r.Register(&stubAdapter{name: "iptables-legacy", subsystem: "netfilter"}))

	active, err := r.Activate("nftables")
	require.NoError(t, err)
	require.NotNil(t, active)

	_, err = r.Activate("iptables-legacy")
	require.Error(t, err)
	assert.Equal(t, KindCoexistence, KindOf(err))

	// The active adapter is unaffected by the refused activation.
	assert.Equal(t, "nftables", r.Active().Name())

	// Re-activating the already-active adapter is idempotent.
	_, err = r.Activate("nftables")
	require.NoError(t, err)
}

func TestErrorKindOf(t *testing.T) {
	err := NewError(KindTransient, "nftables", "apply_atomic", assert.AnError)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, IsTransient(err))
	assert.Equal(t, ErrorKind(""), KindOf(assert.AnError))
}
