package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"holt.is/bulwark/internal/clock"
)

func TestCausalRegistry_TagsWithinWindow(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	defer clock.SetClock(mock)()

	reg := NewCausalRegistry()
	reg.Announce(Announcement{
		DeploymentID: "dep-1",
		Subject:      "198.51.100.9/32",
		Until:        mock.Now().Add(time.Hour),
	})

	ev := New("nflog", KindFirewallHit, SeverityLow, mock.Now())
	ev.SourceIP = "198.51.100.9"
	assert.Equal(t, "dep-1", reg.Tag(ev))

	other := New("nflog", KindFirewallHit, SeverityLow, mock.Now())
	other.SourceIP = "192.0.2.1"
	assert.Empty(t, reg.Tag(other))
}

func TestCausalRegistry_CIDRSubject(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	defer clock.SetClock(mock)()

	reg := NewCausalRegistry()
	reg.Announce(Announcement{
		DeploymentID: "dep-2",
		Subject:      "203.0.113.0/24",
		Kinds:        []Kind{KindFirewallHit},
		Until:        mock.Now().Add(time.Hour),
	})

	ev := New("nflog", KindFirewallHit, SeverityLow, mock.Now())
	ev.SourceIP = "203.0.113.200"
	assert.Equal(t, "dep-2", reg.Tag(ev))

	// Kind mask excludes other kinds.
	auth := New("sshd", KindAuthFail, SeverityMedium, mock.Now())
	auth.SourceIP = "203.0.113.200"
	assert.Empty(t, reg.Tag(auth))
}

func TestCausalRegistry_ExpiryAndRetract(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	defer clock.SetClock(mock)()

	reg := NewCausalRegistry()
	reg.Announce(Announcement{
		DeploymentID: "dep-3",
		Subject:      "198.51.100.9",
		Until:        mock.Now().Add(time.Minute),
	})

	ev := New("nflog", KindFirewallHit, SeverityLow, mock.Now())
	ev.SourceIP = "198.51.100.9"
	assert.Equal(t, "dep-3", reg.Tag(ev))

	mock.Advance(2 * time.Minute)
	assert.Empty(t, reg.Tag(ev), "expired announcements stop tagging")

	reg.Announce(Announcement{
		DeploymentID: "dep-4",
		Subject:      "198.51.100.9",
		Until:        mock.Now().Add(time.Minute),
	})
	reg.Retract("dep-4")
	assert.Empty(t, reg.Tag(ev))
}
