package correlate

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/events"
)

type harness struct {
	corr     *Correlator
	emitted  []Assessment
	warnings []events.SecurityEvent
	mock     *clock.MockClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{mock: clock.NewMockClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))}
	t.Cleanup(clock.SetClock(h.mock))
	h.corr = New(cfg,
		func(a Assessment) { h.emitted = append(h.emitted, a) },
		func(ev events.SecurityEvent) { h.warnings = append(h.warnings, ev) },
		nil)
	return h
}

func authFail(ip string) events.SecurityEvent {
	ev := events.New("sshd", events.KindAuthFail, events.SeverityMedium, clock.Now())
	ev.SourceIP = ip
	ev.Target = "22"
	return ev
}

func TestCorrelator_BruteForceEscalates(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	// 60 auth failures from one host inside a minute.
	for i := 0; i < 60; i++ {
		h.corr.Handle(authFail("203.0.113.7"))
		h.mock.Advance(time.Second)
	}

	require.Len(t, h.emitted, 1, "one assessment per cooldown window")
	a := h.emitted[0]
	assert.Equal(t, events.KindAuthFail, a.Kind)
	assert.Equal(t, "203.0.113.7", a.Subject)
	assert.GreaterOrEqual(t, a.Score, 0.7)
	assert.Equal(t, RecommendBlock, a.Recommendation)
	assert.Equal(t, 24*time.Hour, a.ExpiresSuggest)
	assert.Contains(t, a.Ports, "22")
	assert.NotEmpty(t, a.EventIDs)
}

func TestCorrelator_CooldownHoldsSubject(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := 0; i < 120; i++ {
		h.corr.Handle(authFail("203.0.113.7"))
		h.mock.Advance(time.Second)
	}
	assert.Len(t, h.emitted, 1, "cooldown suppresses re-escalation")

	h.mock.Advance(DefaultConfig().Cooldown + time.Minute)
	for i := 0; i < 60; i++ {
		h.corr.Handle(authFail("203.0.113.7"))
		h.mock.Advance(time.Second)
	}
	assert.Len(t, h.emitted, 2, "escalation resumes after cooldown")
}

func TestCorrelator_CausalTagBreaksFeedback(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := 0; i < 200; i++ {
		ev := authFail("198.51.100.9")
		ev.CausalTag = "dep-1"
		h.corr.Handle(ev)
		h.mock.Advance(time.Second)
	}
	assert.Empty(t, h.emitted, "tagged events never re-score their subject")
}

func TestCorrelator_FeedIndicatorEscalatesFast(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ev := events.New("feed.spamhaus", events.KindFeedIndicator, events.SeverityHigh, clock.Now())
	ev.SourceIP = "192.0.2.66"
	h.corr.Handle(ev)
	require.Len(t, h.emitted, 1, "a single feed listing is decisive")
	assert.Equal(t, events.KindFeedIndicator, h.emitted[0].Kind)
}

func TestCorrelator_WindowDecayPreventsSlowDrip(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	// One failure every ten minutes never accumulates.
	for i := 0; i < 30; i++ {
		h.corr.Handle(authFail("203.0.113.7"))
		h.mock.Advance(10 * time.Minute)
	}
	assert.Empty(t, h.emitted)
}

func TestCorrelator_FloodSwitchesToAggregation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FloodCeiling = 50
	h := newHarness(t, cfg)

	// Burst far past the ceiling within one second.
	for i := 0; i < 2200; i++ {
		h.corr.Handle(authFail("203.0.113." + strconv.Itoa(i%200)))
	}
	require.NotEmpty(t, h.warnings, "mode switch announces itself")
	assert.Equal(t, events.KindModeSwitch, h.warnings[0].Kind)

	// Aggregated escalations are marked as such.
	for _, a := range h.emitted {
		assert.True(t, a.Aggregated)
	}
}

func TestCorrelator_SlowPathDegradesSilently(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	h.corr.SetClassifier(classifierFunc(func(ctx context.Context, a Assessment) (Recommendation, error) {
		return "", errors.New("inference endpoint down")
	}))

	// Enough volume to enter the ambiguity band but not the threshold.
	for i := 0; i < 25; i++ {
		h.corr.Handle(authFail("203.0.113.7"))
		h.mock.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, h.emitted, "classifier failure degrades to the fast path verdict")
}

func TestCorrelator_SlowPathCanEscalate(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	called := false
	h.corr.SetClassifier(classifierFunc(func(ctx context.Context, a Assessment) (Recommendation, error) {
		called = true
		return RecommendBlock, nil
	}))

	for i := 0; i < 25 && len(h.emitted) == 0; i++ {
		h.corr.Handle(authFail("203.0.113.7"))
		h.mock.Advance(100 * time.Millisecond)
	}
	assert.True(t, called, "ambiguous scores consult the slow path")
	assert.NotEmpty(t, h.emitted)
}

type classifierFunc func(ctx context.Context, a Assessment) (Recommendation, error)

func (f classifierFunc) Classify(ctx context.Context, a Assessment) (Recommendation, error) {
	return f(ctx, a)
}
