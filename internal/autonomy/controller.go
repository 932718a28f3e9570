package autonomy

import (
	"context"
	"errors"
	"sync"
	"time"

	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/conflict"
	"holt.is/bulwark/internal/correlate"
	"holt.is/bulwark/internal/guard"
	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/metrics"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// Config tunes the controller.
type Config struct {
	Level         Level
	MaxCIDR       int // broadest allowed prefix, e.g. 24 refuses anything wider than /24
	RatePerMin    int
	BreakerCount  int
	BreakerWindow time.Duration
	Cooldown      time.Duration // per-subject double-block hold
}

// DefaultConfig returns the safe defaults.
func DefaultConfig() Config {
	return Config{
		Level:         LevelMonitor,
		MaxCIDR:       24,
		RatePerMin:    10,
		BreakerCount:  5,
		BreakerWindow: 10 * time.Minute,
		Cooldown:      15 * time.Minute,
	}
}

// Submitter is how the controller hands rules onward: the facade creates
// the proposal and, when approve is set, walks it straight into the
// deployment queue with the controller as its own approver.
type Submitter interface {
	SubmitAutonomous(ctx context.Context, rule policy.Rule, explanation string, approve bool) error
}

// Analyzer produces a conflict report for a candidate against the live
// ruleset; wired to the facade's analyzer so both paths share one view.
type Analyzer func(ctx context.Context, r policy.Rule) (conflict.Report, error)

// Controller applies the safety gates and the response templates.
type Controller struct {
	cfg     Config
	guard   *guard.List
	store   *store.Store
	breaker *Breaker
	rate    *rateWindow
	submit  Submitter
	analyze Analyzer
	log     *logging.Logger

	mu        sync.Mutex
	level     Level
	cooldowns map[string]time.Time
}

// New creates the controller.
func New(cfg Config, gl *guard.List, st *store.Store, submit Submitter, analyze Analyzer, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Default()
	}
	c := &Controller{
		cfg:       cfg,
		guard:     gl,
		store:     st,
		breaker:   NewBreaker(cfg.BreakerCount, cfg.BreakerWindow),
		rate:      newRateWindow(cfg.RatePerMin),
		submit:    submit,
		analyze:   analyze,
		log:       log.Component("autonomy"),
		level:     cfg.Level,
		cooldowns: make(map[string]time.Time),
	}
	if st != nil {
		if v, err := st.GetState(store.KeyBreakerTripped); err == nil && v == "1" {
			c.breaker.Trip()
		}
		if v, err := st.GetState(store.KeyAutonomyLevel); err == nil && v != "" {
			if lvl, perr := ParseLevel(v); perr == nil {
				c.level = lvl
			}
		}
	}
	return c
}

// Level returns the current level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// SetLevel changes the level, persisting and auditing the change.
func (c *Controller) SetLevel(lvl Level) error {
	c.mu.Lock()
	c.level = lvl
	c.mu.Unlock()
	if err := c.store.SetState(store.KeyAutonomyLevel, string(lvl)); err != nil {
		return err
	}
	return c.store.Audit(store.Entry{
		Action:     store.ActionAutonomyLevelSet,
		EntityKind: "autonomy",
		Detail:     map[string]any{"level": lvl},
	})
}

// ForceMonitor drops to monitor and trips the breaker; called on
// catastrophic deployment failures.
func (c *Controller) ForceMonitor() {
	c.breaker.Trip()
	_ = c.store.SetState(store.KeyBreakerTripped, "1")
	if err := c.SetLevel(LevelMonitor); err != nil {
		c.log.Error("failed to persist forced monitor level", "error", err)
	}
}

// ResetBreaker is the operator reset.
func (c *Controller) ResetBreaker() error {
	c.breaker.Reset()
	metrics.BreakerOpen.Set(0)
	if err := c.store.SetState(store.KeyBreakerTripped, "0"); err != nil {
		return err
	}
	return c.store.Audit(store.Entry{
		Action:     store.ActionBreakerReset,
		EntityKind: "autonomy",
	})
}

// BreakerTripped reports the breaker state for the status surface.
func (c *Controller) BreakerTripped() bool { return c.breaker.Tripped() }

// HandleAssessment runs the gate chain and, when every gate passes,
// submits a templated drop rule. Gate failures abort with an audit
// record and never error upward; autonomy failing safe is not a fault.
func (c *Controller) HandleAssessment(ctx context.Context, a correlate.Assessment) {
	if err := c.respond(ctx, a); err != nil {
		c.log.Error("autonomous response failed", "assessment", a.ID, "error", err)
	}
}

func (c *Controller) respond(ctx context.Context, a correlate.Assessment) error {
	_ = c.store.Audit(store.Entry{
		Action:        store.ActionThreatEscalated,
		EntityKind:    "assessment",
		EntityID:      a.ID,
		CorrelationID: a.ID,
		Detail: map[string]any{
			"kind":    a.Kind,
			"subject": a.Subject,
			"score":   a.Score,
		},
	})

	// Gate 1: never-block.
	if m, err := c.guard.MatchSubject(a.Subject); err != nil {
		return err
	} else if m != nil {
		reason := "never-block-match"
		if m.Reason == "management" {
			reason = "management-self-block"
		}
		c.suppress(a, reason, map[string]any{"entry": m.Entry})
		return nil
	}

	// Gate 2: circuit breaker.
	if !c.breaker.Check() {
		justTripped := c.persistTrip()
		c.suppress(a, "breaker-open", map[string]any{"tripped_now": justTripped})
		return nil
	}

	// Gate 3: per-subject cooldown. Only a submission consumes the
	// window (see below); a later gate suppressing this assessment must
	// not hold the subject's slot.
	now := clock.Now()
	c.mu.Lock()
	until, held := c.cooldowns[a.Subject]
	active := held && until.After(now)
	level := c.level
	c.mu.Unlock()
	if active {
		c.suppress(a, "subject-cooldown", nil)
		return nil
	}

	rule, err := buildRule(a, c.cfg.MaxCIDR)
	if err != nil {
		var broad *ErrCIDRTooBroad
		if errors.As(err, &broad) {
			c.suppress(a, "cidr-too-broad", map[string]any{"subject": a.Subject, "max": broad.Max})
			return nil
		}
		return err
	}

	// Gate 4: the templated rule must not shadow or contradict anything
	// a person put there.
	report, err := c.analyze(ctx, rule)
	if err != nil {
		return err
	}
	if report.AgainstOrigin(policy.OriginUser, conflict.KindShadow, conflict.KindShadowedByLater, conflict.KindContradiction) {
		c.suppress(a, "conflicts-with-user-rule", nil)
		return nil
	}

	// Gate 5: self-lockout. Management subjects live in the guard list,
	// so a second rule-level sweep catches destination matches too.
	if m, err := c.guard.MatchRule(rule); err != nil {
		return err
	} else if m != nil {
		c.suppress(a, "management-self-block", map[string]any{"entry": m.Entry})
		return nil
	}

	// Gate 6: autonomy level.
	switch level {
	case LevelMonitor:
		if err := c.submit.SubmitAutonomous(ctx, pendingCopy(rule), explanation(a), false); err != nil {
			return err
		}
		c.stampCooldown(a.Subject)
		return nil
	case LevelCautious:
		if a.Score < 0.8 || (len(a.Sources) < 2 && !a.Aggregated) {
			c.suppress(a, "cautious-insufficient-evidence", map[string]any{
				"score": a.Score, "sources": len(a.Sources),
			})
			return nil
		}
	case LevelAggressive:
		if a.Score < 0.8 {
			c.suppress(a, "score-below-floor", map[string]any{"score": a.Score})
			return nil
		}
	}

	// Global creation rate limit, independent of the breaker.
	if !c.rate.Allow() {
		c.suppress(a, "rate-limited", nil)
		return nil
	}

	if err := c.submit.SubmitAutonomous(ctx, rule, explanation(a), true); err != nil {
		return err
	}
	c.stampCooldown(a.Subject)
	c.breaker.Record()
	return c.store.Audit(store.Entry{
		Action:        store.ActionAutonomousApplied,
		EntityKind:    "assessment",
		EntityID:      a.ID,
		CorrelationID: a.ID,
		Detail: map[string]any{
			"rule":    rule.Describe(),
			"expires": rule.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
}

func (c *Controller) stampCooldown(subject string) {
	c.mu.Lock()
	c.cooldowns[subject] = clock.Now().Add(c.cfg.Cooldown)
	c.mu.Unlock()
}

func (c *Controller) persistTrip() bool {
	v, _ := c.store.GetState(store.KeyBreakerTripped)
	if v == "1" {
		return false
	}
	_ = c.store.SetState(store.KeyBreakerTripped, "1")
	metrics.BreakerOpen.Set(1)
	_ = c.store.Audit(store.Entry{
		Action:     store.ActionBreakerTripped,
		EntityKind: "autonomy",
		Detail:     map[string]any{"count": c.cfg.BreakerCount, "window": c.cfg.BreakerWindow.String()},
	})
	return true
}

func (c *Controller) suppress(a correlate.Assessment, reason string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = reason
	detail["subject"] = a.Subject
	_ = c.store.Audit(store.Entry{
		Action:        store.ActionAutonomySuppressed,
		EntityKind:    "assessment",
		EntityID:      a.ID,
		CorrelationID: a.ID,
		Detail:        detail,
	})
	metrics.AutonomySuppressed.WithLabelValues(reason).Inc()
	c.log.Info("autonomous response suppressed", "assessment", a.ID, "reason", reason)
}

// pendingCopy re-tags a rule for the approval queue.
func pendingCopy(r policy.Rule) policy.Rule {
	r.Origin = policy.OriginDaemonPropose
	return r
}

func explanation(a correlate.Assessment) string {
	return "automated response to " + string(a.Kind) + " from " + a.Subject
}
