// Package facade is the single entry point to the policy-and-safety
// core. Every consumer — the CLI, the daemon's own autonomy controller,
// any local RPC client — goes through here; nothing else writes to the
// store or touches the backend adapter.
package facade

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"holt.is/bulwark/internal/autonomy"
	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/conflict"
	"holt.is/bulwark/internal/deploy"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/guard"
	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/metrics"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// Service wires the core together behind one API surface.
type Service struct {
	adapter    backend.Adapter
	store      *store.Store
	guard      *guard.List
	ctrl       *deploy.Controller
	bus        *events.Bus
	translator Translator
	auto       *autonomy.Controller
	log        *logging.Logger

	// guardReload rebuilds the never-block list from every source of
	// truth; installed by the daemon via SetGuardReload.
	guardReload func()

	opTimeout time.Duration

	qmu      sync.Mutex
	queue    []string // proposal ids awaiting deployment, FIFO
	notify   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates the facade. The autonomy controller is attached afterwards
// with SetAutonomy, since it needs the facade as its submitter.
func New(adapter backend.Adapter, st *store.Store, gl *guard.List, ctrl *deploy.Controller,
	bus *events.Bus, translator Translator, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	s := &Service{
		adapter:    adapter,
		store:      st,
		guard:      gl,
		ctrl:       ctrl,
		bus:        bus,
		translator: translator,
		log:        log.Component("facade"),
		opTimeout:  30 * time.Second,
		notify:     make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	return s
}

// SetAutonomy attaches the autonomy controller.
func (s *Service) SetAutonomy(a *autonomy.Controller) { s.auto = a }

// SetGuardReload installs the authoritative guard rebuild. The daemon
// owns the full merge of config entries, store rows and management
// discovery; every never-block mutation must go through it so a CLI
// change can only widen the protected set, never narrow it.
func (s *Service) SetGuardReload(fn func()) { s.guardReload = fn }

// Run processes the approval queue until ctx is cancelled. Approvals
// deploy strictly in FIFO order, one at a time.
func (s *Service) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	for {
		id, ok := s.dequeue()
		if ok {
			s.deployOne(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Service) dequeue() (string, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

func (s *Service) enqueue(id string) {
	s.qmu.Lock()
	s.queue = append(s.queue, id)
	s.qmu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Service) deployOne(ctx context.Context, proposalID string) {
	p, err := s.store.GetProposal(proposalID)
	if err != nil {
		s.log.Error("queued proposal vanished", "proposal", proposalID, "error", err)
		return
	}
	if p.State != store.ProposalApproved {
		return // cancelled while queued
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	d, err := s.ctrl.Deploy(dctx, p)
	if err != nil {
		metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
		s.log.Error("deployment failed", "proposal", proposalID, "error", err)
		return
	}
	metrics.DeploymentsTotal.WithLabelValues(string(d.State)).Inc()
	s.log.Info("deployment in probation", "proposal", proposalID, "deployment", d.ID)
}

// Propose turns operator input into a reviewed proposal: capability
// check, render, dry-run validation, conflict analysis, then persistence
// in pending-approval.
func (s *Service) Propose(ctx context.Context, text string, rule *policy.Rule) (*store.Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	explanation := ""
	var r policy.Rule
	switch {
	case rule != nil:
		r = *rule
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Origin == "" {
			r.Origin = policy.OriginUser
		}
	case strings.TrimSpace(text) != "":
		if s.translator == nil {
			return nil, validationErr("no translator configured; submit a structured rule")
		}
		var err error
		r, explanation, err = s.translator.Translate(ctx, text)
		if err != nil {
			return nil, classify(err, "")
		}
		r.ID = uuid.NewString()
		r.Origin = policy.OriginUser
	default:
		return nil, validationErr("propose requires rule text or a structured rule")
	}

	p, err := s.buildProposal(ctx, r, explanation, store.ProposalPending)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// buildProposal runs the shared pipeline and persists the proposal.
func (s *Service) buildProposal(ctx context.Context, r policy.Rule, explanation string, state store.ProposalState) (*store.Proposal, error) {
	r.Canonicalize()
	if err := r.Validate(); err != nil {
		return nil, validationErr("invalid rule: %v", err)
	}
	if err := s.checkCapabilities(r); err != nil {
		return nil, err
	}

	rendered, err := s.adapter.Render(r)
	if err != nil {
		return nil, classify(err, r.ID)
	}
	verdict, err := s.adapter.Validate(ctx, rendered)
	if err != nil {
		return nil, classify(err, r.ID)
	}
	if !verdict.Valid {
		return nil, validationErr("backend rejected rule: %s", strings.Join(verdict.Errors, "; "))
	}
	report, err := s.AnalyzeRule(ctx, r)
	if err != nil {
		return nil, classify(err, r.ID)
	}

	p := &store.Proposal{
		ID:          uuid.NewString(),
		Rule:        r,
		Rendered:    rendered,
		Verdict:     verdict,
		Conflicts:   report,
		Explanation: explanation,
		State:       state,
	}
	if err := s.store.CreateProposal(p); err != nil {
		return nil, classify(err, p.ID)
	}
	s.log.Info("proposal created", "proposal", p.ID, "rule", r.Describe(), "state", state)
	return p, nil
}

// checkCapabilities rejects rules the active backend cannot express.
func (s *Service) checkCapabilities(r policy.Rule) error {
	caps := s.adapter.Capabilities()
	if (r.Action == policy.ActionDrop || r.Action == policy.ActionReject) && !caps.SupportsDeny {
		return validationErr("backend %s cannot express deny rules", s.adapter.Name())
	}
	if r.Stateful && !caps.SupportsStateful {
		return validationErr("backend %s cannot express stateful rules", s.adapter.Name())
	}
	if r.RateLimit != nil && !caps.SupportsRateLimit {
		return validationErr("backend %s cannot express rate limits", s.adapter.Name())
	}
	if (r.Family == policy.FamilyIPv6 || r.Family == policy.FamilyBoth) && !caps.SupportsIPv6 {
		return validationErr("backend %s cannot express ipv6 rules", s.adapter.Name())
	}
	if r.Priority != 0 && !caps.SupportsPriority {
		return validationErr("backend %s cannot express priorities", s.adapter.Name())
	}
	return nil
}

// AnalyzeRule runs the conflict analyzer against the live ruleset.
func (s *Service) AnalyzeRule(ctx context.Context, r policy.Rule) (conflict.Report, error) {
	imported, err := s.adapter.ImportRules(ctx)
	if err != nil {
		return conflict.Report{}, err
	}
	existing := make([]conflict.Existing, 0, len(imported))
	for i, imp := range imported {
		rule := imp.Rule
		// Lifted rules carry imported origin; restore authorship for
		// rules we deployed ourselves so origin-sensitive gates hold.
		if p := s.proposalByRuleID(rule.ID); p != nil {
			rule.Origin = p.Rule.Origin
			rule.Priority = p.Rule.Priority
		}
		existing = append(existing, conflict.Existing{Rule: rule, Position: i})
	}
	return conflict.Analyze(r, existing, s.adapter.Capabilities().EvaluationOrder), nil
}

func (s *Service) proposalByRuleID(ruleID string) *store.Proposal {
	if ruleID == "" {
		return nil
	}
	for _, st := range []store.ProposalState{store.ProposalApproved} {
		list, err := s.store.ListProposals(st, 500)
		if err != nil {
			return nil
		}
		for _, p := range list {
			if p.Rule.ID == ruleID {
				return p
			}
		}
	}
	return nil
}

// Approve moves a proposal into the FIFO deployment queue.
func (s *Service) Approve(ctx context.Context, proposalID string) error {
	p, err := s.store.GetProposal(proposalID)
	if err != nil {
		return classify(err, proposalID)
	}
	switch p.State {
	case store.ProposalPending, store.ProposalDraft:
	default:
		return validationErr("proposal %s is %s; cannot approve", proposalID, p.State)
	}
	if err := s.store.TransitionProposal(proposalID, store.ProposalApproved, store.Entry{
		Action: store.ActionProposalApproved,
		Detail: map[string]any{"state": store.ProposalApproved},
	}); err != nil {
		return classify(err, proposalID)
	}
	s.enqueue(proposalID)
	return nil
}

// Reject marks a proposal rejected; the live ruleset is untouched.
func (s *Service) Reject(ctx context.Context, proposalID string) error {
	err := s.store.TransitionProposal(proposalID, store.ProposalRejected, store.Entry{
		Action: store.ActionProposalRejected,
		Detail: map[string]any{"state": store.ProposalRejected},
	})
	return classify(err, proposalID)
}

// CancelApproval removes a queued approval before it deploys, returning
// the proposal to pending-approval.
func (s *Service) CancelApproval(ctx context.Context, proposalID string) error {
	s.qmu.Lock()
	found := false
	for i, id := range s.queue {
		if id == proposalID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			found = true
			break
		}
	}
	s.qmu.Unlock()
	if !found {
		return validationErr("proposal %s is not queued", proposalID)
	}
	return classify(s.store.TransitionProposal(proposalID, store.ProposalPending, store.Entry{
		Action: "approval-cancelled",
		Detail: map[string]any{"state": store.ProposalPending},
	}), proposalID)
}

// Commit finalizes a probation deployment.
func (s *Service) Commit(ctx context.Context, deploymentID string) error {
	err := s.ctrl.Commit(ctx, deploymentID)
	if err == nil {
		metrics.DeploymentsTotal.WithLabelValues("committed").Inc()
	}
	return classify(err, deploymentID)
}

// Rollback restores the pre-apply snapshot of a deployment.
func (s *Service) Rollback(ctx context.Context, deploymentID string) error {
	err := s.ctrl.Rollback(ctx, deploymentID)
	if err == nil {
		metrics.DeploymentsTotal.WithLabelValues("rolled-back").Inc()
	}
	return classify(err, deploymentID)
}

// ListRules returns the live ruleset as rendered text.
func (s *Service) ListRules(ctx context.Context) ([]backend.RenderedRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	rules, err := s.adapter.ListRules(ctx)
	return rules, classify(err, "")
}

// ImportRules lifts the live ruleset into the neutral model.
func (s *Service) ImportRules(ctx context.Context) ([]backend.ImportedRule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	imported, err := s.adapter.ImportRules(ctx)
	return imported, classify(err, "")
}

// SubscribeEvents replays persisted events after the cursor, then
// streams live. The returned cancel must be called when done.
func (s *Service) SubscribeEvents(ctx context.Context, since int64) (<-chan events.SecurityEvent, func(), error) {
	live, cancelLive := s.bus.Subscribe(512)
	out := make(chan events.SecurityEvent, 512)

	go func() {
		defer close(out)
		cursor := since
		for {
			batch, err := s.store.EventsSince(cursor, 500)
			if err != nil || len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					return
				}
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq <= cursor {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancelLive, nil
}

// Status is the daemon status surface.
type Status struct {
	Backend        string         `json:"backend" yaml:"backend"`
	BackendHealth  backend.Health `json:"backend_health" yaml:"backend_health"`
	AutonomyLevel  string         `json:"autonomy_level" yaml:"autonomy_level"`
	BreakerTripped bool           `json:"breaker_tripped" yaml:"breaker_tripped"`
	QueueDepth     int            `json:"queue_depth" yaml:"queue_depth"`
	PendingEvents  map[string]int `json:"pending_events" yaml:"pending_events"`
	InFlight       string         `json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
	NeverBlock     []string       `json:"never_block" yaml:"never_block"`
}

// DaemonStatus snapshots the daemon for status consumers.
func (s *Service) DaemonStatus(ctx context.Context) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	health, err := s.adapter.Health(ctx)
	if err != nil {
		s.log.Warn("backend health probe failed", "error", err)
	}
	st := &Status{
		Backend:       s.adapter.Name(),
		BackendHealth: health,
		PendingEvents: s.bus.Pending(),
		NeverBlock:    s.guard.Snapshot(),
	}
	if s.auto != nil {
		st.AutonomyLevel = string(s.auto.Level())
		st.BreakerTripped = s.auto.BreakerTripped()
	}
	s.qmu.Lock()
	st.QueueDepth = len(s.queue)
	s.qmu.Unlock()
	if d, err := s.store.InFlight(s.adapter.Name()); err == nil && d != nil {
		st.InFlight = d.ID
	}
	return st, nil
}

// AutonomySetLevel changes the autonomy dial.
func (s *Service) AutonomySetLevel(ctx context.Context, level string) error {
	lvl, err := autonomy.ParseLevel(level)
	if err != nil {
		return validationErr("%v", err)
	}
	if s.auto == nil {
		return validationErr("autonomy controller not running")
	}
	return classify(s.auto.SetLevel(lvl), "")
}

// AutonomyResetBreaker is the operator breaker reset.
func (s *Service) AutonomyResetBreaker(ctx context.Context) error {
	if s.auto == nil {
		return validationErr("autonomy controller not running")
	}
	return classify(s.auto.ResetBreaker(), "")
}

// NeverBlockAdd protects a subject from autonomous action.
func (s *Service) NeverBlockAdd(ctx context.Context, raw, note string) error {
	entry := guard.ClassifyEntry(raw)
	if err := s.store.AddNeverBlock(entry.Value, string(entry.Kind), note); err != nil {
		return classify(err, "")
	}
	s.reloadGuard()
	return nil
}

// NeverBlockRemove removes a protected subject.
func (s *Service) NeverBlockRemove(ctx context.Context, raw string) error {
	entry := guard.ClassifyEntry(raw)
	if err := s.store.RemoveNeverBlock(entry.Value); err != nil {
		return classify(err, "")
	}
	s.reloadGuard()
	return nil
}

// reloadGuard rebuilds the guard list after a never-block mutation. The
// daemon-installed reload merges config entries, store rows and
// management discovery; the store-only fallback exists for facades
// assembled without a daemon (tests).
func (s *Service) reloadGuard() {
	if s.guardReload != nil {
		s.guardReload()
		return
	}
	rows, err := s.store.ListNeverBlock()
	if err != nil {
		s.log.Error("guard reload failed", "error", err)
		return
	}
	entries := make([]guard.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, guard.Entry{Value: row.Entry, Kind: guard.EntryKind(row.Kind)})
	}
	s.guard.Reload(entries)
}

// SubmitAutonomous implements autonomy.Submitter: the autonomy
// controller's rules enter the same pipeline as operator rules. With
// approve set the controller is its own approver; otherwise the proposal
// parks in pending-approval for a person.
func (s *Service) SubmitAutonomous(ctx context.Context, r policy.Rule, explanation string, approve bool) error {
	state := store.ProposalPending
	if approve {
		state = store.ProposalApproved
	}
	p, err := s.buildProposal(ctx, r, explanation, state)
	if err != nil {
		return err
	}
	if approve {
		s.enqueue(p.ID)
	}
	return nil
}

var _ autonomy.Submitter = (*Service)(nil)
