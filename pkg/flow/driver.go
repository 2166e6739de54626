package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/audit"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/budget"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/checkpoint"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

var (
	// ErrAwaitingHuman is returned when the flow is suspended at a
	// checkpoint; only a resume payload moves it forward.
	ErrAwaitingHuman = errors.New("flow is awaiting a human decision")

	// ErrNoCrew means the current phase has no registered crew.
	ErrNoCrew = errors.New("no crew registered for phase")

	// ErrBudgetDenied means the spend enforcer refused the crew run. The
	// flow stays RUNNING; an operator raises limits and retries.
	ErrBudgetDenied = errors.New("validation spend denied by budget enforcer")

	// ErrStalled means Run hit its iteration bound without reaching a
	// suspension or terminal state.
	ErrStalled = errors.New("flow made no progress within the step bound")
)

// maxRunSteps bounds a single Run invocation. A healthy project reaches a
// checkpoint or a terminal state well inside this.
const maxRunSteps = 64

// Notifier delivers flow events to the outside world. Delivery failures are
// logged, never allowed to fail the transition: the checkpoint itself is
// durable in the event log and the outbox retries.
type Notifier interface {
	CheckpointRaised(ctx context.Context, req contracts.CheckpointRequest, resumeToken string) error
	ProjectClosed(ctx context.Context, projectID string, phase contracts.Phase, reason string) error
}

// Driver advances one project at a time. It owns no state: everything it
// knows comes from the repository, and everything it decides is recorded
// through it.
type Driver struct {
	repo     *store.StateRepository
	router   *router.Router
	budget   budget.Enforcer
	auditor  audit.DecisionLogger
	crews    map[contracts.Phase]Crew
	outputs  *OutputValidator
	notifier Notifier
	signer   *checkpoint.TokenSigner
	logger   *slog.Logger
	clock    func() time.Time
}

// NewDriver wires a driver. Crews, notifier, and token signer are attached
// with the With* options.
func NewDriver(repo *store.StateRepository, rt *router.Router, enforcer budget.Enforcer, auditor audit.DecisionLogger, logger *slog.Logger) (*Driver, error) {
	outputs, err := NewOutputValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		repo:    repo,
		router:  rt,
		budget:  enforcer,
		auditor: auditor,
		crews:   make(map[contracts.Phase]Crew),
		outputs: outputs,
		logger:  logger,
		clock:   time.Now,
	}, nil
}

// WithCrew registers the crew for a phase.
func (d *Driver) WithCrew(phase contracts.Phase, c Crew) *Driver {
	d.crews[phase] = c
	return d
}

// WithNotifier attaches checkpoint and terminal notifications.
func (d *Driver) WithNotifier(n Notifier) *Driver {
	d.notifier = n
	return d
}

// WithTokenSigner attaches resume-token issuance for raised checkpoints.
func (d *Driver) WithTokenSigner(s *checkpoint.TokenSigner) *Driver {
	d.signer = s
	return d
}

// WithClock overrides the clock for testing.
func (d *Driver) WithClock(clock func() time.Time) *Driver {
	d.clock = clock
	return d
}

// Start opens a project history. The budget values travel in the event so
// replay is self-contained.
func (d *Driver) Start(ctx context.Context, projectID string, p contracts.ValidationStartedPayload) (*state.ValidationState, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", projectID, err)
	}
	s, _, err := d.repo.Append(ctx, contracts.ValidationEvent{
		ProjectID: projectID,
		EventType: contracts.EventValidationStarted,
		Payload:   body,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", projectID, err)
	}
	d.logger.InfoContext(ctx, "validation started",
		slog.String("project_id", projectID),
		slog.String("business_model", string(p.BusinessModel)),
		slog.String("policy_version", p.PolicyVersion))
	return s, nil
}

// Run steps the project until it suspends at a checkpoint, reaches a
// terminal state, or exhausts the step bound. A concurrency conflict means
// someone else moved the project first; the stale verdict is discarded and
// the loop re-reads.
func (d *Driver) Run(ctx context.Context, projectID string) (*state.ValidationState, error) {
	for i := 0; i < maxRunSteps; i++ {
		s, err := d.Step(ctx, projectID)
		switch {
		case errors.Is(err, store.ErrConcurrencyConflict):
			continue
		case errors.Is(err, ErrAwaitingHuman), errors.Is(err, state.ErrTerminalState):
			return d.repo.Load(ctx, projectID)
		case err != nil:
			return nil, err
		}
		if s.Status != contracts.FlowRunning {
			return s, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", projectID, ErrStalled)
}

// Step performs one iteration: execute the phase crew if its evidence is
// still owed, then route and record the resulting transition. The returned
// state reflects everything committed during the step.
func (d *Driver) Step(ctx context.Context, projectID string) (*state.ValidationState, error) {
	s, err := d.repo.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", projectID, err)
	}
	if s.Terminal() {
		return nil, fmt.Errorf("step %s: %w", projectID, state.ErrTerminalState)
	}
	if s.Status == contracts.FlowAwaitingHuman {
		return nil, fmt.Errorf("step %s: %w", projectID, ErrAwaitingHuman)
	}

	if d.crewOwed(s) {
		s, err = d.executeCrew(ctx, s)
		if err != nil {
			return nil, err
		}
	}

	return d.route(ctx, s)
}

// Submit records a phase output produced by an out-of-process crew. The
// output passes the same boundary validation and budget enforcement as an
// in-process crew run; the declared cost is what the enforcer reserves.
// Routing is a separate Step so the caller controls re-entry.
func (d *Driver) Submit(ctx context.Context, projectID, crewName string, raw json.RawMessage) (*state.ValidationState, error) {
	s, err := d.repo.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", projectID, err)
	}
	if s.Terminal() {
		return nil, fmt.Errorf("submit %s: %w", projectID, state.ErrTerminalState)
	}
	if s.Status == contracts.FlowAwaitingHuman {
		return nil, fmt.Errorf("submit %s: %w", projectID, ErrAwaitingHuman)
	}

	out, err := d.outputs.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("submit %s: crew %s: %w", projectID, crewName, err)
	}

	decision, err := d.budget.Check(ctx, projectID, budget.Cost{
		AmountCents: out.CostCents,
		Crew:        crewName,
		Reason:      string(s.Phase),
	})
	if err != nil || !decision.Allowed {
		reason := "check failed"
		if decision != nil {
			reason = decision.Reason
		}
		d.logger.WarnContext(ctx, "submitted output denied by budget",
			slog.String("project_id", projectID),
			slog.String("crew", crewName),
			slog.String("reason", reason))
		return nil, fmt.Errorf("submit %s: crew %s: %w: %s", projectID, crewName, ErrBudgetDenied, reason)
	}

	return d.record(ctx, s, crewName, out)
}

// crewOwed reports whether the current phase still needs a crew run. A
// phase owes evidence until its crew passes QA; an approved phase or a
// pending pivot goes straight to the router.
func (d *Driver) crewOwed(s *state.ValidationState) bool {
	if s.PendingPivot != nil {
		return false
	}
	if s.Approvals[s.Phase] != "" {
		return false
	}
	if _, ok := d.crews[s.Phase]; !ok {
		return false
	}
	return s.QA != state.QAPassed
}

func (d *Driver) executeCrew(ctx context.Context, s *state.ValidationState) (*state.ValidationState, error) {
	crew := d.crews[s.Phase]
	cost := budget.Cost{
		AmountCents: crew.EstimatedCostCents(),
		Crew:        crew.Name(),
		Reason:      string(s.Phase),
	}

	decision, err := d.budget.Check(ctx, s.ProjectID, cost)
	if err != nil || !decision.Allowed {
		reason := "check failed"
		if decision != nil {
			reason = decision.Reason
		}
		d.logger.WarnContext(ctx, "crew run denied by budget",
			slog.String("project_id", s.ProjectID),
			slog.String("crew", crew.Name()),
			slog.String("reason", reason))
		return nil, fmt.Errorf("step %s: crew %s: %w: %s", s.ProjectID, crew.Name(), ErrBudgetDenied, reason)
	}

	raw, err := crew.Execute(ctx, s.Clone())
	if err != nil {
		return nil, fmt.Errorf("step %s: crew %s: %w", s.ProjectID, crew.Name(), err)
	}
	out, err := d.outputs.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("step %s: crew %s: %w", s.ProjectID, crew.Name(), err)
	}
	if out.CostCents == 0 {
		out.CostCents = cost.AmountCents
	}
	return d.record(ctx, s, crew.Name(), out)
}

// record commits a validated phase output: the spend first, then the
// evidence with its QA verdict.
func (d *Driver) record(ctx context.Context, s *state.ValidationState, crewName string, out *PhaseOutput) (*state.ValidationState, error) {
	s, err := d.append(ctx, s, contracts.EventSpendRecorded, contracts.SpendRecordedPayload{
		AmountCents: out.CostCents,
		Crew:        crewName,
		Reason:      string(s.Phase),
	})
	if err != nil {
		return nil, err
	}

	now := d.clock().UTC()
	for i := range out.Evidence {
		if out.Evidence[i].Phase == "" {
			out.Evidence[i].Phase = s.Phase
		}
		if out.Evidence[i].SourceCrew == "" {
			out.Evidence[i].SourceCrew = crewName
		}
		if out.Evidence[i].ObservedAt.IsZero() {
			out.Evidence[i].ObservedAt = now
		}
	}
	qa := out.QAPassed
	return d.append(ctx, s, contracts.EventEvidenceRecorded, contracts.EvidenceRecordedPayload{
		Evidence: out.Evidence,
		QAPassed: &qa,
	})
}

// route asks the gate router for a verdict and records it plus its
// follow-up transition.
func (d *Driver) route(ctx context.Context, s *state.ValidationState) (*state.ValidationState, error) {
	dec, err := d.router.Decide(s)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", s.ProjectID, err)
	}

	s, committed, err := d.appendEvent(ctx, s, contracts.EventRouterDecided, dec.Payload(s, s.PolicyVersion))
	if err != nil {
		return nil, err
	}
	if _, auditErr := audit.LogRouterDecision(ctx, d.auditor, s.ProjectID, dec, committed.EventID); auditErr != nil {
		// The verdict is already durable in the event log; losing the
		// decision-index mirror is recoverable.
		d.logger.WarnContext(ctx, "router decision audit failed",
			slog.String("project_id", s.ProjectID), slog.Any("error", auditErr))
	}
	d.logger.InfoContext(ctx, "router decided",
		slog.String("project_id", s.ProjectID),
		slog.String("phase", string(s.Phase)),
		slog.String("decision", string(dec.Kind)),
		slog.String("reason", dec.Reason))

	switch dec.Kind {
	case router.Advance:
		if dec.NextPhase == contracts.PhaseComplete {
			return d.complete(ctx, s)
		}
		return d.append(ctx, s, contracts.EventPhaseEntered, contracts.PhaseEnteredPayload{
			Phase: dec.NextPhase,
			From:  s.Phase,
		})

	case router.Pivot:
		actor := dec.RequestedBy
		if actor == "" {
			actor = contracts.ActorSystem
		}
		return d.append(ctx, s, contracts.EventPivotApplied, contracts.PivotAppliedPayload{
			PivotType:     dec.Envelope.Type,
			FromPhase:     s.Phase,
			ToPhase:       dec.ResetPhase,
			Envelope:      dec.Envelope,
			Reason:        dec.Reason,
			RequestedBy:   actor,
			AttemptNumber: s.PivotBudget.Attempts + 1,
		})

	case router.HoldForHuman:
		return d.raiseCheckpoint(ctx, s, dec)

	case router.Kill:
		return d.kill(ctx, s, dec)
	}
	return nil, fmt.Errorf("step %s: unknown decision kind %q", s.ProjectID, dec.Kind)
}

func (d *Driver) raiseCheckpoint(ctx context.Context, s *state.ValidationState, dec router.Decision) (*state.ValidationState, error) {
	next, _, err := d.appendEvent(ctx, s, contracts.EventCheckpointRaised, contracts.CheckpointRaisedPayload{
		CheckpointID:   dec.CheckpointID,
		CheckpointType: dec.ApprovalType,
		Phase:          s.Phase,
	})
	if err != nil {
		return nil, err
	}

	req := contracts.CheckpointRequest{
		CheckpointID: dec.CheckpointID,
		ProjectID:    s.ProjectID,
		Type:         dec.ApprovalType,
		Phase:        s.Phase,
		Status:       contracts.CheckpointPending,
		Options:      approvalOptions(dec.ApprovalType),
		Evidence:     summarize(next),
		CreatedAt:    d.clock().UTC(),
	}
	token := ""
	if d.signer != nil {
		token, err = d.signer.Issue(s.ProjectID, dec.CheckpointID)
		if err != nil {
			return nil, fmt.Errorf("step %s: issue resume token: %w", s.ProjectID, err)
		}
	}
	if d.notifier != nil {
		if err := d.notifier.CheckpointRaised(ctx, req, token); err != nil {
			d.logger.WarnContext(ctx, "checkpoint notification failed",
				slog.String("project_id", s.ProjectID),
				slog.String("checkpoint_id", dec.CheckpointID),
				slog.Any("error", err))
		}
	}
	return next, nil
}

func (d *Driver) complete(ctx context.Context, s *state.ValidationState) (*state.ValidationState, error) {
	next, err := d.append(ctx, s, contracts.EventProjectCompleted, contracts.ProjectCompletedPayload{
		Summary: fmt.Sprintf("validated through %s", s.Phase),
	})
	if err != nil {
		return nil, err
	}
	d.notifyClosed(ctx, next, "validation complete")
	return next, nil
}

func (d *Driver) kill(ctx context.Context, s *state.ValidationState, dec router.Decision) (*state.ValidationState, error) {
	actor := dec.RequestedBy
	if actor == "" {
		actor = contracts.ActorSystem
	}
	next, err := d.append(ctx, s, contracts.EventProjectKilled, contracts.ProjectKilledPayload{
		Axis:   dec.Axis,
		Reason: dec.Reason,
		Actor:  actor,
	})
	if err != nil {
		return nil, err
	}
	d.notifyClosed(ctx, next, dec.Reason)
	return next, nil
}

func (d *Driver) notifyClosed(ctx context.Context, s *state.ValidationState, reason string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.ProjectClosed(ctx, s.ProjectID, s.Phase, reason); err != nil {
		d.logger.WarnContext(ctx, "terminal notification failed",
			slog.String("project_id", s.ProjectID), slog.Any("error", err))
	}
}

func (d *Driver) append(ctx context.Context, s *state.ValidationState, t contracts.EventType, payload any) (*state.ValidationState, error) {
	next, _, err := d.appendEvent(ctx, s, t, payload)
	return next, err
}

func (d *Driver) appendEvent(ctx context.Context, s *state.ValidationState, t contracts.EventType, payload any) (*state.ValidationState, contracts.ValidationEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, contracts.ValidationEvent{}, fmt.Errorf("step %s: encode %s: %w", s.ProjectID, t, err)
	}
	next, committed, err := d.repo.Append(ctx, contracts.ValidationEvent{
		ProjectID: s.ProjectID,
		EventType: t,
		Payload:   body,
	}, s.Version)
	if err != nil {
		return nil, contracts.ValidationEvent{}, fmt.Errorf("step %s: append %s: %w", s.ProjectID, t, err)
	}
	return next, committed, nil
}

// approvalOptions enumerates the verbs the resume schema accepts for a
// checkpoint type.
func approvalOptions(t contracts.ApprovalType) []string {
	if t == contracts.ApprovalViability {
		return []string{"approve", "reject", "pivot"}
	}
	return []string{"approve", "reject"}
}

// summarize digests per-axis evidence for the approver.
func summarize(s *state.ValidationState) []contracts.EvidenceSummary {
	var out []contracts.EvidenceSummary
	for _, axis := range contracts.AxesByCost {
		a := s.Axis(axis)
		if len(a.Evidence) == 0 {
			continue
		}
		latest := a.Evidence[len(a.Evidence)-1]
		out = append(out, contracts.EvidenceSummary{
			Axis:   axis,
			Signal: a.Signal,
			Count:  len(a.Evidence),
			Latest: latest.Kind,
		})
	}
	return out
}
