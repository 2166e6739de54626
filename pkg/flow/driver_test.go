package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/audit"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/budget"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/checkpoint"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

type stubCrew struct {
	name    string
	cost    int64
	execute func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error)
}

func (c *stubCrew) Name() string              { return c.name }
func (c *stubCrew) EstimatedCostCents() int64 { return c.cost }
func (c *stubCrew) Execute(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
	return c.execute(ctx, s)
}

// crewOutput renders a schema-valid output document.
func crewOutput(t *testing.T, qaPassed bool, evidence ...contracts.Evidence) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PhaseOutput{Evidence: evidence, QAPassed: qaPassed})
	require.NoError(t, err)
	return raw
}

func scored(axis contracts.RiskAxis, kind string, score, confidence float64) contracts.Evidence {
	return contracts.Evidence{Axis: axis, Kind: kind, Score: score, Confidence: confidence}
}

type captureNotifier struct {
	mu          sync.Mutex
	checkpoints []contracts.CheckpointRequest
	tokens      []string
	closed      []string
}

func (n *captureNotifier) CheckpointRaised(ctx context.Context, req contracts.CheckpointRequest, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checkpoints = append(n.checkpoints, req)
	n.tokens = append(n.tokens, token)
	return nil
}

func (n *captureNotifier) ProjectClosed(ctx context.Context, projectID string, phase contracts.Phase, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, fmt.Sprintf("%s %s: %s", projectID, phase, reason))
	return nil
}

type harness struct {
	log       *store.MemoryEventLog
	repo      *store.StateRepository
	decisions *store.MemoryDecisionStore
	budgets   *budget.MemoryStorage
	driver    *Driver
	notifier  *captureNotifier
	resume    *checkpoint.Manager
	signer    *checkpoint.TokenSigner
}

func newHarness(t *testing.T, policy router.Policy) *harness {
	t.Helper()
	log := store.NewMemoryEventLog()
	repo := store.NewStateRepository(log)
	decisions := store.NewMemoryDecisionStore()
	auditor := audit.NewStoreLogger(decisions, nil)
	budgets := budget.NewMemoryStorage()

	rt, err := router.New(policy)
	require.NoError(t, err)
	signer, err := checkpoint.NewTokenSigner([]byte("flow-test-secret"), 0)
	require.NoError(t, err)

	notifier := &captureNotifier{}
	driver, err := NewDriver(repo, rt, budget.NewSpendEnforcer(budgets, nil), auditor, nil)
	require.NoError(t, err)
	driver.WithNotifier(notifier).WithTokenSigner(signer)

	resume, err := checkpoint.NewManager(repo, decisions, auditor)
	require.NoError(t, err)
	resume.WithTokenSigner(signer)

	return &harness{
		log: log, repo: repo, decisions: decisions, budgets: budgets,
		driver: driver, notifier: notifier, resume: resume, signer: signer,
	}
}

// openPolicy declares no checkpoints, so flows run gate-to-gate without
// human intervention.
func openPolicy(t *testing.T) router.Policy {
	t.Helper()
	p, err := router.NewPolicy("1.0.0", nil, nil)
	require.NoError(t, err)
	return p
}

func startProject(t *testing.T, h *harness, projectID string, maxPivots int) *state.ValidationState {
	t.Helper()
	s, err := h.driver.Start(context.Background(), projectID, contracts.ValidationStartedPayload{
		FounderInput:  "AI bookkeeping for dental clinics",
		BusinessModel: contracts.ModelSaaS,
		PolicyVersion: "1.0.0",
		MaxPivots:     maxPivots,
	})
	require.NoError(t, err)
	return s
}

func resumeBody(t *testing.T, h *harness, projectID, checkpointID string, approvalType contracts.ApprovalType, decision, decisionID string) []byte {
	t.Helper()
	token, err := h.signer.Issue(projectID, checkpointID)
	require.NoError(t, err)
	raw, err := json.Marshal(contracts.ResumePayload{
		CheckpointID: checkpointID,
		ApprovalType: approvalType,
		Decision:     decision,
		DecisionID:   decisionID,
		ApproverID:   "founder-1",
		Rationale:    "reviewed",
		Token:        token,
	})
	require.NoError(t, err)
	return raw
}

func TestDriver_RunsToDiscoveryCheckpoint(t *testing.T) {
	h := newHarness(t, router.DefaultPolicy())
	startProject(t, h, "proj-1", 2)

	h.driver.WithCrew(contracts.PhaseDiscovery, &stubCrew{
		name: "discovery-crew", cost: 300,
		execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
			return crewOutput(t, true,
				scored(contracts.AxisDesirability, "segment_interviews", 0.8, 0.7)), nil
		},
	})

	s, err := h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.FlowAwaitingHuman, s.Status)
	assert.Equal(t, contracts.PhaseDiscovery, s.Phase)
	require.NotNil(t, s.Checkpoint)
	assert.Equal(t, contracts.ApprovalCreative, s.Checkpoint.Type)
	assert.Equal(t, int64(300), s.Spend.SpentCents)

	require.Len(t, h.notifier.checkpoints, 1)
	req := h.notifier.checkpoints[0]
	assert.Equal(t, s.Checkpoint.CheckpointID, req.CheckpointID)
	assert.Equal(t, []string{"approve", "reject"}, req.Options)
	require.Len(t, req.Evidence, 1)
	assert.Equal(t, contracts.AxisDesirability, req.Evidence[0].Axis)
	assert.NotEmpty(t, h.notifier.tokens[0])
}

func TestDriver_ResumeCommitsBeforeReentry(t *testing.T) {
	h := newHarness(t, router.DefaultPolicy())
	startProject(t, h, "proj-1", 2)

	strong := map[contracts.Phase]contracts.Evidence{
		contracts.PhaseDiscovery:    scored(contracts.AxisDesirability, "segment_interviews", 0.8, 0.7),
		contracts.PhaseDesirability: scored(contracts.AxisDesirability, "landing_page_conversion", 0.85, 0.8),
		contracts.PhaseFeasibility:  scored(contracts.AxisFeasibility, "build_cost_estimate", 0.8, 0.8),
		contracts.PhaseViability:    scored(contracts.AxisViability, "unit_economics", 0.9, 0.8),
	}
	for phase, ev := range strong {
		ev := ev
		h.driver.WithCrew(phase, &stubCrew{
			name: string(phase) + "-crew", cost: 100,
			execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
				return crewOutput(t, true, ev), nil
			},
		})
	}

	s, err := h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, s.Checkpoint)
	ckpt := s.Checkpoint.CheckpointID

	_, err = h.resume.Resume(context.Background(), "proj-1",
		resumeBody(t, h, "proj-1", ckpt, contracts.ApprovalCreative, "approve", "dec-1"))
	require.NoError(t, err)

	s, err = h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, s.Checkpoint)
	assert.Equal(t, contracts.PhaseViability, s.Phase)
	assert.Equal(t, contracts.ApprovalViability, s.Checkpoint.Type)

	_, err = h.resume.Resume(context.Background(), "proj-1",
		resumeBody(t, h, "proj-1", s.Checkpoint.CheckpointID, contracts.ApprovalViability, "approve", "dec-2"))
	require.NoError(t, err)

	s, err = h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.PhaseComplete, s.Phase)
	assert.Equal(t, contracts.FlowTerminal, s.Status)
	require.Len(t, h.notifier.closed, 1)
	assert.Contains(t, h.notifier.closed[0], "validation complete")

	// The resolution is durable before any re-entry work: in the replayed
	// history, no event for a later phase precedes its checkpoint_resolved.
	events, err := h.log.Replay(context.Background(), "proj-1")
	require.NoError(t, err)
	resolvedAt := -1
	for i, ev := range events {
		if ev.EventType == contracts.EventCheckpointResolved {
			resolvedAt = i
			break
		}
	}
	require.GreaterOrEqual(t, resolvedAt, 0)
	for _, ev := range events[:resolvedAt] {
		if ev.EventType == contracts.EventPhaseEntered {
			var p contracts.PhaseEnteredPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.NotEqual(t, contracts.PhaseDesirability, p.Phase,
				"desirability entered before the discovery approval was committed")
		}
	}
	require.NoError(t, h.log.VerifyChain(context.Background(), "proj-1"))
}

func TestDriver_WeakSignalPivotsThenExhaustsAndKills(t *testing.T) {
	h := newHarness(t, openPolicy(t))
	startProject(t, h, "proj-1", 1)

	hypothesis := contracts.Evidence{
		Axis:        contracts.AxisDesirability,
		Kind:        router.HypothesisKind,
		Score:       0,
		Confidence:  0.1,
		Qualitative: `PRICE_PIVOT|{"proposed_price_cents": 4900, "rationale": "halve the price"}`,
	}
	h.driver.WithCrew(contracts.PhaseDesirability, &stubCrew{
		name: "desirability-crew", cost: 100,
		execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
			return crewOutput(t, true,
				scored(contracts.AxisDesirability, "landing_page_conversion", 0.35, 0.9),
				hypothesis), nil
		},
	})

	s, err := h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.PhaseKilled, s.Phase)
	assert.Contains(t, s.KillReason, "pivot budget exhausted")
	assert.Equal(t, 1, s.PivotBudget.Attempts)
	require.NotNil(t, s.LastPivot)
	assert.Equal(t, contracts.PivotPrice, s.LastPivot.PivotType)
	assert.Equal(t, contracts.ActorSystem, s.LastPivot.RequestedBy)
	// The first round's evidence was archived by the pivot.
	assert.NotEmpty(t, s.Axes[contracts.AxisDesirability].Archived)

	require.Len(t, h.notifier.closed, 1)
}

func TestDriver_CrewOutputRejectedAtBoundary(t *testing.T) {
	h := newHarness(t, openPolicy(t))
	startProject(t, h, "proj-1", 1)

	h.driver.WithCrew(contracts.PhaseDiscovery, &stubCrew{
		name: "discovery-crew", cost: 100,
		execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
			return json.RawMessage(`{"evidence": [{"axis": "DESIRABILITY", "kind": "x", "score": 2.5, "confidence": 0.9}], "qa_passed": true}`), nil
		},
	})

	// First step advances out of onboarding; the second hits the bad crew.
	_, err := h.driver.Step(context.Background(), "proj-1")
	require.NoError(t, err)
	before, err := h.repo.Load(context.Background(), "proj-1")
	require.NoError(t, err)

	_, err = h.driver.Step(context.Background(), "proj-1")
	require.ErrorIs(t, err, ErrCrewOutput)

	// Nothing was written: the flow stays RUNNING at the same version.
	after, err := h.repo.Load(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, contracts.FlowRunning, after.Status)
}

func TestDriver_BudgetDeniedFailsClosed(t *testing.T) {
	h := newHarness(t, openPolicy(t))
	startProject(t, h, "proj-1", 1)
	require.NoError(t, h.budgets.SetLimits(context.Background(), "proj-1", 100, 0))

	h.driver.WithCrew(contracts.PhaseDiscovery, &stubCrew{
		name: "discovery-crew", cost: 500,
		execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
			t.Fatal("crew must not execute when the budget denies the run")
			return nil, nil
		},
	})

	_, err := h.driver.Step(context.Background(), "proj-1") // onboarding advance
	require.NoError(t, err)
	_, err = h.driver.Step(context.Background(), "proj-1")
	require.ErrorIs(t, err, ErrBudgetDenied)
}

func TestDriver_ExternalKillPreemptsStaleStep(t *testing.T) {
	h := newHarness(t, openPolicy(t))
	startProject(t, h, "proj-1", 1)

	// The crew simulates a concurrent external kill landing while the step
	// holds a stale snapshot: the step's own append must lose the CAS race
	// and its verdict must be discarded.
	h.driver.WithCrew(contracts.PhaseDiscovery, &stubCrew{
		name: "discovery-crew", cost: 100,
		execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
			body, _ := json.Marshal(contracts.ProjectKilledPayload{
				Reason: "founder withdrew", Actor: contracts.ActorHuman,
			})
			_, _, err := h.repo.Append(ctx, contracts.ValidationEvent{
				ProjectID: "proj-1",
				EventType: contracts.EventProjectKilled,
				Payload:   body,
			}, s.Version)
			if err != nil {
				return nil, err
			}
			return crewOutput(t, true,
				scored(contracts.AxisDesirability, "segment_interviews", 0.9, 0.9)), nil
		},
	})

	s, err := h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.PhaseKilled, s.Phase)
	assert.Equal(t, "founder withdrew", s.KillReason)

	// The stale step wrote nothing after the kill.
	events, err := h.log.Replay(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.EventProjectKilled, events[len(events)-1].EventType)
}

func TestDriver_StartIsSingleUse(t *testing.T) {
	h := newHarness(t, openPolicy(t))
	startProject(t, h, "proj-1", 1)

	_, err := h.driver.Start(context.Background(), "proj-1", contracts.ValidationStartedPayload{
		BusinessModel: contracts.ModelSaaS, PolicyVersion: "1.0.0",
	})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)
}

func TestOutputValidator(t *testing.T) {
	v, err := NewOutputValidator()
	require.NoError(t, err)

	_, err = v.Decode(json.RawMessage(`{"evidence": [], "qa_passed": true}`))
	assert.NoError(t, err)

	_, err = v.Decode(json.RawMessage(`{"evidence": []}`))
	assert.ErrorIs(t, err, ErrCrewOutput)

	_, err = v.Decode(json.RawMessage(`{"evidence": [{"axis": "PROFIT", "kind": "x", "score": 0.5, "confidence": 0.5}], "qa_passed": true}`))
	assert.ErrorIs(t, err, ErrCrewOutput)

	_, err = v.Decode(json.RawMessage(`not json`))
	assert.ErrorIs(t, err, ErrCrewOutput)
}

func TestDriver_SubmitRecordsExternalOutput(t *testing.T) {
	h := newHarness(t, router.DefaultPolicy())
	startProject(t, h, "proj-1", 2)

	// No crew registered: the first step just routes into DISCOVERY.
	s, err := h.driver.Step(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Equal(t, contracts.PhaseDiscovery, s.Phase)

	out, err := json.Marshal(PhaseOutput{
		Evidence:  []contracts.Evidence{scored(contracts.AxisDesirability, "interview_batch", 0.8, 0.9)},
		QAPassed:  true,
		CostCents: 450,
	})
	require.NoError(t, err)

	s, err = h.driver.Submit(context.Background(), "proj-1", "remote-discovery", out)
	require.NoError(t, err)
	assert.Equal(t, int64(450), s.Spend.SpentCents)
	require.Len(t, s.Axis(contracts.AxisDesirability).Evidence, 1)
	assert.Equal(t, "remote-discovery", s.Axis(contracts.AxisDesirability).Evidence[0].SourceCrew)
	assert.Equal(t, contracts.PhaseDiscovery, s.Axis(contracts.AxisDesirability).Evidence[0].Phase)

	// Routing on submitted evidence suspends at the discovery checkpoint.
	s, err = h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.FlowAwaitingHuman, s.Status)
	require.NotNil(t, s.Checkpoint)
	assert.Equal(t, contracts.ApprovalCreative, s.Checkpoint.Type)
}

func TestDriver_SubmitDeniedByBudget(t *testing.T) {
	h := newHarness(t, openPolicy(t))
	startProject(t, h, "proj-1", 1)
	require.NoError(t, h.budgets.SetLimits(context.Background(), "proj-1", 100, 100))

	before, err := h.repo.Load(context.Background(), "proj-1")
	require.NoError(t, err)

	out, err := json.Marshal(PhaseOutput{
		Evidence:  []contracts.Evidence{scored(contracts.AxisDesirability, "interview_batch", 0.8, 0.9)},
		QAPassed:  true,
		CostCents: 500,
	})
	require.NoError(t, err)

	_, err = h.driver.Submit(context.Background(), "proj-1", "remote-discovery", out)
	require.ErrorIs(t, err, ErrBudgetDenied)

	after, err := h.repo.Load(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestDriver_SubmitRejectedWhileAwaitingHuman(t *testing.T) {
	h := newHarness(t, router.DefaultPolicy())
	startProject(t, h, "proj-1", 2)

	h.driver.WithCrew(contracts.PhaseDiscovery, &stubCrew{
		name: "discovery-crew", cost: 100,
		execute: func(ctx context.Context, s *state.ValidationState) (json.RawMessage, error) {
			return crewOutput(t, true, scored(contracts.AxisDesirability, "interview_batch", 0.8, 0.9)), nil
		},
	})
	s, err := h.driver.Run(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Equal(t, contracts.FlowAwaitingHuman, s.Status)

	out, err := json.Marshal(PhaseOutput{
		Evidence: []contracts.Evidence{scored(contracts.AxisDesirability, "late_batch", 0.7, 0.8)},
		QAPassed: true,
	})
	require.NoError(t, err)

	_, err = h.driver.Submit(context.Background(), "proj-1", "remote-discovery", out)
	require.ErrorIs(t, err, ErrAwaitingHuman)
}
