package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/audit"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/budget"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/checkpoint"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/config"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/economics"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/export"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/flow"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/observability"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/replay"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

type apiHarness struct {
	srv    *server
	signer *checkpoint.TokenSigner
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	eventLog := store.NewMemoryEventLog()
	repo := store.NewStateRepository(eventLog)
	decisions := store.NewMemoryDecisionStore()
	auditor := audit.NewStoreLogger(decisions, nil)
	budgets := budget.NewMemoryStorage()
	enforcer := budget.NewSpendEnforcer(budgets, nil)

	profile := &config.GatePolicyProfile{
		Name:    "api test",
		Code:    "test",
		Version: "1.0.0",
		Checkpoints: map[string]string{
			"discovery": "creative_approval",
			"viability": "viability_decision",
		},
		MaxPivots: 2,
		Budget:    config.BudgetDefaults{DailyLimitCents: 10_000, TotalLimitCents: 50_000},
	}
	policy, err := profile.ToPolicy()
	require.NoError(t, err)
	rt, err := router.New(policy)
	require.NoError(t, err)

	signer, err := checkpoint.NewTokenSigner([]byte("api-test-secret"), 0)
	require.NoError(t, err)

	driver, err := flow.NewDriver(repo, rt, enforcer, auditor, nil)
	require.NoError(t, err)
	driver.WithTokenSigner(signer)

	manager, err := checkpoint.NewManager(repo, decisions, auditor)
	require.NoError(t, err)
	manager.WithTokenSigner(signer)

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	return &apiHarness{
		srv: newServer(serverDeps{
			repo:      repo,
			driver:    driver,
			resume:    manager,
			enforcer:  enforcer,
			decisions: decisions,
			exporter:  export.NewExporter(eventLog, decisions),
			verifier:  replay.NewVerifier(eventLog),
			profile:   profile,
			obs:       obs,
		}),
		signer: signer,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.routes().ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) state(t *testing.T, rec *httptest.ResponseRecorder) *state.ValidationState {
	t.Helper()
	var st state.ValidationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st), rec.Body.String())
	return &st
}

func (h *apiHarness) submit(t *testing.T, projectID, crew string, score float64, axis contracts.RiskAxis) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, "/v1/projects/"+projectID+"/evidence", map[string]any{
		"crew": crew,
		"output": map[string]any{
			"evidence": []map[string]any{{
				"axis": string(axis), "kind": "experiment", "score": score, "confidence": 0.9,
			}},
			"qa_passed":  true,
			"cost_cents": 300,
		},
	})
}

func (h *apiHarness) resumePayload(t *testing.T, projectID, checkpointID string, approvalType contracts.ApprovalType, decision, decisionID string) map[string]any {
	t.Helper()
	token, err := h.signer.Issue(projectID, checkpointID)
	require.NoError(t, err)
	return map[string]any{
		"checkpoint_id": checkpointID,
		"approval_type": string(approvalType),
		"decision":      decision,
		"decision_id":   decisionID,
		"approver_id":   "founder-1",
		"rationale":     "reviewed",
		"token":         token,
	}
}

func TestAPI_FullValidationLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	// Start routes the project out of onboarding.
	rec := h.do(t, http.MethodPost, "/v1/projects", map[string]any{
		"project_id":     "proj-1",
		"founder_input":  "AI bookkeeping for dental clinics",
		"business_model": "SAAS",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := h.state(t, rec)
	assert.Equal(t, contracts.PhaseDiscovery, st.Phase)
	assert.Equal(t, contracts.FlowRunning, st.Status)

	// Profile budget defaults applied.
	rec = h.do(t, http.MethodGet, "/v1/projects/proj-1/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b budget.Budget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, int64(50_000), b.TotalLimit)

	// Discovery evidence suspends at the creative checkpoint.
	rec = h.submit(t, "proj-1", "discovery-crew", 0.8, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = h.state(t, rec)
	require.Equal(t, contracts.FlowAwaitingHuman, st.Status)
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, contracts.ApprovalCreative, st.Checkpoint.Type)

	// Evidence during suspension is refused.
	rec = h.submit(t, "proj-1", "discovery-crew", 0.8, contracts.AxisDesirability)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Approval re-enters the flow and advances.
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-1/resume",
		h.resumePayload(t, "proj-1", st.Checkpoint.CheckpointID, contracts.ApprovalCreative, "approve", "dec-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = h.state(t, rec)
	assert.Equal(t, contracts.PhaseDesirability, st.Phase)
	assert.Equal(t, contracts.FlowRunning, st.Status)

	// Gated phases advance on passing evidence.
	rec = h.submit(t, "proj-1", "desirability-crew", 0.85, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contracts.PhaseFeasibility, h.state(t, rec).Phase)

	rec = h.submit(t, "proj-1", "feasibility-crew", 0.8, contracts.AxisFeasibility)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contracts.PhaseViability, h.state(t, rec).Phase)

	// Viability holds for the final human verdict.
	rec = h.submit(t, "proj-1", "viability-crew", 0.75, contracts.AxisViability)
	require.Equal(t, http.StatusOK, rec.Code)
	st = h.state(t, rec)
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, contracts.ApprovalViability, st.Checkpoint.Type)

	rec = h.do(t, http.MethodPost, "/v1/projects/proj-1/resume",
		h.resumePayload(t, "proj-1", st.Checkpoint.CheckpointID, contracts.ApprovalViability, "approve", "dec-2"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = h.state(t, rec)
	assert.Equal(t, contracts.PhaseComplete, st.Phase)
	assert.Equal(t, contracts.FlowTerminal, st.Status)

	// The history reads back and verifies.
	rec = h.do(t, http.MethodGet, "/v1/projects/proj-1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/projects/proj-1/decisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var decisions struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decisions))
	assert.Greater(t, decisions.Count, 0)

	rec = h.do(t, http.MethodPost, "/v1/projects/proj-1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var session replay.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, replay.SessionVerified, session.Status)

	rec = h.do(t, http.MethodGet, "/v1/projects/proj-1/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Gauntlet-Checksum"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/projects/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/projects", map[string]any{"founder_input": "no id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/projects", map[string]any{
		"project_id": "proj-2", "business_model": "SAAS",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Malformed crew output is rejected at the boundary.
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-2/evidence", map[string]any{
		"crew":   "bad-crew",
		"output": map[string]any{"evidence": []map[string]any{{"axis": "DESIRABILITY", "kind": "x", "score": 4.2, "confidence": 0.5}}, "qa_passed": true},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Missing crew name.
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-2/evidence", map[string]any{
		"output": map[string]any{"evidence": []any{}, "qa_passed": true},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Spend past the profile cap is denied, not recorded.
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-2/evidence", map[string]any{
		"crew": "expensive-crew",
		"output": map[string]any{
			"evidence":   []map[string]any{{"axis": "DESIRABILITY", "kind": "x", "score": 0.8, "confidence": 0.9}},
			"qa_passed":  true,
			"cost_cents": 60_000,
		},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_ResumeTokenRequired(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/projects", map[string]any{
		"project_id": "proj-3", "business_model": "SAAS",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.submit(t, "proj-3", "discovery-crew", 0.8, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code)
	st := h.state(t, rec)
	require.NotNil(t, st.Checkpoint)

	payload := h.resumePayload(t, "proj-3", st.Checkpoint.CheckpointID, contracts.ApprovalCreative, "approve", "dec-1")
	payload["token"] = "tampered"
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-3/resume", payload)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
}

func TestAPI_RejectHandsPhaseBackToCrew(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/projects", map[string]any{
		"project_id": "proj-4", "business_model": "SAAS",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.submit(t, "proj-4", "discovery-crew", 0.8, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code)
	st := h.state(t, rec)
	require.NotNil(t, st.Checkpoint)

	rec = h.do(t, http.MethodPost, "/v1/projects/proj-4/resume",
		h.resumePayload(t, "proj-4", st.Checkpoint.CheckpointID, contracts.ApprovalCreative, "reject", "dec-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = h.state(t, rec)

	// Still in discovery, running, no live checkpoint: the crew owes
	// reworked evidence before the gate runs again.
	assert.Equal(t, contracts.PhaseDiscovery, st.Phase)
	assert.Equal(t, contracts.FlowRunning, st.Status)
	assert.Nil(t, st.Checkpoint)

	rec = h.submit(t, "proj-4", "discovery-crew", 0.9, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code)
	st = h.state(t, rec)
	require.NotNil(t, st.Checkpoint)
	assert.Equal(t, contracts.FlowAwaitingHuman, st.Status)
}

func TestAPI_EconomicsRecordsViabilityEvidence(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/projects", map[string]any{
		"project_id": "proj-5", "business_model": "SAAS",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.submit(t, "proj-5", "discovery-crew", 0.8, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code)
	st := h.state(t, rec)
	require.NotNil(t, st.Checkpoint)
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-5/resume",
		h.resumePayload(t, "proj-5", st.Checkpoint.CheckpointID, contracts.ApprovalCreative, "approve", "dec-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.submit(t, "proj-5", "desirability-crew", 0.85, contracts.AxisDesirability)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.submit(t, "proj-5", "feasibility-crew", 0.8, contracts.AxisFeasibility)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contracts.PhaseViability, h.state(t, rec).Phase)

	// A healthy SaaS model lands as strong viability evidence and the flow
	// holds for the final verdict.
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-5/economics", map[string]any{
		"inputs": map[string]any{
			"cac_cents":           20_000,
			"gross_margin_rate":   0.8,
			"confidence":          0.9,
			"monthly_price_cents": 9_900,
			"monthly_churn_rate":  0.03,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Report economics.Report       `json:"report"`
		State  *state.ValidationState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Report.Viable)
	assert.Greater(t, resp.Report.LTVToCAC, 3.0)
	require.Equal(t, contracts.FlowAwaitingHuman, resp.State.Status)
	require.NotNil(t, resp.State.Checkpoint)
	assert.Equal(t, contracts.ApprovalViability, resp.State.Checkpoint.Type)

	evidence := resp.State.Axis(contracts.AxisViability).Evidence
	require.Len(t, evidence, 1)
	assert.Equal(t, "unit_economics", evidence[0].Kind)
	assert.Equal(t, "unit-economics", evidence[0].SourceCrew)

	// Broken economics never become evidence.
	rec = h.do(t, http.MethodPost, "/v1/projects/proj-5/economics", map[string]any{
		"inputs": map[string]any{"cac_cents": -1},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRunDispatch(t *testing.T) {
	var out, errOut bytes.Buffer
	serverCalls := 0
	orig := startServer
	startServer = func() { serverCalls++ }
	defer func() { startServer = orig }()

	assert.Equal(t, 0, Run([]string{"gauntlet"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"gauntlet", "server"}, &out, &errOut))
	assert.Equal(t, 2, serverCalls)

	assert.Equal(t, 0, Run([]string{"gauntlet", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "Gauntlet Kernel")

	assert.Equal(t, 2, Run([]string{"gauntlet", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command")

	assert.Equal(t, 2, Run([]string{"gauntlet", "verify"}, &out, &errOut))
}
