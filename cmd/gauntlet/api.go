package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/budget"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/checkpoint"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/config"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/economics"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/export"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/flow"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/observability"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/replay"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
)

// maxRequestBody bounds inbound JSON documents.
const maxRequestBody = 1 << 20

type serverDeps struct {
	repo      *store.StateRepository
	driver    *flow.Driver
	resume    *checkpoint.Manager
	enforcer  budget.Enforcer
	decisions store.DecisionStore
	exporter  *export.Exporter
	sink      export.Sink
	verifier  *replay.Verifier
	profile   *config.GatePolicyProfile
	obs       *observability.Provider
	logger    *slog.Logger
}

type server struct {
	serverDeps
}

func newServer(deps serverDeps) *server {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	return &server{serverDeps: deps}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("POST /v1/projects", s.handleStart)
	mux.HandleFunc("GET /v1/projects/{id}", s.handleGetState)
	mux.HandleFunc("POST /v1/projects/{id}/evidence", s.handleEvidence)
	mux.HandleFunc("POST /v1/projects/{id}/economics", s.handleEconomics)
	mux.HandleFunc("POST /v1/projects/{id}/route", s.handleRoute)
	mux.HandleFunc("POST /v1/projects/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /v1/projects/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/projects/{id}/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/projects/{id}/budget", s.handleBudget)
	mux.HandleFunc("GET /v1/projects/{id}/export", s.handleExport)
	mux.HandleFunc("POST /v1/projects/{id}/verify", s.handleVerify)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Health(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type startRequest struct {
	ProjectID       string                      `json:"project_id"`
	FounderInput    string                      `json:"founder_input"`
	BusinessModel   contracts.BusinessModelType `json:"business_model"`
	MaxPivots       int                         `json:"max_pivots,omitempty"`
	SpendLimitCents int64                       `json:"spend_limit_cents,omitempty"`
}

// handleStart opens a project history under the active gate policy and
// routes it into its first phase.
func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackStep(r.Context(), "project.start")
	var stepErr error
	defer func() { done(stepErr) }()

	var req startRequest
	if err := s.decode(r, &req); err != nil {
		stepErr = err
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ProjectID == "" {
		stepErr = errors.New("project_id is required")
		s.writeError(w, http.StatusBadRequest, stepErr)
		return
	}
	if req.MaxPivots == 0 {
		req.MaxPivots = s.profile.MaxPivots
	}
	if req.SpendLimitCents == 0 {
		req.SpendLimitCents = s.profile.Budget.TotalLimitCents
	}

	if err := s.enforcer.SetLimits(ctx, req.ProjectID,
		s.profile.Budget.DailyLimitCents, req.SpendLimitCents); err != nil {
		stepErr = err
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	policy, err := s.profile.ToPolicy()
	if err != nil {
		stepErr = err
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.driver.Start(ctx, req.ProjectID, contracts.ValidationStartedPayload{
		FounderInput:    req.FounderInput,
		BusinessModel:   req.BusinessModel,
		PolicyVersion:   policy.Version.String(),
		MaxPivots:       req.MaxPivots,
		SpendLimitCents: req.SpendLimitCents,
	}); err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}

	// One routing pass moves the project out of onboarding; from here the
	// flow advances as crews submit evidence.
	st, err := s.driver.Step(ctx, req.ProjectID)
	if err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, st)
}

func (s *server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type evidenceRequest struct {
	Crew   string          `json:"crew"`
	Output json.RawMessage `json:"output"`
}

// handleEvidence accepts a phase output from an out-of-process crew, then
// routes on the recorded evidence.
func (s *server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx, done := s.obs.TrackStep(r.Context(), "evidence.submit",
		observability.AttrProjectID.String(projectID))
	var stepErr error
	defer func() { done(stepErr) }()

	var req evidenceRequest
	if err := s.decode(r, &req); err != nil {
		stepErr = err
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Crew == "" {
		stepErr = errors.New("crew is required")
		s.writeError(w, http.StatusBadRequest, stepErr)
		return
	}

	if _, err := s.driver.Submit(ctx, projectID, req.Crew, req.Output); err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	st, err := s.driver.Step(ctx, projectID)
	if err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type economicsRequest struct {
	Crew   string          `json:"crew,omitempty"`
	Inputs economics.Inputs `json:"inputs"`
}

type economicsResponse struct {
	Report economics.Report       `json:"report"`
	State  *state.ValidationState `json:"state"`
}

// handleEconomics evaluates unit economics for the project's business model
// and records the report as viability evidence.
func (s *server) handleEconomics(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx, done := s.obs.TrackStep(r.Context(), "economics.evaluate",
		observability.AttrProjectID.String(projectID))
	var stepErr error
	defer func() { done(stepErr) }()

	var req economicsRequest
	if err := s.decode(r, &req); err != nil {
		stepErr = err
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Crew == "" {
		req.Crew = "unit-economics"
	}

	st, err := s.repo.Load(ctx, projectID)
	if err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	calc, err := economics.ForModel(st.BusinessModel)
	if err != nil {
		stepErr = err
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	report, err := calc.Evaluate(req.Inputs)
	if err != nil {
		stepErr = err
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	output, err := json.Marshal(flow.PhaseOutput{
		Evidence: []contracts.Evidence{
			report.Evidence(req.Inputs.Confidence, req.Crew, st.Phase, time.Now()),
		},
		QAPassed: true,
		Notes:    report.Summary,
	})
	if err != nil {
		stepErr = err
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.driver.Submit(ctx, projectID, req.Crew, output); err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	st, err = s.driver.Step(ctx, projectID)
	if err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, economicsResponse{Report: report, State: st})
}

// handleRoute requests a single routing pass without new evidence.
func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx, done := s.obs.TrackStep(r.Context(), "route",
		observability.AttrProjectID.String(projectID))
	var stepErr error
	defer func() { done(stepErr) }()

	st, err := s.driver.Step(ctx, projectID)
	if err != nil {
		stepErr = err
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleResume applies a human checkpoint decision. The resolution commits
// before the flow re-enters, so a crash between the two leaves a resumable
// history, never a lost decision.
func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx, done := s.obs.TrackStep(r.Context(), "checkpoint.resume",
		observability.AttrProjectID.String(projectID))
	var stepErr error
	defer func() { done(stepErr) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		stepErr = err
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := s.resume.Resume(ctx, projectID, body)
	if err != nil {
		stepErr = err
		s.writeResumeError(w, err)
		return
	}

	// A rejection hands the phase back to its crew; re-entry waits for the
	// reworked evidence. Approvals and pivots route immediately.
	var peek struct {
		Decision string `json:"decision"`
	}
	_ = json.Unmarshal(body, &peek)
	if peek.Decision != "reject" {
		st, err = s.driver.Step(ctx, projectID)
		if err != nil {
			stepErr = err
			s.writeFlowError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.repo.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	records, err := s.decisions.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": records, "count": len(records)})
}

func (s *server) handleBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.enforcer.GetBudget(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// handleExport streams the evidence pack. With ?upload=true and a
// configured sink, the pack is shipped to object storage instead.
func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	pack, checksum, err := s.exporter.GeneratePack(r.Context(), projectID)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}

	if r.URL.Query().Get("upload") == "true" {
		if s.sink == nil {
			s.writeError(w, http.StatusConflict, export.ErrStoreNotConfigured)
			return
		}
		location, err := s.sink.Put(r.Context(), projectID, pack, checksum)
		if err != nil {
			s.writeError(w, http.StatusBadGateway, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"location": location, "checksum": checksum,
		})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", projectID+"-evidence.zip"))
	w.Header().Set("X-Gauntlet-Checksum", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

// handleVerify replays the project history and reports the verification
// session. A non-verified session is still a 200: the report is the answer.
func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	ctx, done := s.obs.TrackStep(r.Context(), "replay.verify",
		observability.AttrProjectID.String(projectID))

	session, err := s.verifier.Verify(ctx, projectID)
	done(err)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeFlowError maps kernel errors onto HTTP status codes.
func (s *server) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, state.ErrTerminalState),
		errors.Is(err, flow.ErrAwaitingHuman),
		errors.Is(err, store.ErrConcurrencyConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, flow.ErrBudgetDenied):
		s.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, flow.ErrCrewOutput):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, store.ErrChainBroken):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *server) writeResumeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrProjectNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, checkpoint.ErrInvalidToken):
		s.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, checkpoint.ErrStaleCheckpoint),
		errors.Is(err, store.ErrConcurrencyConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, checkpoint.ErrSchemaValidation):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
