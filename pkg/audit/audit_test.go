package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/audit"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLogger_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	id, err := logger.Log(context.Background(), contracts.DecisionRecord{
		ProjectID:    "p1",
		DecisionType: contracts.DecisionApproval,
		ActorType:    contracts.ActorHuman,
		ActorID:      "founder-7",
		Rationale:    "approved",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "DECISION: "))

	var rec contracts.DecisionRecord
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "DECISION: ")), &rec))
	assert.Equal(t, id, rec.DecisionID)
	assert.Equal(t, "p1", rec.ProjectID)
	assert.Equal(t, contracts.DecisionApproval, rec.DecisionType)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestStoreLogger_AppendsToStore(t *testing.T) {
	ds := store.NewMemoryDecisionStore()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logger := audit.NewStoreLogger(ds, nil).WithClock(func() time.Time { return fixed })

	id, err := logger.Log(context.Background(), contracts.DecisionRecord{
		ProjectID:    "p1",
		DecisionType: contracts.DecisionRouter,
		ActorType:    contracts.ActorSystem,
		ActorID:      "gate-router",
		Rationale:    "advance",
	})
	require.NoError(t, err)

	history, err := ds.History(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].DecisionID)
	assert.Equal(t, fixed, history[0].Timestamp)
}

func TestLogHumanApproval(t *testing.T) {
	ds := store.NewMemoryDecisionStore()
	logger := audit.NewStoreLogger(ds, nil)

	_, err := audit.LogHumanApproval(context.Background(), logger,
		"p1", "d-1", "founder-7", true, "ship it", "ev-3")
	require.NoError(t, err)

	history, _ := ds.History(context.Background(), "p1")
	require.Len(t, history, 1)
	assert.Equal(t, contracts.DecisionApproval, history[0].DecisionType)
	assert.Equal(t, contracts.ActorHuman, history[0].ActorType)
	assert.Equal(t, "ev-3", history[0].LinkedEventID)
	assert.Equal(t, true, history[0].Detail["approved"])
}

func TestLogPivotDecision(t *testing.T) {
	ds := store.NewMemoryDecisionStore()
	logger := audit.NewStoreLogger(ds, nil)

	env := &contracts.PivotEnvelope{
		Type:          contracts.PivotSegment,
		TargetSegment: &contracts.SegmentHypothesis{SegmentName: "B2B SMB"},
		Reason:        "higher willingness to pay",
	}
	_, err := audit.LogPivotDecision(context.Background(), logger,
		"p1", "d-2", contracts.ActorHuman, "founder-7", env, "ev-5")
	require.NoError(t, err)

	history, _ := ds.History(context.Background(), "p1")
	require.Len(t, history, 1)
	assert.Equal(t, contracts.DecisionPivot, history[0].DecisionType)
	assert.Equal(t, "SEGMENT_PIVOT", history[0].Detail["pivot_type"])
	assert.Equal(t, "B2B SMB", history[0].Detail["target_segment"])
	assert.Equal(t, "higher willingness to pay", history[0].Rationale)
}

func TestLogPolicySelectionAndRouterDecision(t *testing.T) {
	ds := store.NewMemoryDecisionStore()
	logger := audit.NewStoreLogger(ds, nil)
	ctx := context.Background()

	_, err := audit.LogPolicySelection(ctx, logger, "p1", "1.2.0", "intake", "ev-1")
	require.NoError(t, err)

	_, err = audit.LogRouterDecision(ctx, logger, "p1", router.Decision{
		Kind:   router.Kill,
		Axis:   contracts.AxisViability,
		Signal: contracts.SignalWeak,
		Reason: "no pivot hypothesis",
	}, "ev-7")
	require.NoError(t, err)

	history, _ := ds.History(ctx, "p1")
	require.Len(t, history, 2)
	assert.Equal(t, contracts.DecisionPolicySelection, history[0].DecisionType)
	assert.Equal(t, "1.2.0", history[0].Detail["policy_version"])
	assert.Equal(t, contracts.DecisionRouter, history[1].DecisionType)
	assert.Equal(t, "KILL", history[1].Detail["kind"])
	assert.Equal(t, "VIABILITY", history[1].Detail["axis"])
}
