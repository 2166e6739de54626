// Package flow drives a project's validation loop: execute the current
// phase's crew, merge its evidence, ask the gate router for a verdict, and
// record the transition. Every state change goes through the event log; the
// driver holds no authority of its own.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/state"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrCrewOutput marks crew output rejected at the schema boundary. The
// phase stays RUNNING; the step is retryable.
var ErrCrewOutput = errors.New("crew output failed validation")

// Crew executes one validation phase and reports structured findings. The
// driver treats crew output as untrusted until it passes the output schema.
type Crew interface {
	// Name identifies the crew in spend receipts and evidence records.
	Name() string
	// EstimatedCostCents is the spend reserved before execution.
	EstimatedCostCents() int64
	// Execute runs the phase against the current state and returns the raw
	// output document.
	Execute(ctx context.Context, s *state.ValidationState) (json.RawMessage, error)
}

// PhaseOutput is the decoded, schema-valid crew output.
type PhaseOutput struct {
	Evidence []contracts.Evidence `json:"evidence"`
	QAPassed bool                 `json:"qa_passed"`
	// CostCents is the actual spend when the crew reports one; zero falls
	// back to the reserved estimate.
	CostCents int64  `json:"cost_cents,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// phaseOutputSchema bounds what a crew may hand back. Evidence scores and
// confidence are clamped to [0,1] here, before anything touches the log.
const phaseOutputSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["evidence", "qa_passed"],
	"properties": {
		"evidence": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["axis", "kind", "score", "confidence"],
				"properties": {
					"axis": {"enum": ["DESIRABILITY", "FEASIBILITY", "VIABILITY"]},
					"kind": {"type": "string", "minLength": 1},
					"value": {"type": "number"},
					"score": {"type": "number", "minimum": 0, "maximum": 1},
					"qualitative": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		},
		"qa_passed": {"type": "boolean"},
		"cost_cents": {"type": "integer", "minimum": 0},
		"notes": {"type": "string"}
	}
}`

// OutputValidator checks crew output documents against the phase output
// schema before the driver decodes them.
type OutputValidator struct {
	schema *jsonschema.Schema
}

// NewOutputValidator compiles the phase output schema.
func NewOutputValidator() (*OutputValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://gauntlet.schemas.local/flow/phase_output.schema.json"
	if err := c.AddResource(url, strings.NewReader(phaseOutputSchema)); err != nil {
		return nil, fmt.Errorf("flow: add output schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("flow: compile output schema: %w", err)
	}
	return &OutputValidator{schema: schema}, nil
}

// Decode validates raw crew output and decodes it. Invalid output returns
// ErrCrewOutput; nothing is written to the log.
func (v *OutputValidator) Decode(raw json.RawMessage) (*PhaseOutput, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrCrewOutput, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrewOutput, err)
	}
	var out PhaseOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCrewOutput, err)
	}
	return &out, nil
}
