package checkpoint

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaValidation marks a resume payload that failed its checkpoint
// type's declared schema. Recoverable: the human resubmits a corrected
// payload; state is untouched.
var ErrSchemaValidation = errors.New("schema validation failed")

// Resume payload schemas per checkpoint type. A pivot decision must carry an
// envelope; the envelope grammar itself is validated separately by
// contracts.ParsePivotEnvelope.
const (
	creativeApprovalSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["checkpoint_id", "approval_type", "decision", "decision_id"],
		"properties": {
			"checkpoint_id": {"type": "string", "minLength": 1},
			"approval_type": {"const": "CREATIVE_APPROVAL"},
			"decision": {"enum": ["approve", "reject"]},
			"decision_id": {"type": "string", "minLength": 1},
			"rationale": {"type": "string"},
			"approver_id": {"type": "string"},
			"token": {"type": "string"}
		},
		"additionalProperties": false
	}`

	viabilityDecisionSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["checkpoint_id", "approval_type", "decision", "decision_id"],
		"properties": {
			"checkpoint_id": {"type": "string", "minLength": 1},
			"approval_type": {"const": "VIABILITY_DECISION"},
			"decision": {"enum": ["approve", "reject", "pivot"]},
			"decision_id": {"type": "string", "minLength": 1},
			"rationale": {"type": "string"},
			"approver_id": {"type": "string"},
			"pivot_envelope": {"type": "string", "minLength": 1},
			"token": {"type": "string"}
		},
		"if": {"properties": {"decision": {"const": "pivot"}}},
		"then": {"required": ["pivot_envelope"]},
		"additionalProperties": false
	}`
)

// PayloadValidator validates raw resume payloads against the schema of the
// checkpoint type they claim to resolve.
type PayloadValidator struct {
	schemas map[contracts.ApprovalType]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[contracts.ApprovalType]*jsonschema.Schema)}
	for approvalType, raw := range map[contracts.ApprovalType]string{
		contracts.ApprovalCreative:  creativeApprovalSchema,
		contracts.ApprovalViability: viabilityDecisionSchema,
	} {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://gauntlet.schemas.local/resume/%s.schema.json", approvalType)
		if err := c.AddResource(url, bytes.NewReader([]byte(raw))); err != nil {
			return nil, fmt.Errorf("checkpoint: load %s schema: %w", approvalType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: compile %s schema: %w", approvalType, err)
		}
		v.schemas[approvalType] = compiled
	}
	return v, nil
}

// Validate checks raw payload bytes against the schema for the checkpoint
// type. Unknown types fail closed.
func (v *PayloadValidator) Validate(approvalType contracts.ApprovalType, doc any) error {
	schema, ok := v.schemas[approvalType]
	if !ok {
		return fmt.Errorf("%w: no schema for checkpoint type %q", ErrSchemaValidation, approvalType)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}
