package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PivotType is the closed set of structured redirections the router or a
// human may select in response to weak evidence.
type PivotType string

const (
	PivotSegment PivotType = "SEGMENT_PIVOT"
	PivotPrice   PivotType = "PRICE_PIVOT"
	PivotCost    PivotType = "COST_PIVOT"
	PivotKill    PivotType = "KILL"
)

// ErrMalformedPivotEnvelope marks a pivot payload missing required fields or
// failing to parse. A resume carrying one is rejected and the checkpoint
// stays open; the kernel never falls back to a default pivot.
var ErrMalformedPivotEnvelope = errors.New("malformed pivot envelope")

// SegmentHypothesis is the structured context of a SEGMENT_PIVOT.
type SegmentHypothesis struct {
	SegmentName string `json:"segment_name"`
	Rationale   string `json:"rationale,omitempty"`
}

// PriceHypothesis is the structured context of a PRICE_PIVOT.
type PriceHypothesis struct {
	ProposedPriceCents int64  `json:"proposed_price_cents"`
	Rationale          string `json:"rationale,omitempty"`
}

// CostHypothesis is the structured context of a COST_PIVOT.
type CostHypothesis struct {
	Lever     string `json:"lever"`
	Rationale string `json:"rationale,omitempty"`
}

// PivotEnvelope is a parse-time validated pivot request. Exactly one
// hypothesis field is set, matching Type; Kill pivots carry only a reason.
type PivotEnvelope struct {
	Type          PivotType          `json:"pivot_type"`
	TargetSegment *SegmentHypothesis `json:"target_segment_hypothesis,omitempty"`
	TargetPrice   *PriceHypothesis   `json:"target_price_hypothesis,omitempty"`
	TargetCost    *CostHypothesis    `json:"target_cost_hypothesis,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

// ResetPhase returns the phase a pivot of this type resets the flow to.
// Segment pivots restart discovery with the new segment; price pivots
// re-test desirability under the new price; cost pivots re-test feasibility
// of the cheaper build.
func (t PivotType) ResetPhase() (Phase, error) {
	switch t {
	case PivotSegment:
		return PhaseDiscovery, nil
	case PivotPrice:
		return PhaseDesirability, nil
	case PivotCost:
		return PhaseFeasibility, nil
	case PivotKill:
		return PhaseKilled, nil
	}
	return "", fmt.Errorf("pivot type %q has no reset phase", t)
}

// wire shapes for envelope bodies; kept private so callers only see the
// validated hypothesis structs.
type segmentBody struct {
	TargetSegment string `json:"target_segment"`
	Rationale     string `json:"rationale"`
}

type priceBody struct {
	ProposedPriceCents int64  `json:"proposed_price_cents"`
	Rationale          string `json:"rationale"`
}

type costBody struct {
	Lever     string `json:"lever"`
	Rationale string `json:"rationale"`
}

type killBody struct {
	Reason string `json:"reason"`
}

// ParsePivotEnvelope parses the wire form "PIVOT_TYPE|{json body}" into a
// validated envelope. The body must parse as JSON and carry a non-empty
// target for its type; anything else fails with ErrMalformedPivotEnvelope.
//
//	ParsePivotEnvelope(`SEGMENT_PIVOT|{"target_segment":"B2B SMB","rationale":"higher WTP"}`)
//
// yields a SEGMENT_PIVOT envelope whose TargetSegment names "B2B SMB".
func ParsePivotEnvelope(raw string) (*PivotEnvelope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedPivotEnvelope)
	}

	typePart, body, found := strings.Cut(raw, "|")
	if !found {
		return nil, fmt.Errorf("%w: missing %q separator", ErrMalformedPivotEnvelope, "|")
	}

	pt := PivotType(strings.TrimSpace(typePart))
	body = strings.TrimSpace(body)

	switch pt {
	case PivotSegment:
		var b segmentBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPivotEnvelope, err)
		}
		if strings.TrimSpace(b.TargetSegment) == "" {
			return nil, fmt.Errorf("%w: empty target_segment", ErrMalformedPivotEnvelope)
		}
		return &PivotEnvelope{
			Type:          PivotSegment,
			TargetSegment: &SegmentHypothesis{SegmentName: b.TargetSegment, Rationale: b.Rationale},
		}, nil

	case PivotPrice:
		var b priceBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPivotEnvelope, err)
		}
		if b.ProposedPriceCents <= 0 {
			return nil, fmt.Errorf("%w: proposed_price_cents must be positive", ErrMalformedPivotEnvelope)
		}
		return &PivotEnvelope{
			Type:        PivotPrice,
			TargetPrice: &PriceHypothesis{ProposedPriceCents: b.ProposedPriceCents, Rationale: b.Rationale},
		}, nil

	case PivotCost:
		var b costBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPivotEnvelope, err)
		}
		if strings.TrimSpace(b.Lever) == "" {
			return nil, fmt.Errorf("%w: empty lever", ErrMalformedPivotEnvelope)
		}
		return &PivotEnvelope{
			Type:       PivotCost,
			TargetCost: &CostHypothesis{Lever: b.Lever, Rationale: b.Rationale},
		}, nil

	case PivotKill:
		var b killBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPivotEnvelope, err)
		}
		if strings.TrimSpace(b.Reason) == "" {
			return nil, fmt.Errorf("%w: empty kill reason", ErrMalformedPivotEnvelope)
		}
		return &PivotEnvelope{Type: PivotKill, Reason: b.Reason}, nil
	}

	return nil, fmt.Errorf("%w: unknown pivot type %q", ErrMalformedPivotEnvelope, typePart)
}

// Validate re-checks an envelope that arrived pre-parsed (e.g. embedded in a
// resume payload) against the same rules as ParsePivotEnvelope.
func (e *PivotEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformedPivotEnvelope)
	}
	switch e.Type {
	case PivotSegment:
		if e.TargetSegment == nil || strings.TrimSpace(e.TargetSegment.SegmentName) == "" {
			return fmt.Errorf("%w: empty target_segment", ErrMalformedPivotEnvelope)
		}
	case PivotPrice:
		if e.TargetPrice == nil || e.TargetPrice.ProposedPriceCents <= 0 {
			return fmt.Errorf("%w: proposed_price_cents must be positive", ErrMalformedPivotEnvelope)
		}
	case PivotCost:
		if e.TargetCost == nil || strings.TrimSpace(e.TargetCost.Lever) == "" {
			return fmt.Errorf("%w: empty lever", ErrMalformedPivotEnvelope)
		}
	case PivotKill:
		if strings.TrimSpace(e.Reason) == "" {
			return fmt.Errorf("%w: empty kill reason", ErrMalformedPivotEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown pivot type %q", ErrMalformedPivotEnvelope, e.Type)
	}
	return nil
}
