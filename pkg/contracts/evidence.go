package contracts

import "time"

// Evidence is a single timestamped observation feeding signal derivation for
// one risk axis. Evidence is append-only within a phase; the latest set per
// axis is what the gate router consults.
type Evidence struct {
	EvidenceID string   `json:"evidence_id"`
	Axis       RiskAxis `json:"axis"`
	// Kind names the observation, e.g. "landing_page_conversion",
	// "build_cost_estimate", "unit_economics".
	Kind string `json:"kind"`
	// Value is the quantitative observation when one exists. Interpretation
	// depends on Kind (a ratio for conversions, cents for costs).
	Value float64 `json:"value"`
	// Score is the normalized strength of the observation in [0,1] as
	// assessed by the producing crew. Signal derivation combines scores
	// weighted by confidence.
	Score float64 `json:"score"`
	// Qualitative carries free-form findings that have no numeric reading.
	Qualitative string `json:"qualitative,omitempty"`
	// Confidence in [0,1] assigned by the producing crew.
	Confidence float64 `json:"confidence"`
	// SourceCrew identifies which crew produced the observation.
	SourceCrew string    `json:"source_crew"`
	Phase      Phase     `json:"phase"`
	ObservedAt time.Time `json:"observed_at"`
}

// EvidenceSummary is the per-axis digest included in checkpoint
// notifications so approvers see structured context, not raw records.
type EvidenceSummary struct {
	Axis    RiskAxis `json:"axis"`
	Signal  Signal   `json:"signal"`
	Count   int      `json:"count"`
	Latest  string   `json:"latest,omitempty"`
	Caveats []string `json:"caveats,omitempty"`
}
