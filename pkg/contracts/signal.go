package contracts

// RiskAxis is one of the three validation risk dimensions. Each axis
// accumulates a Signal derived from its Evidence records.
type RiskAxis string

const (
	AxisDesirability RiskAxis = "DESIRABILITY"
	AxisFeasibility  RiskAxis = "FEASIBILITY"
	AxisViability    RiskAxis = "VIABILITY"
)

// AxesByCost lists the axes ordered by cost of being wrong, worst first.
// Viability failures are the most expensive to discover late, so viability
// outranks feasibility, which outranks desirability, in tie-breaks.
var AxesByCost = []RiskAxis{AxisViability, AxisFeasibility, AxisDesirability}

// Signal is the qualitative strength classification derived from evidence
// for one risk axis.
type Signal string

const (
	SignalStrong       Signal = "STRONG"
	SignalModerate     Signal = "MODERATE"
	SignalWeak         Signal = "WEAK"
	SignalInsufficient Signal = "INSUFFICIENT"
)

// signalRank orders signals from worst (0) to best.
var signalRank = map[Signal]int{
	SignalInsufficient: 0,
	SignalWeak:         1,
	SignalModerate:     2,
	SignalStrong:       3,
}

// WorseThan reports whether s is strictly weaker than other.
func (s Signal) WorseThan(other Signal) bool {
	return signalRank[s] < signalRank[other]
}

// Passing reports whether the signal clears a gate on its own
// (STRONG or MODERATE).
func (s Signal) Passing() bool {
	return s == SignalStrong || s == SignalModerate
}
