package state

import "github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"

// Confidence mass below which an axis is INSUFFICIENT no matter how the
// individual observations score.
const minConfidenceMass = 0.5

// Signal strength thresholds over the confidence-weighted mean score.
const (
	strongThreshold   = 0.70
	moderateThreshold = 0.50
	weakThreshold     = 0.30
)

// DeriveSignal classifies the live evidence set for one axis. Pure function
// of the records: same evidence, same signal.
//
// The classification is the confidence-weighted mean of the per-record
// scores. Too little total confidence is INSUFFICIENT regardless of scores —
// three half-hearted guesses do not outrank one solid measurement.
func DeriveSignal(evidence []contracts.Evidence) contracts.Signal {
	if len(evidence) == 0 {
		return contracts.SignalInsufficient
	}

	var mass, weighted float64
	for _, ev := range evidence {
		c := clamp01(ev.Confidence)
		weighted += clamp01(ev.Score) * c
		mass += c
	}
	if mass < minConfidenceMass {
		return contracts.SignalInsufficient
	}

	mean := weighted / mass
	switch {
	case mean >= strongThreshold:
		return contracts.SignalStrong
	case mean >= moderateThreshold:
		return contracts.SignalModerate
	case mean >= weakThreshold:
		return contracts.SignalWeak
	default:
		return contracts.SignalInsufficient
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
