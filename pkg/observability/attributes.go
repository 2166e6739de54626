package observability

import "go.opentelemetry.io/otel/attribute"

// Validation-domain semantic attributes.
var (
	AttrProjectID     = attribute.Key("gauntlet.project.id")
	AttrPhase         = attribute.Key("gauntlet.flow.phase")
	AttrFlowStatus    = attribute.Key("gauntlet.flow.status")
	AttrDecision      = attribute.Key("gauntlet.router.decision")
	AttrAxis          = attribute.Key("gauntlet.router.axis")
	AttrSignal        = attribute.Key("gauntlet.router.signal")
	AttrPolicyVersion = attribute.Key("gauntlet.policy.version")
	AttrCheckpointID  = attribute.Key("gauntlet.checkpoint.id")
	AttrCrew          = attribute.Key("gauntlet.crew.name")
	AttrSpendCents    = attribute.Key("gauntlet.spend.cents")
)
