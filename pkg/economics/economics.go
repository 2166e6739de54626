// Package economics computes unit-economics reports per business model.
// Reports feed viability evidence; they never touch validation state
// directly.
package economics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/contracts"
	"github.com/google/uuid"
)

// ErrUnsupportedModel is returned for a business model with no calculator.
var ErrUnsupportedModel = errors.New("unsupported business model")

// Inputs carries the raw observations a calculator reads. Only the fields
// relevant to the model under evaluation need to be set; the calculator
// rejects missing required fields instead of guessing.
type Inputs struct {
	// Shared.
	CACCents        int64   `json:"cac_cents"`
	GrossMarginRate float64 `json:"gross_margin_rate"` // fraction of revenue kept, (0,1]
	Confidence      float64 `json:"confidence"`        // observer confidence in the inputs, [0,1]

	// SaaS.
	MonthlyPriceCents int64   `json:"monthly_price_cents"`
	MonthlyChurnRate  float64 `json:"monthly_churn_rate"` // fraction of customers lost per month

	// E-commerce.
	AverageOrderCents int64   `json:"average_order_cents"`
	OrdersPerYear     float64 `json:"orders_per_year"`
	RetentionYears    float64 `json:"retention_years"`

	// Fintech.
	MonthlyVolumeCents   int64   `json:"monthly_volume_cents"` // transaction volume per customer
	TakeRate             float64 `json:"take_rate"`            // fraction of volume captured
	ComplianceCostCents  int64   `json:"compliance_cost_cents"` // per customer per month
	AccountLifetimeYears float64 `json:"account_lifetime_years"`
}

// Report is the calculator output. LTV and payback are the two numbers the
// viability gate actually reads; the rest is context for the evidence record.
type Report struct {
	Model         contracts.BusinessModelType `json:"model"`
	LTVCents      int64                       `json:"ltv_cents"`
	CACCents      int64                       `json:"cac_cents"`
	LTVToCAC      float64                     `json:"ltv_to_cac"`
	PaybackMonths float64                     `json:"payback_months"`
	Viable        bool                        `json:"viable"`
	Score         float64                     `json:"score"`
	Summary       string                      `json:"summary"`
}

/// Viability thresholds. A 3:1 LTV:CAC with payback inside a year is the
// conventional bar for a fundable model.
const (
	viableRatio         = 3.0
	viablePaybackMonths = 12.0
)

// Calculator evaluates unit economics for one business model.
type Calculator interface {
	Model() contracts.BusinessModelType
	Evaluate(in Inputs) (Report, error)
}

// ForModel returns the calculator for a business model.
func ForModel(m contracts.BusinessModelType) (Calculator, error) {
	switch m {
	case contracts.ModelSaaS:
		return saasCalculator{}, nil
	case contracts.ModelEcommerce:
		return ecommerceCalculator{}, nil
	case contracts.ModelFintech:
		return fintechCalculator{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, m)
	}
}

func checkShared(in Inputs) error {
	if in.CACCents <= 0 {
		return errors.New("economics: cac must be positive")
	}
	if in.GrossMarginRate <= 0 || in.GrossMarginRate > 1 {
		return errors.New("economics: gross margin rate must be in (0, 1]")
	}
	return nil
}

func finishReport(model contracts.BusinessModelType, ltvCents, cacCents int64, paybackMonths float64) Report {
	ratio := float64(ltvCents) / float64(cacCents)
	viable := ratio >= viableRatio && paybackMonths <= viablePaybackMonths

	// Score approaches 1.0 as the ratio clears 4:1; a slow payback caps it
	// at the moderate band so one good number cannot mask the other.
	score := clamp01(ratio / 4.0)
	if paybackMonths > viablePaybackMonths {
		score = math.Min(score, 0.55)
	}

	return Report{
		Model:         model,
		LTVCents:      ltvCents,
		CACCents:      cacCents,
		LTVToCAC:      ratio,
		PaybackMonths: paybackMonths,
		Viable:        viable,
		Score:         score,
		Summary: fmt.Sprintf("LTV:CAC %.2f, payback %.1f months (%s)",
			ratio, paybackMonths, model),
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

type saasCalculator struct{}

func (saasCalculator) Model() contracts.BusinessModelType { return contracts.ModelSaaS }

func (saasCalculator) Evaluate(in Inputs) (Report, error) {
	if err := checkShared(in); err != nil {
		return Report{}, err
	}
	if in.MonthlyPriceCents <= 0 {
		return Report{}, errors.New("economics: saas monthly price must be positive")
	}
	if in.MonthlyChurnRate <= 0 || in.MonthlyChurnRate > 1 {
		return Report{}, errors.New("economics: saas churn rate must be in (0, 1]")
	}

	monthlyContribution := float64(in.MonthlyPriceCents) * in.GrossMarginRate
	lifetimeMonths := 1.0 / in.MonthlyChurnRate
	ltv := int64(monthlyContribution * lifetimeMonths)
	payback := float64(in.CACCents) / monthlyContribution
	return finishReport(contracts.ModelSaaS, ltv, in.CACCents, payback), nil
}

type ecommerceCalculator struct{}

func (ecommerceCalculator) Model() contracts.BusinessModelType { return contracts.ModelEcommerce }

func (ecommerceCalculator) Evaluate(in Inputs) (Report, error) {
	if err := checkShared(in); err != nil {
		return Report{}, err
	}
	if in.AverageOrderCents <= 0 {
		return Report{}, errors.New("economics: average order value must be positive")
	}
	if in.OrdersPerYear <= 0 {
		return Report{}, errors.New("economics: orders per year must be positive")
	}
	if in.RetentionYears <= 0 {
		return Report{}, errors.New("economics: retention years must be positive")
	}

	annualContribution := float64(in.AverageOrderCents) * in.GrossMarginRate * in.OrdersPerYear
	ltv := int64(annualContribution * in.RetentionYears)
	payback := float64(in.CACCents) / (annualContribution / 12.0)
	return finishReport(contracts.ModelEcommerce, ltv, in.CACCents, payback), nil
}

type fintechCalculator struct{}

func (fintechCalculator) Model() contracts.BusinessModelType { return contracts.ModelFintech }

func (fintechCalculator) Evaluate(in Inputs) (Report, error) {
	if err := checkShared(in); err != nil {
		return Report{}, err
	}
	if in.MonthlyVolumeCents <= 0 {
		return Report{}, errors.New("economics: monthly volume must be positive")
	}
	if in.TakeRate <= 0 || in.TakeRate > 1 {
		return Report{}, errors.New("economics: take rate must be in (0, 1]")
	}
	if in.AccountLifetimeYears <= 0 {
		return Report{}, errors.New("economics: account lifetime must be positive")
	}

	monthlyRevenue := float64(in.MonthlyVolumeCents) * in.TakeRate
	monthlyContribution := monthlyRevenue*in.GrossMarginRate - float64(in.ComplianceCostCents)
	if monthlyContribution <= 0 {
		return Report{}, errors.New("economics: compliance cost exceeds contribution")
	}
	ltv := int64(monthlyContribution * in.AccountLifetimeYears * 12.0)
	payback := float64(in.CACCents) / monthlyContribution
	return finishReport(contracts.ModelFintech, ltv, in.CACCents, payback), nil
}

// Evidence converts a report into a viability observation. Confidence comes
// from the inputs; callers pass the crew and phase that produced them.
func (r Report) Evidence(confidence float64, sourceCrew string, phase contracts.Phase, now time.Time) contracts.Evidence {
	return contracts.Evidence{
		EvidenceID:  uuid.New().String(),
		Axis:        contracts.AxisViability,
		Kind:        "unit_economics",
		Value:       r.LTVToCAC,
		Score:       r.Score,
		Qualitative: r.Summary,
		Confidence:  clamp01(confidence),
		SourceCrew:  sourceCrew,
		Phase:       phase,
		ObservedAt:  now.UTC(),
	}
}
