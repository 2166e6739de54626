package contracts

import "fmt"

// BusinessModelType tags the venture's economic model. Viability
// calculations dispatch on this tag through a single calculator interface,
// one implementation per variant.
type BusinessModelType string

const (
	ModelSaaS      BusinessModelType = "SAAS"
	ModelEcommerce BusinessModelType = "ECOMMERCE"
	ModelFintech   BusinessModelType = "FINTECH"
)

// ParseBusinessModel validates a wire value into the closed set.
func ParseBusinessModel(s string) (BusinessModelType, error) {
	switch BusinessModelType(s) {
	case ModelSaaS, ModelEcommerce, ModelFintech:
		return BusinessModelType(s), nil
	}
	return "", fmt.Errorf("unknown business model %q", s)
}
