package models

import "github.com/shopspring/decimal"

// CatalogModel is a model entry of the routing catalog.
type CatalogModel struct {
	Name       string  `json:"name"`
	Version    string  `json:"version,omitempty"`
	Category   string  `json:"category,omitempty"`
	TotalScore float64 `json:"totalScore"`
	// Optional per-model prices; the configured defaults apply when unset.
	PricePerAPICallUSDC    *float64 `json:"pricePerApiCallUsdc,omitempty"`
	GasEstimatePerCallUSDC *float64 `json:"gasEstimatePerCallUsdc,omitempty"`
	SharePriceUSDC         *float64 `json:"sharePriceUsdc,omitempty"`
}

// ModelPricing is the normalized price of a single model call.
type ModelPricing struct {
	Currency     string          `json:"currency"`
	PricePerCall decimal.Decimal `json:"price_per_call_usdc"`
	GasPerCall   decimal.Decimal `json:"gas_per_call_usdc"`
	SharePrice   decimal.Decimal `json:"share_price_usdc"`
}

// CallCost is the cost of n calls, compute plus gas, each rounded to 6 places.
func (p ModelPricing) CallCost(n int64) (compute, gas, total decimal.Decimal) {
	calls := decimal.NewFromInt(n)
	compute = p.PricePerCall.Mul(calls).Round(6)
	gas = p.GasPerCall.Mul(calls).Round(6)
	return compute, gas, compute.Add(gas).Round(6)
}

// RoutedModel is the result of auto-selecting a model for a request.
type RoutedModel struct {
	RequestID string       `json:"request_id"`
	ID        string       `json:"id"`
	Version   string       `json:"version"`
	Category  string       `json:"category,omitempty"`
	Pricing   ModelPricing `json:"pricing"`
	Reasoning string       `json:"reasoning"`
}
