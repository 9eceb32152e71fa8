package model

// Money is an amount in minor units (cents for USD) plus an ISO 4217
// currency code. Integer arithmetic only; no floats anywhere near prices.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}
