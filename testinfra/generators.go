package testinfra

import (
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"paygate"
)

// SampleRequest builds a card payment for p. amount must parse as a decimal.
func SampleRequest(p paygate.Provider, amount string) *paygate.PaymentRequest {
	return &paygate.PaymentRequest{
		Amount:      decimal.RequireFromString(amount),
		Method:      "card",
		Description: "integration order",
		Provider:    p,
	}
}

// GenAmount draws a positive amount with two decimal places within the
// simulators' limit.
func GenAmount() *rapid.Generator[decimal.Decimal] {
	return rapid.Custom(func(t *rapid.T) decimal.Decimal {
		return decimal.New(rapid.Int64Range(1, 999999).Draw(t, "cents"), -2)
	})
}

// GenRequest draws a valid payment request.
func GenRequest() *rapid.Generator[*paygate.PaymentRequest] {
	return rapid.Custom(func(t *rapid.T) *paygate.PaymentRequest {
		return &paygate.PaymentRequest{
			Amount:      GenAmount().Draw(t, "amount"),
			Method:      rapid.SampledFrom([]string{"card", "wallet", "bank"}).Draw(t, "method"),
			Description: rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "description"),
			Provider:    rapid.SampledFrom([]paygate.Provider{paygate.ProviderSyncSim, paygate.ProviderAsyncSim}).Draw(t, "provider"),
		}
	})
}
