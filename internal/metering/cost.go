package metering

import (
	gateway "github.com/tollgate-io/tollgate/internal"
)

// Cost computes the USD cost of a request against a model's unit pricing.
// Unknown models cost zero, so a misconfigured price list never blocks traffic.
func Cost(spec *gateway.ModelSpec, promptTokens, completionTokens int) float64 {
	if spec == nil {
		return 0
	}
	in := float64(promptTokens) * spec.InputPer1M / 1_000_000
	out := float64(completionTokens) * spec.OutputPer1M / 1_000_000
	return in + out
}

// EstimateCost returns the worst-case USD cost for a reservation, given the
// estimated prompt size and completion ceiling.
func EstimateCost(spec *gateway.ModelSpec, estPrompt, estCompletion int) float64 {
	return Cost(spec, estPrompt, estCompletion)
}
