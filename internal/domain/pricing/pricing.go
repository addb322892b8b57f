// Package pricing is the cost model: per-model linear pricing for metered calls.
package pricing

import (
	"fmt"
	"strings"

	"github.com/studykite/meterd/internal/domain"
)

// ModelPricing holds per-million-unit pricing for a model, in USD.
type ModelPricing struct {
	InputPerMUnit  float64
	OutputPerMUnit float64
}

// modelTable maps exact model names to pricing.
var modelTable = map[string]ModelPricing{
	"gpt-4o":                 {InputPerMUnit: 2.5, OutputPerMUnit: 10},
	"gpt-4o-2024-11-20":      {InputPerMUnit: 2.5, OutputPerMUnit: 10},
	"gpt-4o-mini":            {InputPerMUnit: 0.15, OutputPerMUnit: 0.60},
	"gpt-4o-mini-2024-07-18": {InputPerMUnit: 0.15, OutputPerMUnit: 0.60},
	"gpt-4.1":                {InputPerMUnit: 2, OutputPerMUnit: 8},
	"gpt-4.1-mini":           {InputPerMUnit: 0.40, OutputPerMUnit: 1.60},
	"gpt-4.1-nano":           {InputPerMUnit: 0.10, OutputPerMUnit: 0.40},
	"o4-mini":                {InputPerMUnit: 1.10, OutputPerMUnit: 4.40},
}

// familyTable maps model family prefixes to pricing; longest prefix wins.
var familyTable = map[string]ModelPricing{
	"gpt-4o-mini":  {InputPerMUnit: 0.15, OutputPerMUnit: 0.60},
	"gpt-4o":       {InputPerMUnit: 2.5, OutputPerMUnit: 10},
	"gpt-4.1-mini": {InputPerMUnit: 0.40, OutputPerMUnit: 1.60},
	"gpt-4.1-nano": {InputPerMUnit: 0.10, OutputPerMUnit: 0.40},
	"gpt-4.1":      {InputPerMUnit: 2, OutputPerMUnit: 8},
	"o4-mini":      {InputPerMUnit: 1.10, OutputPerMUnit: 4.40},
}

// Lookup returns pricing for a model: exact match first, then longest family
// prefix. Unknown models are a configuration error, never silently priced.
func Lookup(model string) (ModelPricing, error) {
	if p, ok := modelTable[model]; ok {
		return p, nil
	}

	bestPrefix := ""
	var best ModelPricing
	for prefix, p := range familyTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = p
		}
	}
	if bestPrefix != "" {
		return best, nil
	}

	return ModelPricing{}, fmt.Errorf("%w: %q", domain.ErrUnknownModel, model)
}

// Cost computes the cost of a call in integer micro-USD.
// Pure and deterministic; negative unit counts are clamped to zero.
func Cost(model string, inputUnits, outputUnits int64) (int64, error) {
	p, err := Lookup(model)
	if err != nil {
		return 0, err
	}
	return CostWithPricing(inputUnits, outputUnits, p), nil
}

// CostWithPricing computes micro-USD cost from unit counts and a pricing entry.
func CostWithPricing(inputUnits, outputUnits int64, p ModelPricing) int64 {
	if inputUnits < 0 {
		inputUnits = 0
	}
	if outputUnits < 0 {
		outputUnits = 0
	}
	// price-per-million-units in USD equals price per unit in micro-USD
	in := float64(inputUnits) * p.InputPerMUnit
	out := float64(outputUnits) * p.OutputPerMUnit
	return int64(in + out)
}
