// Package cost turns provider usage into USD and internal token amounts.
package cost

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/digkill/NeuroMeter/internal/models"
)

const (
	// charsPerToken is the fallback heuristic when a provider omits usage.
	charsPerToken = 4

	// DefaultEstimatedCompletion is the completion size assumed by the pre-flight estimate.
	DefaultEstimatedCompletion = 800
)

// Configs resolves model cost configuration. *registry.Registry satisfies it.
type Configs interface {
	Get(ctx context.Context, modelID string) (*models.ModelCost, error)
}

// Cost is the price of a single operation.
type Cost struct {
	USD    decimal.Decimal
	Tokens int64
}

// Usage is provider-reported text usage. Zero values mean "not reported".
type Usage struct {
	PromptUnits     int64
	CompletionUnits int64
}

func (u Usage) Reported() bool {
	return u.PromptUnits > 0 || u.CompletionUnits > 0
}

type Calculator struct {
	configs             Configs
	estimatedCompletion int64
}

func NewCalculator(configs Configs) *Calculator {
	return &Calculator{configs: configs, estimatedCompletion: DefaultEstimatedCompletion}
}

// CostOf prices units of modelID. Each variant that names a key of unitMultipliers scales
// the token amount; unknown variants are ignored.
func (c *Calculator) CostOf(ctx context.Context, modelID string, units float64, variants ...string) (Cost, error) {
	if units < 0 {
		return Cost{}, fmt.Errorf("cost of %s: negative units %v", modelID, units)
	}
	mc, err := c.configs.Get(ctx, modelID)
	if err != nil {
		return Cost{}, err
	}
	return Of(mc, units, variants...), nil
}

// Of is CostOf against an already resolved configuration.
func Of(mc *models.ModelCost, units float64, variants ...string) Cost {
	scale := 1.0
	for _, v := range variants {
		if m, ok := mc.UnitMultipliers[v]; ok {
			scale *= m
		}
	}
	return Cost{
		USD:    mc.CostUSDPerUnit.Mul(decimal.NewFromFloat(units)),
		Tokens: roundTokens(mc.TokensPerUnit * units * scale),
	}
}

// Text prices a completed text call from real usage:
// baseTokens + tokensPerUnit × (prompt + completion).
func (c *Calculator) Text(ctx context.Context, modelID string, usage Usage) (Cost, error) {
	mc, err := c.configs.Get(ctx, modelID)
	if err != nil {
		return Cost{}, err
	}
	return textCost(mc, usage), nil
}

// EstimateText prices a text call before it runs, assuming a typical completion.
// The estimate is never below what the prompt alone will cost.
func (c *Calculator) EstimateText(ctx context.Context, modelID, prompt string) (Cost, error) {
	mc, err := c.configs.Get(ctx, modelID)
	if err != nil {
		return Cost{}, err
	}
	return textCost(mc, Usage{
		PromptUnits:     HeuristicUnits(prompt),
		CompletionUnits: c.estimatedCompletion,
	}), nil
}

// UsageFromText fills in usage from the character heuristic when the provider reported none.
func UsageFromText(reported Usage, prompt, completion string) Usage {
	if reported.Reported() {
		return reported
	}
	return Usage{
		PromptUnits:     HeuristicUnits(prompt),
		CompletionUnits: HeuristicUnits(completion),
	}
}

// HeuristicUnits is ceil(len(text)/4) counted in characters.
func HeuristicUnits(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + charsPerToken - 1) / charsPerToken
}

func textCost(mc *models.ModelCost, usage Usage) Cost {
	units := usage.PromptUnits + usage.CompletionUnits
	return Cost{
		USD:    mc.CostUSDPerUnit.Mul(decimal.NewFromInt(units)),
		Tokens: mc.BaseTokens + roundTokens(mc.TokensPerUnit*float64(units)),
	}
}

func roundTokens(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(math.Round(v))
}
