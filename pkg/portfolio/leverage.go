package portfolio

import (
	"math"
	"sort"

	"github.com/quantdesk/portfolio-greeks/pkg/greeks"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// SpreadLeverage is the effective leverage of one option position or
// spread, weighted later by its absolute market value.
type SpreadLeverage struct {
	Symbol   string
	Legs     []models.OptionIdentity
	Value    float64
	Leverage float64
}

// Calculator derives option leverage from reconciled Greeks. Entries
// without Greeks (Missing provenance) are skipped rather than treated as
// zero exposure.
type Calculator struct {
	logger *logrus.Logger
}

func NewCalculator(logger *logrus.Logger) *Calculator {
	return &Calculator{logger: logger}
}

type groupKey struct {
	symbol string
	expiry string
	right  models.OptionRight
}

// Leverages computes per-position and per-spread leverage. Opposite
// equal-size legs within the same symbol, expiry and right are paired as
// spreads; everything else is treated standalone.
func (c *Calculator) Leverages(positions []models.Position, result *greeks.Result) []SpreadLeverage {
	underlying := underlyingPrices(positions)

	groups := make(map[groupKey][]models.Position)
	for _, pos := range positions {
		if !pos.IsOption() {
			continue
		}
		key := groupKey{symbol: pos.Symbol, expiry: pos.Expiry, right: pos.Right}
		groups[key] = append(groups[key], pos)
	}

	leverages := make([]SpreadLeverage, 0)
	for key, legs := range groups {
		price, ok := underlying[key.symbol]
		if !ok || price <= 0 {
			c.logger.WithField("symbol", key.symbol).Debug("No underlying price, skipping leverage")
			continue
		}

		sort.Slice(legs, func(i, j int) bool { return legs[i].Strike < legs[j].Strike })

		paired, unpaired := pairSpreads(legs)
		for _, spread := range paired {
			if lev, ok := c.spreadLeverage(spread, price, result); ok {
				leverages = append(leverages, lev)
			}
		}
		for _, leg := range unpaired {
			if lev, ok := c.legLeverage(leg, price, result); ok {
				leverages = append(leverages, lev)
			}
		}
	}

	c.logger.WithField("positions", len(leverages)).Info("Calculated option leverage")
	return leverages
}

// Overall is the value-weighted average leverage across spreads.
func Overall(leverages []SpreadLeverage) float64 {
	var totalValue, weighted float64
	for _, lev := range leverages {
		totalValue += lev.Value
		weighted += lev.Value * lev.Leverage
	}
	if totalValue == 0 {
		return 0
	}
	return weighted / totalValue
}

// pairSpreads matches legs with equal and opposite quantities into
// two-leg spreads, leaving the rest standalone.
func pairSpreads(legs []models.Position) ([][2]models.Position, []models.Position) {
	paired := make([][2]models.Position, 0)
	unpaired := make([]models.Position, 0)
	used := make(map[int]bool)

	for i, a := range legs {
		if used[i] {
			continue
		}
		found := false
		for j := i + 1; j < len(legs); j++ {
			if used[j] {
				continue
			}
			b := legs[j]
			if math.Abs(a.Quantity) == math.Abs(b.Quantity) && a.Quantity*b.Quantity < 0 {
				paired = append(paired, [2]models.Position{a, b})
				used[i], used[j] = true, true
				found = true
				break
			}
		}
		if !found {
			unpaired = append(unpaired, a)
		}
	}
	return paired, unpaired
}

func (c *Calculator) spreadLeverage(spread [2]models.Position, underlying float64, result *greeks.Result) (SpreadLeverage, bool) {
	idA, _ := spread[0].OptionIdentity()
	idB, _ := spread[1].OptionIdentity()

	snapA, okA := result.Lookup(idA)
	snapB, okB := result.Lookup(idB)
	if !okA || !okB {
		return SpreadLeverage{}, false
	}

	units := math.Abs(spread[0].Quantity)
	value := math.Abs(spread[0].MarketValue + spread[1].MarketValue)
	if units == 0 || value == 0 {
		return SpreadLeverage{}, false
	}

	// Net delta per single spread unit, signed by leg direction.
	netDelta := math.Abs(snapA.Delta*sign(spread[0].Quantity) + snapB.Delta*sign(spread[1].Quantity))
	multiplier := float64(spread[0].Multiplier)

	return SpreadLeverage{
		Symbol:   spread[0].Symbol,
		Legs:     []models.OptionIdentity{idA, idB},
		Value:    value,
		Leverage: underlying * netDelta * multiplier / (value / units),
	}, true
}

func (c *Calculator) legLeverage(leg models.Position, underlying float64, result *greeks.Result) (SpreadLeverage, bool) {
	id, _ := leg.OptionIdentity()
	snap, ok := result.Lookup(id)
	if !ok || leg.MarketValue == 0 {
		return SpreadLeverage{}, false
	}

	// Position delta, not per-contract delta: the whole-position value in
	// the denominator needs the whole-position exposure in the numerator,
	// so leverage stays invariant in lot count.
	positionDelta := math.Abs(snap.Delta * leg.Quantity)

	return SpreadLeverage{
		Symbol:   leg.Symbol,
		Legs:     []models.OptionIdentity{id},
		Value:    math.Abs(leg.MarketValue),
		Leverage: positionDelta * underlying * float64(leg.Multiplier) / math.Abs(leg.MarketValue),
	}, true
}

// underlyingPrices maps stock symbols to their current market price, the
// reference for option exposure.
func underlyingPrices(positions []models.Position) map[string]float64 {
	prices := make(map[string]float64)
	for _, pos := range positions {
		if pos.SecType == models.SecTypeStock && pos.MarketPrice > 0 {
			prices[pos.Symbol] = pos.MarketPrice
		}
	}
	return prices
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
