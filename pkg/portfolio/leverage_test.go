package portfolio

import (
	"testing"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/greeks"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(symbol string, strike float64, right models.OptionRight) models.OptionIdentity {
	return models.OptionIdentity{
		Symbol:   symbol,
		Expiry:   "20260918",
		Strike:   strike,
		Right:    right,
		Exchange: "SMART",
		Currency: "USD",
	}
}

func optionLeg(id models.OptionIdentity, qty, marketValue float64) models.Position {
	return models.Position{
		Symbol:      id.Symbol,
		SecType:     models.SecTypeOption,
		Exchange:    id.Exchange,
		Currency:    id.Currency,
		Quantity:    qty,
		MarketValue: marketValue,
		Multiplier:  100,
		Strike:      id.Strike,
		Expiry:      id.Expiry,
		Right:       id.Right,
	}
}

func stock(symbol string, price float64) models.Position {
	return models.Position{
		Symbol:      symbol,
		SecType:     models.SecTypeStock,
		Quantity:    100,
		MarketPrice: price,
	}
}

func resultWith(snaps ...models.GreeksSnapshot) *greeks.Result {
	r := &greeks.Result{Entries: make(map[string]greeks.Entry)}
	for i := range snaps {
		snap := snaps[i]
		r.Entries[snap.Identity.Key()] = greeks.Entry{
			Identity: snap.Identity,
			Snapshot: &snap,
			Status:   greeks.StatusLive,
		}
	}
	return r
}

func snapshot(id models.OptionIdentity, delta float64) models.GreeksSnapshot {
	return models.GreeksSnapshot{
		Identity:   id,
		Delta:      delta,
		CapturedAt: time.Now(),
		Source:     models.SourceLive,
	}
}

func TestSingleLegLeverage(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calc := NewCalculator(logger)

	id := identity("AAPL", 150, models.RightCall)
	positions := []models.Position{
		stock("AAPL", 150),
		optionLeg(id, 1, 1000),
	}

	levs := calc.Leverages(positions, resultWith(snapshot(id, 0.55)))
	require.Len(t, levs, 1)

	// |0.55 * 1| * 150 * 100 / 1000
	assert.InDelta(t, 8.25, levs[0].Leverage, 1e-9)
	assert.Equal(t, 1000.0, levs[0].Value)
}

func TestLegLeverageInvariantInLotCount(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calc := NewCalculator(logger)

	id := identity("AAPL", 150, models.RightCall)
	twoLots := []models.Position{
		stock("AAPL", 150),
		optionLeg(id, 2, 2000),
	}

	levs := calc.Leverages(twoLots, resultWith(snapshot(id, 0.55)))
	require.Len(t, levs, 1)

	// |0.55 * 2| * 150 * 100 / 2000: same per-dollar exposure as one lot.
	assert.InDelta(t, 8.25, levs[0].Leverage, 1e-9)
	assert.Equal(t, 2000.0, levs[0].Value)
}

func TestShortLegLeverageUsesAbsoluteQuantity(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calc := NewCalculator(logger)

	id := identity("AAPL", 150, models.RightPut)
	positions := []models.Position{
		stock("AAPL", 150),
		optionLeg(id, -3, -1500),
	}

	levs := calc.Leverages(positions, resultWith(snapshot(id, -0.40)))
	require.Len(t, levs, 1)

	// |-0.40 * -3| * 150 * 100 / 1500
	assert.InDelta(t, 12.0, levs[0].Leverage, 1e-9)
}

func TestSpreadPairing(t *testing.T) {
	long := optionLeg(identity("AAPL", 150, models.RightCall), 2, 1200)
	short := optionLeg(identity("AAPL", 160, models.RightCall), -2, -400)
	lonely := optionLeg(identity("AAPL", 170, models.RightCall), 1, 150)

	paired, unpaired := pairSpreads([]models.Position{long, short, lonely})
	require.Len(t, paired, 1)
	require.Len(t, unpaired, 1)
	assert.Equal(t, 170.0, unpaired[0].Strike)
}

func TestVerticalSpreadLeverage(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calc := NewCalculator(logger)

	longID := identity("AAPL", 150, models.RightCall)
	shortID := identity("AAPL", 160, models.RightCall)
	positions := []models.Position{
		stock("AAPL", 155),
		optionLeg(longID, 1, 800),
		optionLeg(shortID, -1, -300),
	}

	levs := calc.Leverages(positions, resultWith(snapshot(longID, 0.60), snapshot(shortID, 0.35)))
	require.Len(t, levs, 1)

	// Net spread delta 0.25, spread value 500, one unit:
	// 155 * 0.25 * 100 / 500
	assert.InDelta(t, 7.75, levs[0].Leverage, 1e-9)
	assert.Len(t, levs[0].Legs, 2)
}

func TestMissingGreeksAreSkipped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calc := NewCalculator(logger)

	id := identity("AAPL", 150, models.RightCall)
	positions := []models.Position{
		stock("AAPL", 150),
		optionLeg(id, 1, 1000),
	}

	empty := &greeks.Result{Entries: map[string]greeks.Entry{
		id.Key(): {Identity: id, Status: greeks.StatusMissing},
	}}
	levs := calc.Leverages(positions, empty)
	assert.Empty(t, levs, "missing Greeks must not be treated as zero exposure")
}

func TestNoUnderlyingPriceSkips(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calc := NewCalculator(logger)

	id := identity("AAPL", 150, models.RightCall)
	positions := []models.Position{optionLeg(id, 1, 1000)}

	levs := calc.Leverages(positions, resultWith(snapshot(id, 0.55)))
	assert.Empty(t, levs)
}

func TestOverallIsValueWeighted(t *testing.T) {
	levs := []SpreadLeverage{
		{Value: 1000, Leverage: 8},
		{Value: 3000, Leverage: 4},
	}
	assert.InDelta(t, 5.0, Overall(levs), 1e-9)
	assert.Zero(t, Overall(nil))
}

func TestSummarizeTotals(t *testing.T) {
	positions := []models.Position{
		{MarketValue: 1000.10, UnrealizedPNL: 50.05, RealizedPNL: 10},
		{MarketValue: -200.10, UnrealizedPNL: -25.05, RealizedPNL: 5},
	}

	summary := Summarize(positions)
	assert.Equal(t, 2, summary.TotalPositions)
	assert.Equal(t, "800.00", summary.TotalMarketValue.StringFixed(2))
	assert.Equal(t, "25.00", summary.TotalUnrealizedPNL.StringFixed(2))
	assert.Equal(t, "40.00", summary.TotalPNL.StringFixed(2))
}
