package portfolio

import (
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/shopspring/decimal"
)

// Summarize aggregates account-level totals over the position list.
func Summarize(positions []models.Position) models.PositionSummary {
	var marketValue, unrealized, realized decimal.Decimal
	for _, pos := range positions {
		marketValue = marketValue.Add(decimal.NewFromFloat(pos.MarketValue))
		unrealized = unrealized.Add(decimal.NewFromFloat(pos.UnrealizedPNL))
		realized = realized.Add(decimal.NewFromFloat(pos.RealizedPNL))
	}

	return models.PositionSummary{
		TotalPositions:     len(positions),
		TotalMarketValue:   marketValue,
		TotalUnrealizedPNL: unrealized,
		TotalRealizedPNL:   realized,
		TotalPNL:           unrealized.Add(realized),
		UpdatedAt:          time.Now(),
	}
}
