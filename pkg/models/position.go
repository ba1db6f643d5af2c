package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SecType string

const (
	SecTypeStock  SecType = "STK"
	SecTypeOption SecType = "OPT"
	SecTypeFuture SecType = "FUT"
	SecTypeForex  SecType = "CASH"
)

// Position is one held instrument as reported by the brokerage account.
// Strike, Expiry and Right are populated only for options.
type Position struct {
	Symbol        string
	SecType       SecType
	Exchange      string
	Currency      string
	Account       string
	LocalSymbol   string
	ContractID    int64
	Quantity      float64
	AvgCost       float64
	MarketPrice   float64
	MarketValue   float64
	UnrealizedPNL float64
	RealizedPNL   float64
	Multiplier    int
	Strike        float64
	Expiry        string
	Right         OptionRight
	UpdatedAt     time.Time
}

func (p Position) IsOption() bool {
	return p.SecType == SecTypeOption
}

// OptionIdentity derives the contract identity for an option position.
// The second return is false for non-option positions, which carry no
// Greeks.
func (p Position) OptionIdentity() (OptionIdentity, bool) {
	if !p.IsOption() {
		return OptionIdentity{}, false
	}
	return OptionIdentity{
		Symbol:   p.Symbol,
		Expiry:   p.Expiry,
		Strike:   p.Strike,
		Right:    p.Right,
		Exchange: p.Exchange,
		Currency: p.Currency,
	}, true
}

// PositionSummary aggregates account-level totals. Monetary totals use
// decimals so that per-position values sum without float drift.
type PositionSummary struct {
	TotalPositions     int
	TotalMarketValue   decimal.Decimal
	TotalUnrealizedPNL decimal.Decimal
	TotalRealizedPNL   decimal.Decimal
	TotalPNL           decimal.Decimal
	UpdatedAt          time.Time
}
