package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionIdentityKey(t *testing.T) {
	id := OptionIdentity{
		Symbol:   "AAPL",
		Expiry:   "20260918",
		Strike:   150.5,
		Right:    RightCall,
		Exchange: "SMART",
		Currency: "USD",
	}

	assert.Equal(t, "AAPL_150.5_20260918_C_SMART_USD", id.Key())

	other := id
	other.Right = RightPut
	assert.NotEqual(t, id.Key(), other.Key(), "calls and puts are distinct contracts")
}

func TestPositionOptionIdentity(t *testing.T) {
	pos := Position{
		Symbol:   "AAPL",
		SecType:  SecTypeOption,
		Exchange: "SMART",
		Currency: "USD",
		Strike:   150,
		Expiry:   "20260918",
		Right:    RightCall,
	}

	id, ok := pos.OptionIdentity()
	require.True(t, ok)
	assert.Equal(t, "AAPL", id.Symbol)
	assert.Equal(t, 150.0, id.Strike)

	stock := Position{Symbol: "AAPL", SecType: SecTypeStock}
	_, ok = stock.OptionIdentity()
	assert.False(t, ok)
}

func TestSnapshotAge(t *testing.T) {
	now := time.Now()
	snap := GreeksSnapshot{CapturedAt: now.Add(-10 * time.Hour)}
	assert.Equal(t, 10*time.Hour, snap.Age(now))
}
