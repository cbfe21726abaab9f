package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyBounds_InWindow(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		hour       int
		want       bool
	}{
		{"no window", 0, 0, 3, true},
		{"inside", 9, 17, 12, true},
		{"start inclusive", 9, 17, 9, true},
		{"end inclusive", 9, 17, 17, true},
		{"before", 9, 17, 8, false},
		{"wrap late", 22, 3, 23, true},
		{"wrap early", 22, 3, 2, true},
		{"wrap outside", 22, 3, 12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FrequencyBounds{TradingStartHour: tt.start, TradingEndHour: tt.end}
			assert.Equal(t, tt.want, f.InWindow(tt.hour))
		})
	}
}

func TestPolicy_IsActive(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	p := Policy{Lifecycle: Lifecycle{Enabled: true}}
	assert.True(t, p.IsActive(now))

	p.Lifecycle.ExpiryTimestamp = now.Add(-time.Second)
	assert.False(t, p.IsActive(now))

	p.Lifecycle.ExpiryTimestamp = now.Add(time.Hour)
	assert.True(t, p.IsActive(now))

	p.Lifecycle.Enabled = false
	assert.False(t, p.IsActive(now))
}

func TestMarketFilter_Allows(t *testing.T) {
	m := MarketFilter{BlacklistedTokens: []TokenID{"SCAM"}}
	assert.True(t, m.Allows("ETH"))
	assert.False(t, m.Allows("SCAM"))

	m.WhitelistedTokens = []TokenID{"ETH", "SCAM"}
	assert.True(t, m.Allows("ETH"))
	assert.False(t, m.Allows("BTC"))
	assert.False(t, m.Allows("SCAM"))
}

func TestPolicy_Validate(t *testing.T) {
	p := Policy{Size: SizeBounds{MinOrderSize: dec("100"), MaxOrderSize: dec("1000")}}
	require.NoError(t, p.Validate())

	p.Size.MinOrderSize = dec("2000")
	assert.Error(t, p.Validate())

	p = Policy{Safety: SafetyBounds{MaxSlippageBps: 10_001}}
	assert.Error(t, p.Validate())

	p = Policy{Frequency: FrequencyBounds{TradingStartHour: 24}}
	assert.Error(t, p.Validate())
}

func TestApplyOverrides(t *testing.T) {
	base := Policy{
		Size:   SizeBounds{MinOrderSize: dec("10"), MaxOrderSize: dec("1000")},
		Market: MarketFilter{WhitelistedTokens: []TokenID{"ETH", "USDC"}},
		Capabilities: CapabilityFlags{
			AllowMarketOrders: true,
			AllowBuy:          true,
		},
	}

	out, err := ApplyOverrides(base, json.RawMessage(`{"size":{"max_order_size":"500"},"capabilities":{"allow_sell":true}}`))
	require.NoError(t, err)

	assert.True(t, out.Size.MaxOrderSize.Equal(dec("500")))
	assert.True(t, out.Size.MinOrderSize.Equal(dec("10")))
	assert.True(t, out.Capabilities.AllowMarketOrders)
	assert.True(t, out.Capabilities.AllowSell)
	assert.Equal(t, []TokenID{"ETH", "USDC"}, out.Market.WhitelistedTokens)

	// Шаблон не изменился
	assert.True(t, base.Size.MaxOrderSize.Equal(dec("1000")))
	assert.False(t, base.Capabilities.AllowSell)
}

func TestApplyOverrides_Empty(t *testing.T) {
	base := Policy{Size: SizeBounds{MaxOrderSize: dec("1000")}}
	out, err := ApplyOverrides(base, nil)
	require.NoError(t, err)
	assert.True(t, out.Size.MaxOrderSize.Equal(dec("1000")))

	_, err = ApplyOverrides(base, json.RawMessage(`{"size":`))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	var s SafetyBounds
	require.NoError(t, json.Unmarshal([]byte(`{"min_time_between_trades":"90s"}`), &s))
	assert.Equal(t, 90*time.Second, s.MinTimeBetweenTrades.Std())

	require.NoError(t, json.Unmarshal([]byte(`{"min_time_between_trades":30}`), &s))
	assert.Equal(t, 30*time.Second, s.MinTimeBetweenTrades.Std())

	raw, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(raw))
}
