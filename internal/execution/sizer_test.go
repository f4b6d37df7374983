package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

func TestQuantityFromEquityRisk(t *testing.T) {
	s := NewSizer(SizerConfig{MaxRiskPct: 0.02, DayTradeUtilizationPct: 1.0})
	balances := domain.AccountBalances{TotalEquity: 50_000, DayTradeBuyingPower: 200_000}

	// 50000 * 0.02 = 1000 risk budget; 2.50 * 100 = 250 per contract.
	qty, err := s.Quantity(balances, 2.50)
	require.NoError(t, err)
	assert.Equal(t, 4, qty)
}

func TestQuantityFailsClosedWhenTooExpensive(t *testing.T) {
	s := NewSizer(SizerConfig{MaxRiskPct: 0.02, DayTradeUtilizationPct: 1.0})
	balances := domain.AccountBalances{TotalEquity: 50_000, DayTradeBuyingPower: 200_000}

	// 12.50 * 100 = 1250 per contract exceeds the 1000 risk budget.
	qty, err := s.Quantity(balances, 12.50)
	assert.Zero(t, qty)
	require.ErrorIs(t, err, domain.ErrMarginLimitBlocked)
}

func TestQuantityBoundedByBuyingPower(t *testing.T) {
	s := NewSizer(SizerConfig{MaxRiskPct: 0.10, DayTradeUtilizationPct: 0.25})
	balances := domain.AccountBalances{TotalEquity: 100_000, DayTradeBuyingPower: 2_000}

	// Risk bound allows 40 contracts; buying power allows floor(500/250) = 2.
	qty, err := s.Quantity(balances, 2.50)
	require.NoError(t, err)
	assert.Equal(t, 2, qty)
}

func TestQuantityHardCeiling(t *testing.T) {
	s := NewSizer(SizerConfig{MaxRiskPct: 0.50, DayTradeUtilizationPct: 1.0, MaxContracts: 5})
	balances := domain.AccountBalances{TotalEquity: 1_000_000, DayTradeBuyingPower: 4_000_000}

	qty, err := s.Quantity(balances, 1.00)
	require.NoError(t, err)
	assert.Equal(t, 5, qty)
}

func TestQuantityRejectsInvalidAsk(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	balances := domain.AccountBalances{TotalEquity: 50_000, DayTradeBuyingPower: 50_000}

	_, err := s.Quantity(balances, 0)
	assert.Error(t, err)
	_, err = s.Quantity(balances, -1)
	assert.Error(t, err)
}
