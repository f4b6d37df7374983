// Package execution places and supervises broker orders in response to
// confirmed setup transitions. The orchestrator reacts to transition events,
// the sizer converts account balances into contract counts, and the monitor
// polls submitted orders to resolution.
package execution

import (
	"fmt"
	"math"

	"github.com/coachbot/tradeexec/internal/domain"
)

// SizerConfig holds the risk limits applied to every entry.
type SizerConfig struct {
	// MaxRiskPct is the fraction of total account equity one trade may
	// consume as premium.
	MaxRiskPct float64

	// DayTradeUtilizationPct caps the share of day-trade buying power a
	// single entry may commit.
	DayTradeUtilizationPct float64

	// MaxContracts is a hard ceiling regardless of account size. Zero means
	// no ceiling.
	MaxContracts int
}

// DefaultSizerConfig returns the production risk defaults.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		MaxRiskPct:             0.02,
		DayTradeUtilizationPct: 0.25,
		MaxContracts:           10,
	}
}

// Sizer computes order quantity from live balances. It is a pure calculation
// and holds no state.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a Sizer, applying defaults for unset limits.
func NewSizer(cfg SizerConfig) *Sizer {
	def := DefaultSizerConfig()
	if cfg.MaxRiskPct <= 0 {
		cfg.MaxRiskPct = def.MaxRiskPct
	}
	if cfg.DayTradeUtilizationPct <= 0 {
		cfg.DayTradeUtilizationPct = def.DayTradeUtilizationPct
	}
	return &Sizer{cfg: cfg}
}

// Quantity returns the number of contracts to buy at the given ask. The
// per-contract cost uses the standard 100 multiplier. The result is the lower
// of the equity-risk bound and the buying-power bound; if even one contract
// does not fit, sizing fails closed with ErrMarginLimitBlocked.
func (s *Sizer) Quantity(balances domain.AccountBalances, ask float64) (int, error) {
	if ask <= 0 {
		return 0, fmt.Errorf("execution: size: invalid ask %.4f", ask)
	}

	perContract := ask * 100

	riskQty := math.Floor(balances.TotalEquity * s.cfg.MaxRiskPct / perContract)
	bpQty := math.Floor(balances.DayTradeBuyingPower * s.cfg.DayTradeUtilizationPct / perContract)

	qty := int(math.Min(riskQty, bpQty))
	if s.cfg.MaxContracts > 0 && qty > s.cfg.MaxContracts {
		qty = s.cfg.MaxContracts
	}
	if qty < 1 {
		return 0, fmt.Errorf("execution: size: ask %.2f equity %.2f: %w",
			ask, balances.TotalEquity, domain.ErrMarginLimitBlocked)
	}
	return qty, nil
}
