// Package recommend selects the option contract to trade for a setup. The
// picker here is deliberately simple: same-day expiry, at-the-money strike
// from the latest underlying print, quote taken from the tick cache. Anything
// smarter plugs in behind the same interface.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/execution"
	"github.com/coachbot/tradeexec/internal/symbols"
)

// sessionDateLayout matches domain.Setup.SessionDate.
const sessionDateLayout = "2006-01-02"

// Config holds the picker policy knobs.
type Config struct {
	// StrikeIncrement is the strike grid to round onto.
	StrikeIncrement float64

	// RootOverrides maps an underlying symbol to the option root when they
	// differ (e.g. SPX trades weeklies under SPXW).
	RootOverrides map[string]string

	// MaxQuoteAge rejects option quotes older than this. Zero disables the
	// staleness check.
	MaxQuoteAge time.Duration
}

// DefaultConfig returns the standard picker policy.
func DefaultConfig() Config {
	return Config{
		StrikeIncrement: 5,
		RootOverrides:   map[string]string{"SPX": "SPXW"},
		MaxQuoteAge:     30 * time.Second,
	}
}

// QuotePicker implements execution.ContractPicker from cached quotes.
type QuotePicker struct {
	cfg    Config
	cache  domain.TickCache
	clock  domain.Clock
	logger *slog.Logger
}

// NewQuotePicker creates a QuotePicker.
func NewQuotePicker(cfg Config, cache domain.TickCache, clock domain.Clock, logger *slog.Logger) *QuotePicker {
	if cfg.StrikeIncrement <= 0 {
		cfg.StrikeIncrement = DefaultConfig().StrikeIncrement
	}
	return &QuotePicker{
		cfg:    cfg,
		cache:  cache,
		clock:  clock,
		logger: logger.With(slog.String("component", "contract_picker")),
	}
}

// Pick resolves the contract and its current ask for a setup. It fails when
// the underlying has no recent print or the contract has no live quote; the
// caller treats that as a skipped entry, not a retryable order.
func (p *QuotePicker) Pick(ctx context.Context, setup domain.Setup) (execution.Recommendation, error) {
	underlying, err := p.cache.GetLatest(ctx, setup.Symbol)
	if err != nil {
		return execution.Recommendation{}, fmt.Errorf("recommend: no underlying print for %s: %w", setup.Symbol, err)
	}

	expiry, err := time.Parse(sessionDateLayout, setup.SessionDate)
	if err != nil {
		return execution.Recommendation{}, fmt.Errorf("recommend: bad session date %q: %w", setup.SessionDate, err)
	}

	contract := symbols.Contract{
		Underlying: p.rootFor(setup.Symbol),
		Expiry:     expiry,
		Type:       optionTypeFor(setup.Direction),
		Strike:     p.nearestStrike(underlying.Price),
	}

	ticker, err := symbols.FormatTicker(contract)
	if err != nil {
		return execution.Recommendation{}, fmt.Errorf("recommend: format ticker: %w", err)
	}

	quote, err := p.cache.GetLatest(ctx, ticker)
	if err != nil {
		return execution.Recommendation{}, fmt.Errorf("recommend: no quote for %s: %w", ticker, err)
	}
	if quote.Ask <= 0 {
		return execution.Recommendation{}, fmt.Errorf("recommend: %s has no ask", ticker)
	}
	if p.cfg.MaxQuoteAge > 0 {
		age := p.clock.Now().Sub(time.UnixMilli(quote.TimestampMs))
		if age > p.cfg.MaxQuoteAge {
			return execution.Recommendation{}, fmt.Errorf("recommend: quote for %s is stale (%s old)", ticker, age.Truncate(time.Second))
		}
	}

	optionSymbol, err := symbols.Format(contract)
	if err != nil {
		return execution.Recommendation{}, fmt.Errorf("recommend: format symbol: %w", err)
	}

	p.logger.Debug("contract picked",
		slog.String("setup_id", setup.ID),
		slog.String("option_symbol", optionSymbol),
		slog.Float64("strike", contract.Strike),
		slog.Float64("ask", quote.Ask),
	)

	return execution.Recommendation{OptionSymbol: optionSymbol, Ask: quote.Ask}, nil
}

func (p *QuotePicker) rootFor(symbol string) string {
	if root, ok := p.cfg.RootOverrides[symbol]; ok {
		return root
	}
	return symbol
}

// nearestStrike snaps a price onto the strike grid.
func (p *QuotePicker) nearestStrike(price float64) float64 {
	inc := p.cfg.StrikeIncrement
	steps := int64(price/inc + 0.5)
	return float64(steps) * inc
}

func optionTypeFor(d domain.Direction) symbols.OptionType {
	if d == domain.DirectionBearish {
		return symbols.Put
	}
	return symbols.Call
}
