package recommend

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeCache struct{ ticks map[string]domain.Tick }

func (c *fakeCache) SetLatest(_ context.Context, tick domain.Tick) error {
	c.ticks[tick.Symbol] = tick
	return nil
}

func (c *fakeCache) GetLatest(_ context.Context, symbol string) (domain.Tick, error) {
	tick, ok := c.ticks[symbol]
	if !ok {
		return domain.Tick{}, domain.ErrNotFound
	}
	return tick, nil
}

func testSetup() domain.Setup {
	return domain.Setup{
		ID:          "setup-1",
		Symbol:      "SPX",
		Direction:   domain.DirectionBullish,
		EntryLow:    6870,
		EntryHigh:   6875,
		SessionDate: "2026-02-20",
	}
}

func newPicker(cache *fakeCache, clock *fakeClock) *QuotePicker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQuotePicker(DefaultConfig(), cache, clock, logger)
}

func TestPickAtTheMoneyCall(t *testing.T) {
	now := time.Date(2026, 2, 20, 14, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	cache := &fakeCache{ticks: map[string]domain.Tick{
		"SPX": {Symbol: "SPX", Price: 6872.3, TimestampMs: now.UnixMilli()},
		"O:SPXW260220C06870000": {
			Symbol: "O:SPXW260220C06870000", Price: 2.50, Ask: 2.55,
			TimestampMs: now.UnixMilli(),
		},
	}}

	rec, err := newPicker(cache, clock).Pick(context.Background(), testSetup())
	require.NoError(t, err)
	assert.Equal(t, "SPXW260220C06870000", rec.OptionSymbol)
	assert.Equal(t, 2.55, rec.Ask)
}

func TestPickPutForBearishSetup(t *testing.T) {
	now := time.Date(2026, 2, 20, 14, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	cache := &fakeCache{ticks: map[string]domain.Tick{
		"SPX": {Symbol: "SPX", Price: 6872.3, TimestampMs: now.UnixMilli()},
		"O:SPXW260220P06870000": {
			Symbol: "O:SPXW260220P06870000", Price: 2.10, Ask: 2.20,
			TimestampMs: now.UnixMilli(),
		},
	}}

	setup := testSetup()
	setup.Direction = domain.DirectionBearish
	rec, err := newPicker(cache, clock).Pick(context.Background(), setup)
	require.NoError(t, err)
	assert.Equal(t, "SPXW260220P06870000", rec.OptionSymbol)
}

func TestPickFailsWithoutUnderlyingPrint(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := &fakeCache{ticks: map[string]domain.Tick{}}

	_, err := newPicker(cache, clock).Pick(context.Background(), testSetup())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPickFailsOnStaleQuote(t *testing.T) {
	now := time.Date(2026, 2, 20, 14, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	cache := &fakeCache{ticks: map[string]domain.Tick{
		"SPX": {Symbol: "SPX", Price: 6872.3, TimestampMs: now.UnixMilli()},
		"O:SPXW260220C06870000": {
			Symbol: "O:SPXW260220C06870000", Price: 2.50, Ask: 2.55,
			TimestampMs: now.Add(-5 * time.Minute).UnixMilli(),
		},
	}}

	_, err := newPicker(cache, clock).Pick(context.Background(), testSetup())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestPickFailsOnMissingAsk(t *testing.T) {
	now := time.Date(2026, 2, 20, 14, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	cache := &fakeCache{ticks: map[string]domain.Tick{
		"SPX": {Symbol: "SPX", Price: 6872.3, TimestampMs: now.UnixMilli()},
		"O:SPXW260220C06870000": {
			Symbol: "O:SPXW260220C06870000", Price: 2.50,
			TimestampMs: now.UnixMilli(),
		},
	}}

	_, err := newPicker(cache, clock).Pick(context.Background(), testSetup())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ask")
}

func TestStrikeSnapsToGrid(t *testing.T) {
	p := newPicker(&fakeCache{ticks: map[string]domain.Tick{}}, &fakeClock{})

	assert.Equal(t, 6870.0, p.nearestStrike(6872.3))
	assert.Equal(t, 6875.0, p.nearestStrike(6872.5))
	assert.Equal(t, 6870.0, p.nearestStrike(6870.0))
}
