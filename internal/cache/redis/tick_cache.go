package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/ticks"
)

// TickCache implements domain.TickCache using Redis hashes. The latest
// accepted tick per symbol lives at "tick:{SYMBOL}"; writes happen off the
// evaluation hot path.
type TickCache struct {
	rdb *redis.Client
}

// NewTickCache creates a TickCache backed by the given Client.
func NewTickCache(c *Client) *TickCache {
	return &TickCache{rdb: c.Underlying()}
}

func tickKey(symbol string) string {
	return "tick:" + ticks.NormalizeSymbol(symbol)
}

// SetLatest mirrors one accepted tick.
func (tc *TickCache) SetLatest(ctx context.Context, tick domain.Tick) error {
	fields := map[string]interface{}{
		"price":    strconv.FormatFloat(tick.Price, 'f', -1, 64),
		"size":     strconv.FormatInt(tick.Size, 10),
		"ts_ms":    strconv.FormatInt(tick.TimestampMs, 10),
		"sequence": strconv.FormatInt(tick.Sequence, 10),
		"bid":      strconv.FormatFloat(tick.Bid, 'f', -1, 64),
		"ask":      strconv.FormatFloat(tick.Ask, 'f', -1, 64),
	}
	if err := tc.rdb.HSet(ctx, tickKey(tick.Symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", tick.Symbol, err)
	}
	return nil
}

// GetLatest reads the mirrored tick for a symbol. It returns
// domain.ErrNotFound when no tick has been mirrored yet.
func (tc *TickCache) GetLatest(ctx context.Context, symbol string) (domain.Tick, error) {
	vals, err := tc.rdb.HGetAll(ctx, tickKey(symbol)).Result()
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: get tick %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.Tick{}, domain.ErrNotFound
	}

	tick := domain.Tick{Symbol: ticks.NormalizeSymbol(symbol)}
	if tick.Price, err = strconv.ParseFloat(vals["price"], 64); err != nil {
		return domain.Tick{}, fmt.Errorf("redis: parse tick price %s: %w", symbol, err)
	}
	if tick.TimestampMs, err = strconv.ParseInt(vals["ts_ms"], 10, 64); err != nil {
		return domain.Tick{}, fmt.Errorf("redis: parse tick timestamp %s: %w", symbol, err)
	}
	// Optional fields default to zero when absent or malformed.
	tick.Size, _ = strconv.ParseInt(vals["size"], 10, 64)
	tick.Sequence, _ = strconv.ParseInt(vals["sequence"], 10, 64)
	tick.Bid, _ = strconv.ParseFloat(vals["bid"], 64)
	tick.Ask, _ = strconv.ParseFloat(vals["ask"], 64)

	return tick, nil
}

// Compile-time interface check.
var _ domain.TickCache = (*TickCache)(nil)
