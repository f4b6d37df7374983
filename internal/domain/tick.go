package domain

// AggressorSide indicates which side initiated a trade print.
type AggressorSide string

const (
	AggressorBuy     AggressorSide = "buy"
	AggressorSell    AggressorSide = "sell"
	AggressorUnknown AggressorSide = ""
)

// Tick is a single normalized market-data print for one symbol. Sequence is
// the feed's monotonic message number; zero means the feed does not assign
// sequence numbers and ordering falls back to TimestampMs.
type Tick struct {
	Symbol      string
	Price       float64
	Size        int64
	TimestampMs int64
	Sequence    int64
	Bid         float64
	Ask         float64
	BidSize     int64
	AskSize     int64
	Aggressor   AggressorSide
}

// Valid reports whether the tick carries the minimum fields required for
// sequencing. Invalid ticks are rejected, not errors.
func (t Tick) Valid() bool {
	return t.Symbol != "" && t.Price > 0 && t.TimestampMs > 0
}
