// Package symbols converts between the broker's fixed-width option symbol
// (root + YYMMDD + C/P + 8-digit strike in thousandths, e.g.
// "SPXW260220C06870000") and the market-data ticker form used by the tick
// feed ("O:" + the same body). The mapping round-trips exactly for any strike
// expressible to three decimal places.
package symbols

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionType is a call or a put.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// tickerPrefix marks the market-data ticker form of an option symbol.
const tickerPrefix = "O:"

// expiryLayout is the six-digit date segment of the fixed-width symbol.
const expiryLayout = "060102"

// Contract identifies one listed option contract.
type Contract struct {
	Underlying string
	Expiry     time.Time // date only; time-of-day is ignored
	Type       OptionType
	Strike     float64
}

// Format renders the broker-native fixed-width symbol.
func Format(c Contract) (string, error) {
	root := strings.ToUpper(strings.TrimSpace(c.Underlying))
	if root == "" {
		return "", fmt.Errorf("symbols: empty underlying")
	}
	if c.Type != Call && c.Type != Put {
		return "", fmt.Errorf("symbols: invalid option type %q", c.Type)
	}
	if c.Strike <= 0 {
		return "", fmt.Errorf("symbols: non-positive strike %v", c.Strike)
	}

	// Strike is encoded in thousandths across eight digits. Round rather
	// than truncate so 6870.0 never encodes as 06869999.
	milli := int64(math.Round(c.Strike * 1000))
	if milli > 99999999 {
		return "", fmt.Errorf("symbols: strike %v too large to encode", c.Strike)
	}

	return fmt.Sprintf("%s%s%s%08d", root, c.Expiry.Format(expiryLayout), c.Type, milli), nil
}

// FormatTicker renders the market-data ticker form.
func FormatTicker(c Contract) (string, error) {
	s, err := Format(c)
	if err != nil {
		return "", err
	}
	return tickerPrefix + s, nil
}

// Parse decodes a broker-native symbol back into its contract tuple. It also
// accepts the ticker form for convenience.
func Parse(symbol string) (Contract, error) {
	body := strings.TrimPrefix(strings.TrimSpace(symbol), tickerPrefix)

	// Root is variable-width; the suffix is fixed at 6 (date) + 1 (type) +
	// 8 (strike) characters.
	const suffixLen = 15
	if len(body) <= suffixLen {
		return Contract{}, fmt.Errorf("symbols: %q too short for an option symbol", symbol)
	}

	root := body[:len(body)-suffixLen]
	rest := body[len(body)-suffixLen:]

	expiry, err := time.Parse(expiryLayout, rest[:6])
	if err != nil {
		return Contract{}, fmt.Errorf("symbols: bad expiry in %q: %w", symbol, err)
	}

	typ := OptionType(rest[6:7])
	if typ != Call && typ != Put {
		return Contract{}, fmt.Errorf("symbols: bad option type in %q", symbol)
	}

	milli, err := strconv.ParseInt(rest[7:], 10, 64)
	if err != nil {
		return Contract{}, fmt.Errorf("symbols: bad strike in %q: %w", symbol, err)
	}

	return Contract{
		Underlying: root,
		Expiry:     expiry,
		Type:       typ,
		Strike:     float64(milli) / 1000,
	}, nil
}
