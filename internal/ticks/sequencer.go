// Package ticks orders and deduplicates the raw market-data stream. The feed
// may redeliver, duplicate, or reorder messages; the Sequencer is the single
// defense, so everything downstream can assume strictly ordered ticks.
package ticks

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/coachbot/tradeexec/internal/domain"
)

// DefaultBufferSize bounds the per-symbol ring of recent accepted ticks.
const DefaultBufferSize = 256

// DefaultRegressionThreshold is how far a sequence number must fall behind
// the last accepted one before the rejection is worth a warning. Small
// regressions are routine redelivery noise.
const DefaultRegressionThreshold = 100

// Sequencer accepts or rejects raw ticks per symbol. Each symbol has its own
// lock, so distinct symbols never contend; within one symbol, ingestion is
// single-writer.
type Sequencer struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState

	bufferSize          int
	regressionThreshold int64
	logger              *slog.Logger
}

// symbolState is the per-symbol sequencing state. All fields are guarded by
// the state's own mutex.
type symbolState struct {
	mu      sync.Mutex
	latest  domain.Tick
	hasTick bool
	lastSeq int64

	// ring holds the most recent accepted ticks, oldest first.
	ring []domain.Tick
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithBufferSize overrides the per-symbol ring capacity.
func WithBufferSize(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithRegressionThreshold overrides the significant-regression warning bound.
func WithRegressionThreshold(n int64) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.regressionThreshold = n
		}
	}
}

// NewSequencer creates a Sequencer.
func NewSequencer(logger *slog.Logger, opts ...Option) *Sequencer {
	s := &Sequencer{
		symbols:             make(map[string]*symbolState),
		bufferSize:          DefaultBufferSize,
		regressionThreshold: DefaultRegressionThreshold,
		logger:              logger.With(slog.String("component", "tick_sequencer")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeSymbol canonicalizes a feed symbol for keying.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Ingest offers a raw tick. It returns true when the tick was accepted as
// strictly newer than the last accepted tick for its symbol. Rejection is a
// normal outcome, not an error: duplicates, stale timestamps, and sequence
// regressions all return false.
func (s *Sequencer) Ingest(tick domain.Tick) bool {
	if !tick.Valid() {
		return false
	}
	tick.Symbol = NormalizeSymbol(tick.Symbol)

	st := s.stateFor(tick.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hasTick {
		// A byte-identical redelivery of the current latest tick is never
		// accepted, regardless of ordering mode.
		if tick == st.latest {
			return false
		}

		if tick.Sequence > 0 {
			if tick.Sequence <= st.lastSeq {
				if gap := st.lastSeq - tick.Sequence; gap > s.regressionThreshold {
					s.logger.Warn("significant sequence regression",
						slog.String("symbol", tick.Symbol),
						slog.Int64("last_sequence", st.lastSeq),
						slog.Int64("received", tick.Sequence),
						slog.Int64("gap", gap),
					)
				}
				return false
			}
		} else if tick.TimestampMs < st.latest.TimestampMs {
			// Without sequence numbers, only strictly older timestamps are
			// stale. Distinct prints in the same millisecond are routine and
			// must all pass; the exact-duplicate check above already caught
			// redelivery.
			return false
		}
	}

	// Accepted: replace the latest pointer and append to the ring.
	st.latest = tick
	st.hasTick = true
	if tick.Sequence > 0 {
		st.lastSeq = tick.Sequence
	}

	st.ring = append(st.ring, tick)
	if len(st.ring) > s.bufferSize {
		st.ring = st.ring[len(st.ring)-s.bufferSize:]
	}

	return true
}

// Latest returns the most recently accepted tick for the symbol.
func (s *Sequencer) Latest(symbol string) (domain.Tick, bool) {
	st := s.stateFor(NormalizeSymbol(symbol))
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latest, st.hasTick
}

// Recent returns up to limit accepted ticks for the symbol, newest first.
func (s *Sequencer) Recent(symbol string, limit int) []domain.Tick {
	st := s.stateFor(NormalizeSymbol(symbol))
	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Tick, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, st.ring[i])
	}
	return out
}

// Reset discards all sequencing state. Test use only.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = make(map[string]*symbolState)
}

func (s *Sequencer) stateFor(symbol string) *symbolState {
	s.mu.RLock()
	st, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{}
	s.symbols[symbol] = st
	return st
}
