package ticks

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tick(seq, ts int64, price float64) domain.Tick {
	return domain.Tick{Symbol: "SPX", Price: price, Size: 1, TimestampMs: ts, Sequence: seq}
}

func TestIngestAcceptsStrictlyNewerSequence(t *testing.T) {
	s := NewSequencer(testLogger())

	assert.True(t, s.Ingest(tick(10, 1000, 5000)))
	assert.True(t, s.Ingest(tick(11, 1001, 5001)))

	latest, ok := s.Latest("SPX")
	require.True(t, ok)
	assert.Equal(t, int64(11), latest.Sequence)
}

func TestIngestRejectsSequenceRegression(t *testing.T) {
	s := NewSequencer(testLogger())

	require.True(t, s.Ingest(tick(10, 1000, 5000)))

	// Equal and lower sequences are both stale.
	assert.False(t, s.Ingest(tick(10, 1002, 5002)))
	assert.False(t, s.Ingest(tick(9, 1003, 5003)))

	latest, _ := s.Latest("SPX")
	assert.Equal(t, int64(10), latest.Sequence)
	assert.Equal(t, 5000.0, latest.Price)
}

func TestIngestRejectsExactDuplicate(t *testing.T) {
	s := NewSequencer(testLogger())

	first := domain.Tick{Symbol: "SPX", Price: 5000, Size: 2, TimestampMs: 1000}
	require.True(t, s.Ingest(first))

	// Byte-identical redelivery must be rejected and leave Latest untouched.
	assert.False(t, s.Ingest(first))

	latest, ok := s.Latest("SPX")
	require.True(t, ok)
	assert.Equal(t, first, latest)
	assert.Len(t, s.Recent("SPX", 0), 1)
}

func TestIngestTimestampOrderingWithoutSequence(t *testing.T) {
	s := NewSequencer(testLogger())

	require.True(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: 5000, TimestampMs: 2000}))

	assert.False(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: 4999, TimestampMs: 1999}))
	// Same timestamp but different payload is accepted: only strictly older
	// timestamps and exact duplicates are stale.
	assert.True(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: 5001, TimestampMs: 2000}))
}

func TestIngestRejectsMalformed(t *testing.T) {
	s := NewSequencer(testLogger())

	assert.False(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: 0, TimestampMs: 1000}))
	assert.False(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: -1, TimestampMs: 1000}))
	assert.False(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: 5000, TimestampMs: 0}))
	assert.False(t, s.Ingest(domain.Tick{Symbol: "", Price: 5000, TimestampMs: 1000}))
}

func TestSymbolNormalization(t *testing.T) {
	s := NewSequencer(testLogger())

	require.True(t, s.Ingest(domain.Tick{Symbol: " spx ", Price: 5000, TimestampMs: 1000}))

	latest, ok := s.Latest("SPX")
	require.True(t, ok)
	assert.Equal(t, "SPX", latest.Symbol)
}

func TestRingBufferBounded(t *testing.T) {
	s := NewSequencer(testLogger(), WithBufferSize(3))

	for i := int64(1); i <= 5; i++ {
		require.True(t, s.Ingest(tick(i, 1000+i, 5000+float64(i))))
	}

	recent := s.Recent("SPX", 0)
	require.Len(t, recent, 3)
	// Newest first; the two oldest ticks were dropped.
	assert.Equal(t, int64(5), recent[0].Sequence)
	assert.Equal(t, int64(3), recent[2].Sequence)
}

func TestRecentLimit(t *testing.T) {
	s := NewSequencer(testLogger())
	for i := int64(1); i <= 4; i++ {
		require.True(t, s.Ingest(tick(i, 1000+i, 5000)))
	}

	recent := s.Recent("SPX", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Sequence)
	assert.Equal(t, int64(3), recent[1].Sequence)
}

func TestSymbolsAreIndependent(t *testing.T) {
	s := NewSequencer(testLogger())

	require.True(t, s.Ingest(domain.Tick{Symbol: "SPX", Price: 5000, TimestampMs: 2000, Sequence: 50}))
	// A lower sequence on a different symbol is unaffected by SPX state.
	assert.True(t, s.Ingest(domain.Tick{Symbol: "NDX", Price: 18000, TimestampMs: 1000, Sequence: 1}))
}

func TestReset(t *testing.T) {
	s := NewSequencer(testLogger())
	require.True(t, s.Ingest(tick(10, 1000, 5000)))

	s.Reset()

	_, ok := s.Latest("SPX")
	assert.False(t, ok)
	// After reset the previously rejected sequence is acceptable again.
	assert.True(t, s.Ingest(tick(5, 900, 4990)))
}
