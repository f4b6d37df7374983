package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

func TestHTTPSetupSourceSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"setups":[{
			"id":"setup-1","symbol":"SPX","direction":"bullish","setup_type":"orb",
			"entry_low":5000,"entry_high":5010,"stop":4980,"target1":5040,"target2":5080,
			"phase":"ready","session_date":"2026-02-20"
		}]}`))
	}))
	defer srv.Close()

	setups, err := NewHTTPSetupSource(srv.URL).Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, setups, 1)

	s := setups[0]
	assert.Equal(t, "setup-1", s.ID)
	assert.Equal(t, domain.DirectionBullish, s.Direction)
	assert.Equal(t, 5010.0, s.EntryHigh)
	assert.Equal(t, domain.PhaseReady, s.Phase)
	assert.Equal(t, "2026-02-20", s.SessionDate)
}

func TestHTTPSetupSourceNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSetupSource(srv.URL).Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
