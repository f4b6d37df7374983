package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
)

// HTTPSetupSource fetches setup snapshots from the coaching backend. The
// endpoint returns the full set of setups under watch for the session; absent
// setups are treated as retired by the engine's snapshot merge.
type HTTPSetupSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSetupSource creates a source reading from the given endpoint.
func NewHTTPSetupSource(baseURL string) *HTTPSetupSource {
	return &HTTPSetupSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// setupJSON is the wire form of one setup.
type setupJSON struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	SetupType   string  `json:"setup_type"`
	EntryLow    float64 `json:"entry_low"`
	EntryHigh   float64 `json:"entry_high"`
	Stop        float64 `json:"stop"`
	Target1     float64 `json:"target1"`
	Target2     float64 `json:"target2"`
	Phase       string  `json:"phase"`
	SessionDate string  `json:"session_date"`
}

type setupsResponse struct {
	Setups []setupJSON `json:"setups"`
}

// Snapshot implements domain.SetupSource.
func (s *HTTPSetupSource) Snapshot(ctx context.Context) ([]domain.Setup, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lifecycle: snapshot endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed setupsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("lifecycle: decode snapshot: %w", err)
	}

	setups := make([]domain.Setup, 0, len(parsed.Setups))
	for _, raw := range parsed.Setups {
		setups = append(setups, domain.Setup{
			ID:          raw.ID,
			Symbol:      raw.Symbol,
			Direction:   domain.Direction(raw.Direction),
			SetupType:   raw.SetupType,
			EntryLow:    raw.EntryLow,
			EntryHigh:   raw.EntryHigh,
			Stop:        raw.Stop,
			Target1:     raw.Target1,
			Target2:     raw.Target2,
			Phase:       domain.SetupPhase(raw.Phase),
			SessionDate: raw.SessionDate,
		})
	}
	return setups, nil
}
