package execution

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedClock returns a settable time for timeout tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubBroker records submissions and replays scripted statuses.
type stubBroker struct {
	mu sync.Mutex

	balances    domain.AccountBalances
	balancesErr error

	placed   []domain.OrderRequest
	placeErr error

	canceled  []string
	cancelErr error

	positions []domain.BrokerPosition

	statuses  map[string][]domain.OrderStatus
	statusIdx map[string]int
	statusErr error
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		balances:  domain.AccountBalances{TotalEquity: 50_000, DayTradeBuyingPower: 200_000},
		statuses:  make(map[string][]domain.OrderStatus),
		statusIdx: make(map[string]int),
	}
}

func (b *stubBroker) script(orderID string, statuses ...domain.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[orderID] = statuses
}

func (b *stubBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return domain.OrderAck{}, b.placeErr
	}
	b.placed = append(b.placed, req)
	return domain.OrderAck{
		OrderID: fmt.Sprintf("ord-%d", len(b.placed)),
		State:   domain.OrderPending,
	}, nil
}

func (b *stubBroker) CancelOrder(_ context.Context, orderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return false, b.cancelErr
	}
	b.canceled = append(b.canceled, orderID)
	return true, nil
}

func (b *stubBroker) GetOrderStatus(_ context.Context, orderID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return domain.OrderStatus{}, b.statusErr
	}
	seq, ok := b.statuses[orderID]
	if !ok || len(seq) == 0 {
		return domain.OrderStatus{OrderID: orderID, State: domain.OrderPending}, nil
	}
	i := b.statusIdx[orderID]
	if i >= len(seq) {
		i = len(seq) - 1 // hold the final scripted status
	} else {
		b.statusIdx[orderID] = i + 1
	}
	return seq[i], nil
}

func (b *stubBroker) GetPositions(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions, nil
}

func (b *stubBroker) GetBalances(_ context.Context) (domain.AccountBalances, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balancesErr != nil {
		return domain.AccountBalances{}, b.balancesErr
	}
	return b.balances, nil
}

func (b *stubBroker) placedOrders() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

func (b *stubBroker) canceledOrders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.canceled))
	copy(out, b.canceled)
	return out
}

// stubDialer hands out one shared stubBroker for every credential.
type stubDialer struct {
	broker  *stubBroker
	dialErr error
}

func (d *stubDialer) Dial(_ context.Context, _ domain.Credential) (domain.Broker, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.broker, nil
}

// stubPicker returns a fixed recommendation.
type stubPicker struct {
	rec     Recommendation
	pickErr error
}

func (p *stubPicker) Pick(_ context.Context, _ domain.Setup) (Recommendation, error) {
	if p.pickErr != nil {
		return Recommendation{}, p.pickErr
	}
	return p.rec, nil
}

// stubAlerter records delivered alert events.
type stubAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *stubAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *stubAlerter) delivered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	copy(out, a.events)
	return out
}
