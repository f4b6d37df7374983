package tradier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachbot/tradeexec/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", "acct-1")
}

func TestPlaceOrderEncodesForm(t *testing.T) {
	var gotForm map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts/acct-1/orders", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Write([]byte(`{"order":{"id":228175,"status":"ok"}}`))
	})

	ack, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		OptionSymbol: "SPXW260220C06870000",
		Side:         domain.SideBuyToOpen,
		Kind:         domain.OrderKindLimit,
		Quantity:     4,
		LimitPrice:   2.55,
		Duration:     "day",
		Tag:          "state-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "228175", ack.OrderID)
	assert.Equal(t, domain.OrderPending, ack.State)

	assert.Equal(t, "option", gotForm["class"])
	assert.Equal(t, "SPXW", gotForm["symbol"])
	assert.Equal(t, "SPXW260220C06870000", gotForm["option_symbol"])
	assert.Equal(t, "buy_to_open", gotForm["side"])
	assert.Equal(t, "4", gotForm["quantity"])
	assert.Equal(t, "limit", gotForm["type"])
	assert.Equal(t, "2.55", gotForm["price"])
	assert.Equal(t, "day", gotForm["duration"])
	assert.Equal(t, "state-1", gotForm["tag"])
}

func TestPlaceStopOrderSendsStopPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "stop", r.PostForm.Get("type"))
		assert.Equal(t, "2.59", r.PostForm.Get("stop"))
		assert.Empty(t, r.PostForm.Get("price"))
		w.Write([]byte(`{"order":{"id":7,"status":"ok"}}`))
	})

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		OptionSymbol: "SPXW260220C06870000",
		Side:         domain.SideSellToClose,
		Kind:         domain.OrderKindStop,
		Quantity:     2,
		StopPrice:    2.58825,
		Duration:     "day",
	})
	require.NoError(t, err)
}

func TestGetOrderStatusMapsFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-1/orders/228175", r.URL.Path)
		w.Write([]byte(`{"order":{
			"id":228175,"status":"partially_filled",
			"exec_quantity":2.0,"avg_fill_price":2.52,"remaining_quantity":2.0
		}}`))
	})

	st, err := c.GetOrderStatus(context.Background(), "228175")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, st.State)
	assert.Equal(t, 2, st.FilledQuantity)
	assert.Equal(t, 2.52, st.AvgFillPrice)
	assert.Equal(t, 2, st.RemainingQuantity)
}

func TestGetOrderStatusUnknownFallsBackToPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order":{"id":1,"status":"calculated"}}`))
	})

	st, err := c.GetOrderStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, st.State)
}

func TestCancelOrderLostRace(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.Write([]byte(`{"order":{"id":1,"status":"filled"}}`))
	})

	ok, err := c.CancelOrder(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPositionsSingleRowObject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":{"position":
			{"symbol":"SPXW260220C06870000","quantity":2.0,"cost_basis":510.0}
		}}`))
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "SPXW260220C06870000", positions[0].Symbol)
	assert.Equal(t, 2.0, positions[0].Quantity)
}

func TestGetPositionsEmptyAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":"null"}`))
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestGetBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-1/balances", r.URL.Path)
		w.Write([]byte(`{"balances":{
			"total_equity":50000.0,
			"margin":{"day_trade_buying_power":200000.0}
		}}`))
	})

	b, err := c.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, b.TotalEquity)
	assert.Equal(t, 200000.0, b.DayTradeBuyingPower)
}

func TestErrorResponseSurfacesMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"fault":{"faultstring":"Invalid Access Token"}}`))
	})

	_, err := c.GetBalances(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid Access Token")
}
