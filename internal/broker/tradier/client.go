// Package tradier implements the brokerage contract against the Tradier
// account API. Requests are bearer-authenticated; order submissions are
// form-encoded and everything comes back as JSON.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/symbols"
)

// API hosts. The sandbox host serves delayed data but accepts the same calls.
const (
	ProductionHost = "https://api.tradier.com/v1"
	SandboxHost    = "https://sandbox.tradier.com/v1"
)

// Client is the REST client for one Tradier account. It implements
// domain.Broker.
type Client struct {
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client
}

// NewClient creates a client for the given host, access token, and account.
func NewClient(baseURL, token, accountID string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		accountID: accountID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PlaceOrder submits an option order for the account.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	contract, err := symbols.Parse(req.OptionSymbol)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("tradier: place order: %w", err)
	}

	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", contract.Underlying)
	form.Set("option_symbol", req.OptionSymbol)
	form.Set("side", string(req.Side))
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("type", string(req.Kind))
	form.Set("duration", req.Duration)
	if req.Kind == domain.OrderKindLimit {
		form.Set("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Kind == domain.OrderKindStop {
		form.Set("stop", fmt.Sprintf("%.2f", req.StopPrice))
	}
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}

	path := fmt.Sprintf("/accounts/%s/orders", url.PathEscape(c.accountID))
	body, err := c.doRequest(ctx, http.MethodPost, path, form)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("tradier: place order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("tradier: decode order response: %w", err)
	}
	if resp.Order.ID.String() == "" {
		return domain.OrderAck{}, fmt.Errorf("tradier: order response missing id")
	}

	return domain.OrderAck{
		OrderID: resp.Order.ID.String(),
		State:   domain.ParseOrderState(resp.Order.Status),
	}, nil
}

// CancelOrder cancels an order. It reports false without error when the
// broker refuses because the order already reached a terminal state.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	path := fmt.Sprintf("/accounts/%s/orders/%s",
		url.PathEscape(c.accountID), url.PathEscape(orderID))

	body, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return false, fmt.Errorf("tradier: cancel order %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("tradier: decode cancel response: %w", err)
	}
	// A terminal non-canceled state means the cancel lost the race to a fill.
	state := domain.ParseOrderState(resp.Order.Status)
	return state == domain.OrderCanceled || !state.Terminal(), nil
}

// GetOrderStatus returns the current view of one order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	path := fmt.Sprintf("/accounts/%s/orders/%s",
		url.PathEscape(c.accountID), url.PathEscape(orderID))

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderStatus{}, fmt.Errorf("tradier: order status %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderStatus{}, fmt.Errorf("tradier: decode order status: %w", err)
	}

	return domain.OrderStatus{
		OrderID:           resp.Order.ID.String(),
		State:             domain.ParseOrderState(resp.Order.Status),
		FilledQuantity:    int(resp.Order.ExecQuantity),
		AvgFillPrice:      resp.Order.AvgFillPrice,
		RemainingQuantity: int(resp.Order.RemainingQuantity),
	}, nil
}

// GetPositions returns the account's current positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	path := fmt.Sprintf("/accounts/%s/positions", url.PathEscape(c.accountID))

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("tradier: get positions: %w", err)
	}

	var resp positionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("tradier: decode positions: %w", err)
	}

	out := make([]domain.BrokerPosition, 0, len(resp.Positions.Rows))
	for _, p := range resp.Positions.Rows {
		out = append(out, domain.BrokerPosition{
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			CostBasis: p.CostBasis,
		})
	}
	return out, nil
}

// GetBalances returns the account balances used for sizing.
func (c *Client) GetBalances(ctx context.Context) (domain.AccountBalances, error) {
	path := fmt.Sprintf("/accounts/%s/balances", url.PathEscape(c.accountID))

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.AccountBalances{}, fmt.Errorf("tradier: get balances: %w", err)
	}

	var resp balancesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.AccountBalances{}, fmt.Errorf("tradier: decode balances: %w", err)
	}

	return domain.AccountBalances{
		TotalEquity:         resp.Balances.TotalEquity,
		DayTradeBuyingPower: resp.Balances.Margin.DayTradeBuyingPower,
	}, nil
}

// doRequest builds, authenticates, sends, and reads one API request.
func (c *Client) doRequest(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx responses to errors.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s", apiErr.message())
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s", apiErr.message())
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s", apiErr.message())
	case http.StatusBadRequest:
		return fmt.Errorf("bad request: %s", apiErr.message())
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, apiErr.message())
	}
}
