package domain

import "context"

// OrderSide is the broker-facing order side for option orders.
type OrderSide string

const (
	SideBuyToOpen   OrderSide = "buy_to_open"
	SideSellToClose OrderSide = "sell_to_close"
)

// OrderKind is the broker order type.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
	OrderKindStop   OrderKind = "stop"
)

// OrderState is the normalized broker order status vocabulary. Anything the
// broker reports that does not map to a known terminal or fill state decodes
// to OrderPending, the explicit fallback variant.
type OrderState string

const (
	OrderFilled          OrderState = "filled"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderRejected        OrderState = "rejected"
	OrderCanceled        OrderState = "canceled"
	OrderExpired         OrderState = "expired"
	OrderPending         OrderState = "pending"
)

// ParseOrderState normalizes a raw broker status string. Unknown values map
// to OrderPending so new broker vocabulary degrades to "keep polling" rather
// than a branch deep in the logic.
func ParseOrderState(raw string) OrderState {
	switch OrderState(raw) {
	case OrderFilled, OrderPartiallyFilled, OrderRejected, OrderCanceled, OrderExpired:
		return OrderState(raw)
	case "cancelled": // broker spelling variant
		return OrderCanceled
	default:
		return OrderPending
	}
}

// Terminal reports whether the state ends the order's lifecycle.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCanceled, OrderExpired:
		return true
	}
	return false
}

// OrderRequest is a broker order submission.
type OrderRequest struct {
	OptionSymbol string
	Side         OrderSide
	Kind         OrderKind
	Quantity     int
	LimitPrice   float64 // limit orders
	StopPrice    float64 // stop orders
	Duration     string  // "day" unless stated otherwise
	Tag          string  // idempotency/audit tag passed through to the broker
}

// OrderAck is the broker's immediate response to a submission.
type OrderAck struct {
	OrderID string
	State   OrderState
}

// OrderStatus is a point-in-time view of a submitted order.
type OrderStatus struct {
	OrderID           string
	State             OrderState
	FilledQuantity    int // cumulative
	AvgFillPrice      float64
	RemainingQuantity int
}

// BrokerPosition is one position row as the broker reports it. Brokers may
// split one logical position across several lots; consumers aggregate by
// option symbol.
type BrokerPosition struct {
	Symbol    string
	Quantity  float64
	CostBasis float64
}

// AccountBalances is the subset of broker balance data sizing needs.
type AccountBalances struct {
	TotalEquity         float64
	DayTradeBuyingPower float64
}

// Broker is the order-execution contract against the brokerage. Every call
// crosses the network and must honor the context.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetBalances(ctx context.Context) (AccountBalances, error)
}

// BrokerDialer resolves a per-user broker session from a stored credential,
// decrypting the access token on demand.
type BrokerDialer interface {
	Dial(ctx context.Context, cred Credential) (Broker, error)
}
