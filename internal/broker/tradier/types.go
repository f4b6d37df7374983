package tradier

import (
	"encoding/json"
	"fmt"
)

// orderResponse wraps the order object every order endpoint returns.
type orderResponse struct {
	Order orderBody `json:"order"`
}

type orderBody struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExecQuantity      float64     `json:"exec_quantity"`
	AvgFillPrice      float64     `json:"avg_fill_price"`
	RemainingQuantity float64     `json:"remaining_quantity"`
}

// positionsResponse handles the API's irregular positions envelope: the
// "position" field is an array for many rows, a bare object for one row, and
// the whole "positions" field is the string "null" when the account is flat.
type positionsResponse struct {
	Positions positionsEnvelope `json:"positions"`
}

type positionsEnvelope struct {
	Rows []positionBody
}

type positionBody struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}

func (p *positionsEnvelope) UnmarshalJSON(data []byte) error {
	if string(data) == `"null"` || string(data) == "null" {
		p.Rows = nil
		return nil
	}

	var wrapper struct {
		Position json.RawMessage `json:"position"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("positions envelope: %w", err)
	}
	if len(wrapper.Position) == 0 {
		p.Rows = nil
		return nil
	}

	var many []positionBody
	if err := json.Unmarshal(wrapper.Position, &many); err == nil {
		p.Rows = many
		return nil
	}

	var one positionBody
	if err := json.Unmarshal(wrapper.Position, &one); err != nil {
		return fmt.Errorf("position rows: %w", err)
	}
	p.Rows = []positionBody{one}
	return nil
}

// balancesResponse carries the subset of the balances payload sizing needs.
type balancesResponse struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		Margin      struct {
			DayTradeBuyingPower float64 `json:"day_trade_buying_power"`
		} `json:"margin"`
	} `json:"balances"`
}

// errorResponse is the API's fault envelope.
type errorResponse struct {
	Fault struct {
		FaultString string `json:"faultstring"`
	} `json:"fault"`
	Errors struct {
		Error []string `json:"error"`
	} `json:"errors"`
}

func (e errorResponse) message() string {
	if e.Fault.FaultString != "" {
		return e.Fault.FaultString
	}
	if len(e.Errors.Error) > 0 {
		return e.Errors.Error[0]
	}
	return "unknown error"
}
