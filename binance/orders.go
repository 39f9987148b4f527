package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Order statuses the engine cares about. Anything else is treated as
// still pending.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusExpired         = "EXPIRED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
)

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol      string
	Side        string // BUY or SELL
	Type        string // LIMIT, MARKET
	TimeInForce string // IOC for limit orders placed by the engine
	Quantity    string // already formatted to the symbol's step size
	Price       string // limit price, formatted to the tick size
}

// Order is the exchange's view of an order.
type Order struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

// ExecutedQuantity parses the filled base quantity.
func (o *Order) ExecutedQuantity() (float64, error) {
	if o.ExecutedQty == "" {
		return 0, nil
	}
	return parseFloat(o.ExecutedQty)
}

// QuoteValue parses the cumulative quote amount exchanged for the fill.
func (o *Order) QuoteValue() (float64, error) {
	if o.CummulativeQuoteQty == "" {
		return 0, nil
	}
	return parseFloat(o.CummulativeQuoteQty)
}

// CreateOrder submits an order and returns the exchange's acknowledgment.
// With an IOC time in force the ack may already carry the final status.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", req.Quantity)
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}
	if req.Price != "" {
		params.Set("price", req.Price)
	}

	var order Order
	if err := c.signedCall(ctx, "POST", "/api/v3/order", params, &order); err != nil {
		return nil, fmt.Errorf("create order %s %s: %w", req.Side, req.Symbol, err)
	}
	return &order, nil
}

// GetOrder fetches the current state of an order by exchange ID.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var order Order
	if err := c.signedCall(ctx, "GET", "/api/v3/order", params, &order); err != nil {
		return nil, fmt.Errorf("get order %s/%d: %w", symbol, orderID, err)
	}
	return &order, nil
}

// TradeFill is one execution record behind an order.
type TradeFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// GetOrderFills returns the individual executions for an order, used to
// recover the exact commission paid.
func (c *Client) GetOrderFills(ctx context.Context, symbol string, orderID int64) ([]TradeFill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var fills []TradeFill
	if err := c.signedCall(ctx, "GET", "/api/v3/myTrades", params, &fills); err != nil {
		return nil, fmt.Errorf("get fills %s/%d: %w", symbol, orderID, err)
	}
	return fills, nil
}

// PriceLevel is one order book level.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook is a depth snapshot. Bids descend by price, asks ascend.
type OrderBook struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// GetOrderBook fetches a depth snapshot with up to limit levels per side.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var resp depthResponse
	if err := c.get(ctx, "/api/v3/depth", params, &resp); err != nil {
		return nil, fmt.Errorf("get depth %s: %w", symbol, err)
	}

	book := &OrderBook{LastUpdateID: resp.LastUpdateID}
	var err error
	if book.Bids, err = parseLevels(resp.Bids); err != nil {
		return nil, fmt.Errorf("parse bids %s: %w", symbol, err)
	}
	if book.Asks, err = parseLevels(resp.Asks); err != nil {
		return nil, fmt.Errorf("parse asks %s: %w", symbol, err)
	}
	return book, nil
}

func parseLevels(raw [][2]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, r := range raw {
		price, err := parseFloat(r[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(r[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// SymbolFilters are the trading rules the engine must respect when
// formatting order quantities and prices.
type SymbolFilters struct {
	Symbol      string
	StepSize    float64
	MinQty      float64
	TickSize    float64
	MinNotional float64
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string            `json:"symbol"`
		Filters []json.RawMessage `json:"filters"`
	} `json:"symbols"`
}

type rawFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
}

// GetSymbolFilters fetches the LOT_SIZE, PRICE_FILTER, and NOTIONAL
// rules for a symbol.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp exchangeInfoResponse
	if err := c.get(ctx, "/api/v3/exchangeInfo", params, &resp); err != nil {
		return nil, fmt.Errorf("get exchange info %s: %w", symbol, err)
	}
	if len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("exchange info: symbol %s not found", symbol)
	}

	filters := &SymbolFilters{Symbol: resp.Symbols[0].Symbol}
	for _, raw := range resp.Symbols[0].Filters {
		var f rawFilter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse filter: %w", err)
		}
		switch f.FilterType {
		case "LOT_SIZE":
			filters.StepSize, _ = parseFloat(f.StepSize)
			filters.MinQty, _ = parseFloat(f.MinQty)
		case "PRICE_FILTER":
			filters.TickSize, _ = parseFloat(f.TickSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			filters.MinNotional, _ = parseFloat(f.MinNotional)
		}
	}
	if filters.StepSize == 0 {
		return nil, fmt.Errorf("exchange info: no LOT_SIZE filter for %s", symbol)
	}
	return filters, nil
}
