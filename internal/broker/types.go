// Package broker wraps the TopStep/ProjectX REST API: authentication, the
// contract cache, the typed endpoint facade, and the historical-data queue.
package broker

import (
	"fmt"
	"time"
)

// ==================== Core Entities ====================

// Account is a trading account as reported by the broker
type Account struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	Simulated bool    `json:"simulated"`
}

// Contract is a single delivery month of a futures product
type Contract struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	Exchange       string    `json:"exchange"`
	TickSize       float64   `json:"tickSize"`
	TickValue      float64   `json:"tickValue"`
	PointValue     float64   `json:"pointValue"`
	ExpirationDate time.Time `json:"expirationDate"`
	Active         bool      `json:"activeContract"`
}

// Position is an open or closed position row from the broker.
// Type 1 is long, 2 is short.
type Position struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	Type              int       `json:"type"`
	Size              int       `json:"size"`
	AveragePrice      float64   `json:"averagePrice"`
	OpenOrderID       int64     `json:"openOrderId,omitempty"`
}

// Side returns BUY for long positions and SELL for short
func (p Position) Side() string {
	if p.Type == 1 {
		return "BUY"
	}
	return "SELL"
}

// Order is a working or historical order row
type Order struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	UpdateTimestamp   time.Time `json:"updateTimestamp"`
	Status            int       `json:"status"`
	Type              int       `json:"type"`
	Side              int       `json:"side"`
	Size              int       `json:"size"`
	LimitPrice        *float64  `json:"limitPrice,omitempty"`
	StopPrice         *float64  `json:"stopPrice,omitempty"`
	FillVolume        int       `json:"fillVolume,omitempty"`
	FilledPrice       *float64  `json:"filledPrice,omitempty"`
}

// Broker order status values
const (
	OrderStatusOpen      = 1
	OrderStatusFilled    = 2
	OrderStatusCancelled = 3
	OrderStatusExpired   = 4
	OrderStatusRejected  = 5
)

// Trade is an executed trade row
type Trade struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"accountId"`
	ContractID        string    `json:"contractId"`
	CreationTimestamp time.Time `json:"creationTimestamp"`
	Price             float64   `json:"price"`
	ProfitAndLoss     *float64  `json:"profitAndLoss"`
	Fees              float64   `json:"fees"`
	Side              int       `json:"side"`
	Size              int       `json:"size"`
	OrderID           int64     `json:"orderId"`
}

// HistoryBar is one OHLCV bar. The broker keys fields by single letters.
type HistoryBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V int64     `json:"v"`
}

// DailyStat is one day's trading statistics row
type DailyStat struct {
	Day    string  `json:"day"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
	PnL    float64 `json:"pnl"`
	Fees   float64 `json:"fees"`
}

// ==================== Order Intents ====================

// Order type and side strings used on the bus
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"

	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OrderIntent is an inbound order request from a strategy process
type OrderIntent struct {
	InstanceID       string   `json:"instanceId"`
	OrderID          string   `json:"orderId"`
	OrderType        string   `json:"orderType"`
	Instrument       string   `json:"instrument"`
	Side             string   `json:"side"`
	Quantity         int      `json:"quantity"`
	LimitPrice       *float64 `json:"limitPrice,omitempty"`
	StopPrice        *float64 `json:"stopPrice,omitempty"`
	StopLossPoints   *float64 `json:"stopLossPoints,omitempty"`
	TakeProfitPoints *float64 `json:"takeProfitPoints,omitempty"`
	AccountID        int64    `json:"accountId"`
}

// Validate checks the intent's structural invariants
func (i OrderIntent) Validate() error {
	switch i.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if i.LimitPrice == nil {
			return fmt.Errorf("limit order requires limitPrice")
		}
	case OrderTypeStop:
		if i.StopPrice == nil {
			return fmt.Errorf("stop order requires stopPrice")
		}
	default:
		return fmt.Errorf("unknown order type %q", i.OrderType)
	}

	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("unknown side %q", i.Side)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("quantity must be a positive integer, got %d", i.Quantity)
	}
	if i.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if i.AccountID == 0 {
		return fmt.Errorf("accountId is required")
	}
	if i.StopLossPoints != nil && *i.StopLossPoints < 0 {
		return fmt.Errorf("stopLossPoints must be non-negative")
	}
	if i.TakeProfitPoints != nil && *i.TakeProfitPoints < 0 {
		return fmt.Errorf("takeProfitPoints must be non-negative")
	}
	return nil
}

// HasBracket reports whether the intent carries SL/TP attachment fields
func (i OrderIntent) HasBracket() bool {
	return i.StopLossPoints != nil || i.TakeProfitPoints != nil ||
		(i.OrderType == OrderTypeMarket && (i.StopPrice != nil || i.LimitPrice != nil))
}

// BrokerOrderType maps the bus order type to the broker's numeric code
func BrokerOrderType(orderType string) (int, error) {
	switch orderType {
	case OrderTypeLimit:
		return 1, nil
	case OrderTypeMarket:
		return 2, nil
	case OrderTypeStop:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", orderType)
	}
}

// BrokerSide maps BUY/SELL to the broker's 0/1 encoding
func BrokerSide(side string) (int, error) {
	switch side {
	case SideBuy:
		return 0, nil
	case SideSell:
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}
}

// SideFromCode maps the broker's 0/1 encoding back to BUY/SELL
func SideFromCode(code int) string {
	if code == 0 {
		return SideBuy
	}
	return SideSell
}

// ==================== Results ====================

// OrderResult is the outcome of a placement attempt
type OrderResult struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CloseResult is the outcome of a full or partial close
type CloseResult struct {
	Success   bool   `json:"success"`
	ErrorCode int    `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}
