package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind is the role an order plays for its position.
type OrderKind string

const (
	OrderKindEntry OrderKind = "ENTRY"
	OrderKindStop  OrderKind = "STOP"
	OrderKindExit  OrderKind = "EXIT"
)

// OrderType is the execution style sent to the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further updates are expected for the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Working reports whether the order is still live at the venue.
func (s OrderStatus) Working() bool {
	return s == OrderStatusPending || s == OrderStatusOpen
}

// Order is a request sent to, or simulated for, the broker.
type Order struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"`
	Symbol       string          `json:"symbol"`
	Kind         OrderKind       `json:"kind"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     int64           `json:"quantity"`
	Price        float64         `json:"price,omitempty"`         // limit price, zero for market orders
	TriggerPrice float64         `json:"trigger_price,omitempty"` // stop trigger, zero unless Kind is STOP
	Status       OrderStatus     `json:"status"`
	FilledPrice  float64         `json:"filled_price"`
	FilledQty    int64           `json:"filled_qty"`
	Commission   decimal.Decimal `json:"commission"`
	Message      string          `json:"message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FilledAt     *time.Time      `json:"filled_at,omitempty"`
}

// OrderRequest is what the engine hands to a broker adapter.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Kind          OrderKind
	Side          OrderSide
	Type          OrderType
	Quantity      int64
	Price         float64
	TriggerPrice  float64
}

// OrderResult wraps the venue response after order submission. FilledPrice
// and Commission are only meaningful when Status is FILLED.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	Message     string
	FilledPrice float64
	FilledQty   int64
	Commission  decimal.Decimal
	FilledAt    time.Time
}

// OrderUpdate is an asynchronous status report for a previously placed order.
type OrderUpdate struct {
	OrderID     string
	Status      OrderStatus
	FilledPrice float64
	FilledQty   int64
	Commission  decimal.Decimal
	Message     string
	At          time.Time
}
