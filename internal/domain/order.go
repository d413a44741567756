package domain

import "time"

type SKU string
type OrderID string

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipped, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo only forbids leaving a terminal status; the rest of
// the lifecycle is left to operators (a cash order can go straight
// from pending to shipped).
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	return s != next
}

type OrderItem struct {
	ID       int64  `json:"id"`
	SKU      SKU    `json:"sku"`
	Name     string `json:"name"`
	Quantity int32  `json:"quantity"`
	// PriceAtTime is the unit price frozen when the order was created,
	// in satang. Catalog price edits never reach it.
	PriceAtTime int64 `json:"price_at_time"`
}

type Order struct {
	ID        OrderID     `json:"id"`
	UserID    int64       `json:"user_id"`
	AddressID *int64      `json:"address_id,omitempty"`
	Total     int64       `json:"total"` // satang, stored at creation, never recomputed
	Status    OrderStatus `json:"status"`
	Items     []OrderItem `json:"items"`
	CreatedAt time.Time   `json:"created_at"`
}
