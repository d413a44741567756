package contracts

import "time"

// TopicOrders carries every order lifecycle event.
const TopicOrders = "iotshop.orders"

type Event struct {
	EventID   string         `json:"event_id"`
	OrderID   string         `json:"order_id"`
	UserID    int64          `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

const (
	EventOrderCreated       = "order.created"
	EventOrderPaid          = "order.paid"
	EventOrderStatusChanged = "order.status_changed"
)
