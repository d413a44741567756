package domain

import "time"

// MaxProductImages caps image references per product.
const MaxProductImages = 5

type Product struct {
	SKU         SKU       `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"` // satang
	Stock       int32     `json:"stock"`
	Category    string    `json:"category,omitempty"`
	Images      []string  `json:"images,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Cart struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Items     []CartItem `json:"items"`
	Total     int64      `json:"total_price"` // live prices, recomputed on every read
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CartItem struct {
	ID       int64  `json:"id"`
	SKU      SKU    `json:"sku"`
	Name     string `json:"name"`
	Quantity int32  `json:"quantity"`
	// UnitPrice is the live catalog price at read time, for display.
	UnitPrice int64     `json:"unit_price"`
	AddedAt   time.Time `json:"added_at"`
}
