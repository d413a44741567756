package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers missing products, cart items outside the
	// caller's cart, and unknown orders.
	ErrNotFound = errors.New("not found")

	// ErrEmptyCart rejects checkout on a cart with no items.
	ErrEmptyCart = errors.New("cart is empty")

	// ErrInvalidQuantity rejects cart additions with quantity < 1.
	ErrInvalidQuantity = errors.New("quantity must be >= 1")

	// ErrInvalidSignal rejects an unauthenticated or malformed payment
	// completion payload. Nothing is mutated when it is returned.
	ErrInvalidSignal = errors.New("invalid payment signal")

	// ErrSessionConsumed signals that a checkout session is already
	// bound to an order. Callers treat it as "fetch the winner", not
	// as a failure.
	ErrSessionConsumed = errors.New("checkout session already consumed")

	// ErrTerminalStatus rejects transitions out of completed/cancelled.
	ErrTerminalStatus = errors.New("order status is terminal")
)

// InsufficientStockError identifies the offending product so the
// caller knows a retry with the same manifest will fail again.
type InsufficientStockError struct {
	SKU SKU
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s", e.SKU)
}

// GatewayError wraps a payment provider failure. Retrying the same
// request may succeed; no local state was changed.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
