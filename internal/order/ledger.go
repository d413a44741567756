package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatpongdeepet/iot-shop/internal/catalog"
	"github.com/chatpongdeepet/iot-shop/internal/domain"
	"github.com/chatpongdeepet/iot-shop/pkg/contracts"
	"github.com/chatpongdeepet/iot-shop/pkg/outbox"
)

// Ledger persists orders. Rows are immutable once written except for
// status; stock decrement, line items, correlation keys, cart clear
// and the outbox event all commit in one transaction or not at all.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// CreateForSession converts a confirmed checkout session into a paid
// order. The order_sessions insert is the idempotency key: a second
// caller hits its unique constraint, the whole transaction rolls back
// and ErrSessionConsumed tells them to fetch the winner. The cart is
// cleared inside the same transaction, so "order exists but cart
// still holds the purchased items" is never observable.
func (l *Ledger) CreateForSession(ctx context.Context, sessionID string, userID int64, m domain.Manifest) (*domain.Order, error) {
	if m.Empty() {
		return nil, domain.ErrEmptyCart
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ord, err := insertOrder(ctx, tx, userID, nil, m, domain.OrderStatusPaid)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO order_sessions(session_id, order_id) VALUES($1, $2)`,
		sessionID, ord.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrSessionConsumed
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM cart_items WHERE cart_id = (SELECT id FROM carts WHERE user_id=$1)`,
		userID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE carts SET updated_at=now() WHERE user_id=$1`, userID); err != nil {
		return nil, err
	}

	if err := enqueueEvent(ctx, tx, contracts.EventOrderPaid, ord, map[string]any{"session_id": sessionID}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ord, nil
}

// CreateDirect places a pending order from an explicit manifest (the
// non-gateway path). When idemKey is set and already bound, the
// caller gets ErrIdempotentReplay and should return the prior order.
func (l *Ledger) CreateDirect(ctx context.Context, userID int64, addressID *int64, m domain.Manifest, idemKey string) (*domain.Order, error) {
	if m.Empty() {
		return nil, domain.ErrEmptyCart
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ord, err := insertOrder(ctx, tx, userID, addressID, m, domain.OrderStatusPending)
	if err != nil {
		return nil, err
	}

	if idemKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_idempotency(idempotency_key, order_id) VALUES($1, $2)`,
			idemKey, ord.ID); err != nil {
			if isUniqueViolation(err) {
				return nil, ErrIdempotentReplay
			}
			return nil, err
		}
	}

	if err := enqueueEvent(ctx, tx, contracts.EventOrderCreated, ord, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ord, nil
}

// ErrIdempotentReplay reports that an idempotency key is already bound
// to an order; the prior result should be returned.
var ErrIdempotentReplay = errors.New("idempotency key already used")

// insertOrder writes the order row and its frozen items, decrementing
// stock per line. Any short line fails the whole call; the caller's
// deferred rollback undoes every decrement already made.
func insertOrder(ctx context.Context, tx pgx.Tx, userID int64, addressID *int64, m domain.Manifest, status domain.OrderStatus) (*domain.Order, error) {
	ord := &domain.Order{
		ID:        domain.OrderID(uuid.NewString()),
		UserID:    userID,
		AddressID: addressID,
		Total:     m.Total(),
		Status:    status,
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO orders(id, user_id, address_id, total, status) VALUES($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		ord.ID, ord.UserID, ord.AddressID, ord.Total, ord.Status).Scan(&ord.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, line := range m {
		if err := catalog.DecrementStock(ctx, tx, line.SKU, line.Quantity); err != nil {
			return nil, err
		}
		item := domain.OrderItem{
			SKU:         line.SKU,
			Name:        line.Name,
			Quantity:    line.Quantity,
			PriceAtTime: line.UnitPrice,
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO order_items(order_id, sku, name, quantity, price_at_time)
			 VALUES($1, $2, $3, $4, $5) RETURNING id`,
			ord.ID, item.SKU, item.Name, item.Quantity, item.PriceAtTime).Scan(&item.ID)
		if err != nil {
			return nil, err
		}
		ord.Items = append(ord.Items, item)
	}
	return ord, nil
}

func enqueueEvent(ctx context.Context, tx pgx.Tx, eventType string, ord *domain.Order, extra map[string]any) error {
	evt := contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(ord.ID),
		UserID:    ord.UserID,
		CreatedAt: time.Now().UTC(),
		Type:      eventType,
		Payload: map[string]any{
			"total":  ord.Total,
			"status": string(ord.Status),
		},
	}
	for k, v := range extra {
		evt.Payload[k] = v
	}
	return outbox.Insert(ctx, tx, evt.EventID, contracts.TopicOrders, evt.OrderID, evt)
}

// BySession resolves the order a checkout session produced, if any.
func (l *Ledger) BySession(ctx context.Context, sessionID string) (*domain.Order, error) {
	var orderID domain.OrderID
	err := l.pool.QueryRow(ctx,
		`SELECT order_id FROM order_sessions WHERE session_id=$1`, sessionID).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, orderID)
}

// ByIdempotencyKey resolves a direct order by its replay key.
func (l *Ledger) ByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	var orderID domain.OrderID
	err := l.pool.QueryRow(ctx,
		`SELECT order_id FROM order_idempotency WHERE idempotency_key=$1`, key).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, orderID)
}

func (l *Ledger) Get(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	var ord domain.Order
	err := l.pool.QueryRow(ctx,
		`SELECT id, user_id, address_id, total, status, created_at FROM orders WHERE id=$1`, id).
		Scan(&ord.ID, &ord.UserID, &ord.AddressID, &ord.Total, &ord.Status, &ord.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := l.loadItems(ctx, &ord); err != nil {
		return nil, err
	}
	return &ord, nil
}

// ListForUser returns the user's orders newest first, with frozen items.
func (l *Ledger) ListForUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, user_id, address_id, total, status, created_at
		 FROM orders WHERE user_id=$1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var ord domain.Order
		if err := rows.Scan(&ord.ID, &ord.UserID, &ord.AddressID, &ord.Total, &ord.Status, &ord.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ord)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := l.loadItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetStatus applies a lifecycle transition, refusing to leave a
// terminal status. The row lock keeps two concurrent transitions from
// both reading the same "before" state.
func (l *Ledger) SetStatus(ctx context.Context, id domain.OrderID, next domain.OrderStatus) (*domain.Order, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.OrderStatus
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !current.CanTransitionTo(next) {
		if current.Terminal() {
			return nil, domain.ErrTerminalStatus
		}
		return nil, errors.New("invalid status transition")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, next); err != nil {
		return nil, err
	}

	evt := contracts.Event{
		EventID:   uuid.NewString(),
		OrderID:   string(id),
		CreatedAt: time.Now().UTC(),
		Type:      contracts.EventOrderStatusChanged,
		Payload:   map[string]any{"from": string(current), "to": string(next)},
	}
	if err := outbox.Insert(ctx, tx, evt.EventID, contracts.TopicOrders, evt.OrderID, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return l.Get(ctx, id)
}

func (l *Ledger) loadItems(ctx context.Context, ord *domain.Order) error {
	rows, err := l.pool.Query(ctx,
		`SELECT id, sku, name, quantity, price_at_time FROM order_items
		 WHERE order_id=$1 ORDER BY id`, ord.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.SKU, &it.Name, &it.Quantity, &it.PriceAtTime); err != nil {
			return err
		}
		ord.Items = append(ord.Items, it)
	}
	return rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
