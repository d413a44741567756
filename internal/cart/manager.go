package cart

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// Manager owns cart lifecycle: one cart per user, created lazily,
// emptied only by order creation.
type Manager struct {
	pool *pgxpool.Pool
}

func NewManager(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// GetOrCreate returns the user's cart, creating it on first access.
// The upsert makes concurrent first-accesses converge on one row
// instead of racing a check-then-insert.
func (m *Manager) GetOrCreate(ctx context.Context, userID int64) (*domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := m.pool.Exec(ctx,
		`INSERT INTO carts(user_id) VALUES($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	return m.load(ctx, userID)
}

// AddItem puts qty of a product into the cart. A product already in
// the cart has its quantity summed, not replaced.
func (m *Manager) AddItem(ctx context.Context, userID int64, sku domain.SKU, qty int32) (*domain.Cart, error) {
	if qty < 1 {
		return nil, domain.ErrInvalidQuantity
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cart, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE sku=$1)`, sku).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO cart_items(cart_id, sku, quantity) VALUES($1, $2, $3)
		 ON CONFLICT (cart_id, sku) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		cart.ID, sku, qty)
	if err != nil {
		return nil, err
	}
	if err := touch(ctx, tx, cart.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m.load(ctx, userID)
}

// UpdateItem sets a line's quantity exactly; qty <= 0 removes it.
// Unlike AddItem this is a replace, not a merge.
func (m *Manager) UpdateItem(ctx context.Context, userID, itemID int64, qty int32) (*domain.Cart, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cartID, err := m.ownedItemCart(ctx, tx, userID, itemID)
	if err != nil {
		return nil, err
	}

	if qty <= 0 {
		_, err = tx.Exec(ctx, `DELETE FROM cart_items WHERE id=$1`, itemID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE cart_items SET quantity=$2 WHERE id=$1`, itemID, qty)
	}
	if err != nil {
		return nil, err
	}
	if err := touch(ctx, tx, cartID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m.load(ctx, userID)
}

// RemoveItem deletes a line. Items belonging to another user's cart
// are reported as not found rather than acted on.
func (m *Manager) RemoveItem(ctx context.Context, userID, itemID int64) (*domain.Cart, error) {
	return m.UpdateItem(ctx, userID, itemID, 0)
}

// Snapshot freezes the cart into a checkout manifest: live catalog
// prices captured now, lines ordered by cart item id.
func (m *Manager) Snapshot(ctx context.Context, userID int64) (domain.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := m.pool.Query(ctx,
		`SELECT p.sku, p.name, COALESCE(p.images[1], ''), ci.quantity, p.price
		 FROM cart_items ci
		 JOIN carts c ON c.id = ci.cart_id
		 JOIN products p ON p.sku = ci.sku
		 WHERE c.user_id = $1
		 ORDER BY ci.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifest domain.Manifest
	for rows.Next() {
		var l domain.Line
		if err := rows.Scan(&l.SKU, &l.Name, &l.Image, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, err
		}
		manifest = append(manifest, l)
	}
	return manifest, rows.Err()
}

// ownedItemCart resolves the cart id of an item iff it belongs to the
// caller. The join is the ownership check.
func (m *Manager) ownedItemCart(ctx context.Context, tx pgx.Tx, userID, itemID int64) (int64, error) {
	var cartID int64
	err := tx.QueryRow(ctx,
		`SELECT c.id FROM cart_items ci JOIN carts c ON c.id = ci.cart_id
		 WHERE ci.id=$1 AND c.user_id=$2`, itemID, userID).Scan(&cartID)
	if err == pgx.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return cartID, nil
}

func touch(ctx context.Context, tx pgx.Tx, cartID int64) error {
	_, err := tx.Exec(ctx, `UPDATE carts SET updated_at=now() WHERE id=$1`, cartID)
	return err
}

func (m *Manager) load(ctx context.Context, userID int64) (*domain.Cart, error) {
	var cart domain.Cart
	err := m.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, COALESCE(updated_at, created_at)
		 FROM carts WHERE user_id=$1`, userID).
		Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := m.pool.Query(ctx,
		`SELECT ci.id, ci.sku, p.name, ci.quantity, p.price, ci.added_at
		 FROM cart_items ci JOIN products p ON p.sku = ci.sku
		 WHERE ci.cart_id=$1 ORDER BY ci.id`, cart.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.CartItem
		if err := rows.Scan(&it.ID, &it.SKU, &it.Name, &it.Quantity, &it.UnitPrice, &it.AddedAt); err != nil {
			return nil, err
		}
		cart.Total += it.UnitPrice * int64(it.Quantity)
		cart.Items = append(cart.Items, it)
	}
	return &cart, rows.Err()
}
