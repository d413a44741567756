package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// Store is the product side of the catalog. Reads go through the
// pool; stock decrements are exposed against a transaction so order
// creation can make them part of its atomic unit.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, sku domain.SKU) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var p domain.Product
	err := s.pool.QueryRow(ctx,
		`SELECT sku, name, description, price, stock, category, images, created_at
		 FROM products WHERE sku=$1`, sku).
		Scan(&p.SKU, &p.Name, &p.Description, &p.Price, &p.Stock, &p.Category, &p.Images, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT sku, name, description, price, stock, category, images, created_at
		 FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Description, &p.Price, &p.Stock, &p.Category, &p.Images, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateListing applies an admin edit. Historical orders are untouched:
// order items carry their own frozen price.
func (s *Store) UpdateListing(ctx context.Context, sku domain.SKU, price int64, stock int32, images []string) error {
	if price < 0 {
		return fmt.Errorf("price must be >= 0")
	}
	if stock < 0 {
		return fmt.Errorf("stock must be >= 0")
	}
	if len(images) > domain.MaxProductImages {
		return fmt.Errorf("at most %d images per product", domain.MaxProductImages)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET price=$2, stock=$3, images=$4 WHERE sku=$1`,
		sku, price, stock, images)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DecrementStock takes qty out of a product's stock as a single
// conditional update. Zero rows affected means the product is either
// unknown or short on stock; the caller's transaction must roll back
// either way, so both map to InsufficientStockError after an
// existence check.
func DecrementStock(ctx context.Context, tx pgx.Tx, sku domain.SKU, qty int32) error {
	tag, err := tx.Exec(ctx,
		`UPDATE products SET stock = stock - $2 WHERE sku=$1 AND stock >= $2`,
		sku, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE sku=$1)`, sku).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return &domain.InsufficientStockError{SKU: sku}
}
