// Package pgtest connects integration tests to a throwaway Postgres.
// Tests are skipped unless TEST_DATABASE_URL is set; the schema is
// recreated on every connect so tests never depend on leftover state.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
DROP TABLE IF EXISTS notifications, inbox, outbox, checkout_sessions,
	order_idempotency, order_sessions, order_items, orders,
	cart_items, carts, products CASCADE;

CREATE TABLE products (
	sku TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price BIGINT NOT NULL CHECK (price >= 0),
	stock INT NOT NULL CHECK (stock >= 0),
	category TEXT NOT NULL DEFAULT '',
	images TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE carts (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ
);

CREATE TABLE cart_items (
	id BIGSERIAL PRIMARY KEY,
	cart_id BIGINT NOT NULL REFERENCES carts(id),
	sku TEXT NOT NULL REFERENCES products(sku),
	quantity INT NOT NULL CHECK (quantity > 0),
	added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (cart_id, sku)
);

CREATE TABLE orders (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	address_id BIGINT,
	total BIGINT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ
);

CREATE TABLE order_items (
	id BIGSERIAL PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	sku TEXT NOT NULL,
	name TEXT NOT NULL,
	quantity INT NOT NULL,
	price_at_time BIGINT NOT NULL
);

CREATE TABLE order_sessions (
	session_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id)
);

CREATE TABLE order_idempotency (
	idempotency_key TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id)
);

CREATE TABLE checkout_sessions (
	session_id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL,
	manifest JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE outbox (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	key TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at TIMESTAMPTZ
);

CREATE TABLE inbox (
	event_id TEXT PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE notifications (
	event_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	user_id BIGINT NOT NULL,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Connect opens a pool against TEST_DATABASE_URL and resets the schema.
// The test is skipped when the variable is unset.
func Connect(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return pool
}

// SeedProduct inserts one product row.
func SeedProduct(t *testing.T, pool *pgxpool.Pool, sku, name string, price int64, stock int32) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO products (sku, name, price, stock) VALUES ($1, $2, $3, $4)`,
		sku, name, price, stock)
	if err != nil {
		t.Fatalf("seed product %s: %v", sku, err)
	}
}
