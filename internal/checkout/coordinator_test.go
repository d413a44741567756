package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// fakeStore backs carts, stock, session records and the ledger with
// the same semantics the SQL layer guarantees: conditional decrement,
// all-or-nothing order creation, unique session binding, cart clear
// in the same critical section.
type fakeStore struct {
	mu       sync.Mutex
	stock    map[domain.SKU]int32
	prices   map[domain.SKU]int64
	carts    map[int64][]domain.Line
	records  map[string]SessionRecord
	sessions map[string]domain.OrderID
	orders   map[domain.OrderID]*domain.Order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stock:    map[domain.SKU]int32{},
		prices:   map[domain.SKU]int64{},
		carts:    map[int64][]domain.Line{},
		records:  map[string]SessionRecord{},
		sessions: map[string]domain.OrderID{},
		orders:   map[domain.OrderID]*domain.Order{},
	}
}

func (f *fakeStore) addProduct(sku domain.SKU, price int64, stock int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[sku] = price
	f.stock[sku] = stock
}

func (f *fakeStore) setPrice(sku domain.SKU, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[sku] = price
}

func (f *fakeStore) addToCart(userID int64, sku domain.SKU, qty int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carts[userID] = append(f.carts[userID], domain.Line{SKU: sku, Quantity: qty})
}

func (f *fakeStore) Snapshot(_ context.Context, userID int64) (domain.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m domain.Manifest
	for _, l := range f.carts[userID] {
		l.UnitPrice = f.prices[l.SKU]
		l.Name = string(l.SKU)
		m = append(m, l)
	}
	return m, nil
}

func (f *fakeStore) Save(_ context.Context, rec SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[rec.SessionID]; !ok {
		f.records[rec.SessionID] = rec
	}
	return nil
}

func (f *fakeStore) Load(_ context.Context, sessionID string) (SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[sessionID]
	if !ok {
		return SessionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) CreateForSession(_ context.Context, sessionID string, userID int64, m domain.Manifest) (*domain.Order, error) {
	if m.Empty() {
		return nil, domain.ErrEmptyCart
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.sessions[sessionID]; ok {
		return nil, domain.ErrSessionConsumed
	}
	for _, l := range m {
		if f.stock[l.SKU] < l.Quantity {
			return nil, &domain.InsufficientStockError{SKU: l.SKU}
		}
	}
	for _, l := range m {
		f.stock[l.SKU] -= l.Quantity
	}

	ord := &domain.Order{
		ID:     domain.OrderID(uuid.NewString()),
		UserID: userID,
		Total:  m.Total(),
		Status: domain.OrderStatusPaid,
	}
	for i, l := range m {
		ord.Items = append(ord.Items, domain.OrderItem{
			ID: int64(i + 1), SKU: l.SKU, Name: l.Name, Quantity: l.Quantity, PriceAtTime: l.UnitPrice,
		})
	}
	f.sessions[sessionID] = ord.ID
	f.orders[ord.ID] = ord
	f.carts[userID] = nil
	return ord, nil
}

func (f *fakeStore) BySession(_ context.Context, sessionID string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.sessions[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return f.orders[id], nil
}

type fakeGateway struct {
	mu       sync.Mutex
	sessions map[string]Session
	fail     bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: map[string]Session{}}
}

func (g *fakeGateway) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	if g.fail {
		return Session{}, &domain.GatewayError{Op: "create_session", Err: errors.New("unreachable")}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := Session{
		ID:     fmt.Sprintf("cs_%d_%d", req.UserID, len(g.sessions)+1),
		UserID: req.UserID,
		URL:    "https://pay.example/s",
	}
	g.sessions[sess.ID] = sess
	return sess, nil
}

func (g *fakeGateway) FetchSession(_ context.Context, id string) (Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[id]
	if !ok {
		return Session{}, &domain.GatewayError{Op: "fetch_session", Err: errors.New("status 404")}
	}
	return sess, nil
}

func (g *fakeGateway) markPaid(id string) Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.sessions[id]
	sess.Paid = true
	g.sessions[id] = sess
	return sess
}

func newCoordinator(store *fakeStore, gw *fakeGateway) *Coordinator {
	return &Coordinator{Carts: store, Sessions: store, Orders: store, Gateway: gw, Service: "test"}
}

func TestBeginRequiresNonEmptyCart(t *testing.T) {
	store := newFakeStore()
	co := newCoordinator(store, newFakeGateway())

	_, err := co.Begin(context.Background(), 7)
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestBeginDoesNotReserveStock(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 3)
	store.addToCart(7, "sku-a", 2)
	co := newCoordinator(store, newFakeGateway())

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.URL)
	assert.Equal(t, int32(3), store.stock["sku-a"])
	assert.Len(t, store.carts[7], 1)
}

func TestBeginGatewayUnreachable(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 3)
	store.addToCart(7, "sku-a", 1)
	gw := newFakeGateway()
	gw.fail = true
	co := newCoordinator(store, gw)

	_, err := co.Begin(context.Background(), 7)
	var gerr *domain.GatewayError
	require.ErrorAs(t, err, &gerr)
	// Attempt stays retryable: cart, stock and session state untouched.
	assert.Len(t, store.carts[7], 1)
	assert.Equal(t, int32(3), store.stock["sku-a"])
	assert.Empty(t, store.records)
}

func TestReconcileCreatesPaidOrderAndClearsCart(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 10)
	store.addProduct("sku-b", 3000, 10)
	store.addToCart(7, "sku-a", 2)
	store.addToCart(7, "sku-b", 1)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)

	ord, err := co.Reconcile(context.Background(), gw.markPaid(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, ord)
	assert.Equal(t, domain.OrderStatusPaid, ord.Status)
	assert.Equal(t, int64(13000), ord.Total)
	assert.Empty(t, store.carts[7])
	assert.Equal(t, int32(8), store.stock["sku-a"])
	assert.Equal(t, int32(9), store.stock["sku-b"])
}

func TestReconcileUnpaidSessionIsNoop(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 10)
	store.addToCart(7, "sku-a", 1)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)

	ord, err := co.VerifyAndReconcile(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, ord)
	assert.Len(t, store.carts[7], 1)
	assert.Equal(t, int32(10), store.stock["sku-a"])
}

func TestReconcileFreezesPricesAtCheckoutBegin(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 10000, 10)
	store.addToCart(7, "sku-a", 1)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)

	// Price edit lands after the session was opened but before
	// payment confirmation. The buyer paid against the session's
	// manifest, so the order records the old price.
	store.setPrice("sku-a", 15000)

	ord, err := co.Reconcile(context.Background(), gw.markPaid(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, ord)
	require.Len(t, ord.Items, 1)
	assert.Equal(t, int64(10000), ord.Items[0].PriceAtTime)
	assert.Equal(t, int64(10000), ord.Total)

	// Later edits never reach the frozen item either.
	store.setPrice("sku-a", 99900)
	again, err := co.Reconcile(context.Background(), gw.markPaid(sess.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), again.Items[0].PriceAtTime)
}

func TestReconcileIgnoresCartChangesAfterBegin(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 10)
	store.addProduct("sku-b", 3000, 10)
	store.addToCart(7, "sku-a", 1)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)

	// The buyer keeps shopping while the payment page is open.
	store.addToCart(7, "sku-b", 5)

	ord, err := co.Reconcile(context.Background(), gw.markPaid(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, ord)
	require.Len(t, ord.Items, 1)
	assert.Equal(t, domain.SKU("sku-a"), ord.Items[0].SKU)
	assert.Equal(t, int32(10), store.stock["sku-b"], "unpaid line must not move stock")
}

func TestReconcileIdempotentAcrossTriggers(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 10)
	store.addToCart(7, "sku-a", 2)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)
	paid := gw.markPaid(sess.ID)

	const callers = 32
	results := make([]domain.OrderID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ord *domain.Order
			if i%2 == 0 {
				ord, errs[i] = co.Reconcile(context.Background(), paid) // webhook path
			} else {
				ord, errs[i] = co.VerifyAndReconcile(context.Background(), sess.ID) // buyer-return path
			}
			if ord != nil {
				results[i] = ord.ID
			}
		}(i)
	}
	wg.Wait()

	first := results[0]
	require.NotEmpty(t, first)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, first, results[i], "call %d returned a different order", i)
	}
	assert.Len(t, store.orders, 1)
	assert.Equal(t, int32(8), store.stock["sku-a"])
	assert.Empty(t, store.carts[7])
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-hot", 5000, 5)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	const buyers = 20
	sessions := make([]Session, buyers)
	for i := 0; i < buyers; i++ {
		userID := int64(i + 1)
		store.addToCart(userID, "sku-hot", 1)
		sess, err := co.Begin(context.Background(), userID)
		require.NoError(t, err)
		sessions[i] = gw.markPaid(sess.ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var sold int32
	var rejected int
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ord, err := co.Reconcile(context.Background(), sessions[i])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var short *domain.InsufficientStockError
				if assert.ErrorAs(t, err, &short) {
					rejected++
				}
				return
			}
			if ord != nil {
				sold += ord.Items[0].Quantity
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(5), sold)
	assert.Equal(t, buyers-5, rejected)
	assert.GreaterOrEqual(t, store.stock["sku-hot"], int32(0))
}

func TestReconcileAllOrNothing(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 1)
	store.addProduct("sku-b", 3000, 10)
	store.addToCart(7, "sku-a", 2) // exceeds stock
	store.addToCart(7, "sku-b", 1)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)

	_, err = co.Reconcile(context.Background(), gw.markPaid(sess.ID))
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, domain.SKU("sku-a"), short.SKU)

	// Neither line moved: no order, no partial decrement.
	assert.Empty(t, store.orders)
	assert.Equal(t, int32(1), store.stock["sku-a"])
	assert.Equal(t, int32(10), store.stock["sku-b"])
	assert.Len(t, store.carts[7], 2)
}

func TestReconcileUnknownSessionIsQuietNoop(t *testing.T) {
	store := newFakeStore()
	co := newCoordinator(store, newFakeGateway())

	ord, err := co.Reconcile(context.Background(), Session{ID: "cs_ghost", UserID: 7, Paid: true})
	require.NoError(t, err)
	assert.Nil(t, ord)
	assert.Empty(t, store.orders)
}

func TestReconcileRejectsUnresolvedSession(t *testing.T) {
	store := newFakeStore()
	co := newCoordinator(store, newFakeGateway())

	_, err := co.Reconcile(context.Background(), Session{Paid: true})
	require.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestReconcileRejectsUserMismatch(t *testing.T) {
	store := newFakeStore()
	store.addProduct("sku-a", 5000, 10)
	store.addToCart(7, "sku-a", 1)
	gw := newFakeGateway()
	co := newCoordinator(store, gw)

	sess, err := co.Begin(context.Background(), 7)
	require.NoError(t, err)
	paid := gw.markPaid(sess.ID)
	paid.UserID = 8

	_, err = co.Reconcile(context.Background(), paid)
	require.ErrorIs(t, err, domain.ErrInvalidSignal)
	assert.Empty(t, store.orders)
}
