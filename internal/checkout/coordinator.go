package checkout

import (
	"context"
	"errors"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
	"github.com/chatpongdeepet/iot-shop/pkg/logging"
)

// Coordinator drives a checkout attempt through
// CART_READY -> SESSION_CREATED -> SESSION_COMPLETED. Abandonment is
// nothing to clean up: Begin reserves no stock and leaves the cart
// untouched, so a session that never completes simply expires at the
// provider.
type Coordinator struct {
	Carts    CartSource
	Sessions SessionStore
	Orders   Ledger
	Gateway  Gateway
	Service  string
}

// Begin freezes the current cart into a manifest, opens a hosted
// session for it and persists the pair. The buyer pays against these
// prices; later catalog edits or cart changes do not reach them.
func (c *Coordinator) Begin(ctx context.Context, userID int64) (Session, error) {
	manifest, err := c.Carts.Snapshot(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if manifest.Empty() {
		return Session{}, domain.ErrEmptyCart
	}

	sess, err := c.Gateway.CreateSession(ctx, SessionRequest{UserID: userID, Lines: manifest})
	if err != nil {
		return Session{}, err
	}

	if err := c.Sessions.Save(ctx, SessionRecord{SessionID: sess.ID, UserID: userID, Manifest: manifest}); err != nil {
		// The provider session exists but we never recorded it, so
		// reconciliation will treat it as foreign and no-op. The cart
		// is untouched and the attempt is retryable.
		return Session{}, err
	}

	logging.Log(logging.Fields{Service: c.Service, UserID: userID, SessionID: sess.ID, Step: "begin_checkout", Status: "session_created"})
	return sess, nil
}

// VerifyAndReconcile is the buyer-return trigger: it resolves the
// session at the gateway and feeds it to Reconcile. An unpaid session
// is left alone for the webhook (or a later verify) to finish.
func (c *Coordinator) VerifyAndReconcile(ctx context.Context, sessionID string) (*domain.Order, error) {
	sess, err := c.Gateway.FetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.Reconcile(ctx, sess)
}

// Reconcile converts a confirmed session into an order exactly once.
// Both triggers land here with an authenticated Session; no matter
// how many times or in what interleaving it runs, one order and one
// cart clear happen, and every call returns that same order.
//
// A nil order with a nil error is the quiet no-op: the session is not
// paid yet, or it was never opened by this storefront.
func (c *Coordinator) Reconcile(ctx context.Context, sess Session) (*domain.Order, error) {
	if sess.ID == "" || sess.UserID == 0 {
		return nil, domain.ErrInvalidSignal
	}
	if !sess.Paid {
		logging.Log(logging.Fields{Service: c.Service, UserID: sess.UserID, SessionID: sess.ID, Step: "reconcile", Status: "not_paid"})
		return nil, nil
	}

	// Fast path: a prior reconciliation already consumed this session.
	if ord, err := c.Orders.BySession(ctx, sess.ID); err == nil {
		logging.Log(logging.Fields{Service: c.Service, UserID: sess.UserID, SessionID: sess.ID, OrderID: string(ord.ID), Step: "reconcile", Status: "replayed"})
		return ord, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	rec, err := c.Sessions.Load(ctx, sess.ID)
	if errors.Is(err, domain.ErrNotFound) {
		logging.Log(logging.Fields{Service: c.Service, UserID: sess.UserID, SessionID: sess.ID, Step: "reconcile", Status: "noop_unknown_session"})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != sess.UserID {
		return nil, domain.ErrInvalidSignal
	}

	ord, err := c.Orders.CreateForSession(ctx, sess.ID, rec.UserID, rec.Manifest)
	if errors.Is(err, domain.ErrSessionConsumed) {
		// Lost the race; the winner's order is the result.
		return c.Orders.BySession(ctx, sess.ID)
	}
	if err != nil {
		return nil, err
	}

	logging.Log(logging.Fields{Service: c.Service, UserID: rec.UserID, SessionID: sess.ID, OrderID: string(ord.ID), Step: "reconcile", Status: "order_created"})
	return ord, nil
}
