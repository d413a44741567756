package checkout

import (
	"context"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// Session is a hosted checkout session as the gateway reports it.
// UserID comes from the session's client reference and is the only
// link back to local checkout state.
type Session struct {
	ID     string
	UserID int64
	URL    string
	Paid   bool
}

// SessionRequest is the manifest handed to the gateway when a session
// is opened. No stock is reserved at this point.
type SessionRequest struct {
	UserID int64
	Lines  domain.Manifest
}

// Gateway is the payment provider boundary.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	FetchSession(ctx context.Context, sessionID string) (Session, error)
}

// CartSource snapshots a user's cart into a frozen manifest.
type CartSource interface {
	Snapshot(ctx context.Context, userID int64) (domain.Manifest, error)
}

// SessionRecord is the locally persisted half of a checkout session:
// who opened it and the manifest frozen when it was opened. The
// buyer pays against this manifest, so reconciliation must convert
// exactly it, no matter what happened to the cart since.
type SessionRecord struct {
	SessionID string
	UserID    int64
	Manifest  domain.Manifest
}

// SessionStore persists session records across restarts.
type SessionStore interface {
	Save(ctx context.Context, rec SessionRecord) error
	Load(ctx context.Context, sessionID string) (SessionRecord, error)
}

// Ledger is the order side the coordinator drives. CreateForSession
// must be atomic (stock, order, session binding, cart clear) and must
// return domain.ErrSessionConsumed when the session is already bound.
type Ledger interface {
	CreateForSession(ctx context.Context, sessionID string, userID int64, m domain.Manifest) (*domain.Order, error)
	BySession(ctx context.Context, sessionID string) (*domain.Order, error)
}
