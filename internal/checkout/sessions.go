package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// SessionRecords is the pgx-backed SessionStore. The row is the
// durable half of a checkout attempt; reconciliation after a process
// restart depends on it.
type SessionRecords struct {
	pool *pgxpool.Pool
}

func NewSessionRecords(pool *pgxpool.Pool) *SessionRecords {
	return &SessionRecords{pool: pool}
}

func (s *SessionRecords) Save(ctx context.Context, rec SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := json.Marshal(rec.Manifest)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkout_sessions(session_id, user_id, manifest) VALUES($1, $2, $3)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.UserID, data)
	return err
}

func (s *SessionRecords) Load(ctx context.Context, sessionID string) (SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rec := SessionRecord{SessionID: sessionID}
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, manifest FROM checkout_sessions WHERE session_id=$1`, sessionID).
		Scan(&rec.UserID, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	if err := json.Unmarshal(data, &rec.Manifest); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}
