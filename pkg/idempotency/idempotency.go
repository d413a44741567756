package idempotency

import (
	"net/http"
	"strings"
)

// Header is the client-supplied replay key for direct order placement.
const Header = "Idempotency-Key"

// ReplayHeader marks a response that was served from a prior attempt.
const ReplayHeader = "Idempotent-Replay"

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}
