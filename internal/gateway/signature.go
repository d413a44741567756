package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// SignatureVerifier authenticates an inbound completion payload before
// anything trusts it. The provider's exact scheme is pluggable; the
// HMAC verifier below covers the common t=<ts>,v1=<hex> header form.
type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

// HMACVerifier checks a signature header of the form
// "t=<unix>,v1=<hex(hmac-sha256(secret, "<unix>.<payload>"))>" and
// rejects timestamps outside the tolerance window.
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewHMACVerifier(secret string, tolerance time.Duration) *HMACVerifier {
	if tolerance == 0 {
		tolerance = 5 * time.Minute
	}
	return &HMACVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (v *HMACVerifier) Verify(payload []byte, header string) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignal, err)
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignal)
	}

	expected := ComputeSignature(v.secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrInvalidSignal)
	}
	return nil
}

// ComputeSignature is shared with the ops CLI so it can emit correctly
// signed webhook test traffic.
func ComputeSignature(secret []byte, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds the header ComputeSignature verifies.
func SignatureHeader(secret []byte, ts int64, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(secret, ts, payload))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad timestamp")
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("missing t or v1")
	}
	return ts, sig, nil
}
