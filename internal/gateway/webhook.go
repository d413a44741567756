package gateway

import (
	"encoding/json"

	"github.com/chatpongdeepet/iot-shop/internal/checkout"
	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// EventCheckoutCompleted is the only webhook type the storefront acts on.
const EventCheckoutCompleted = "checkout.session.completed"

type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object sessionPayload `json:"object"`
	} `json:"data"`
}

// ParseWebhook authenticates and decodes a completion notification.
// The signature is checked over the raw body before any decoding, so
// a forged or malformed payload never reaches the coordinator.
func ParseWebhook(payload []byte, sigHeader string, verifier SignatureVerifier) (checkout.Session, string, error) {
	if err := verifier.Verify(payload, sigHeader); err != nil {
		return checkout.Session{}, "", err
	}

	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return checkout.Session{}, "", domain.ErrInvalidSignal
	}
	if evt.Type != EventCheckoutCompleted || evt.Data.Object.ID == "" {
		return checkout.Session{}, evt.Type, domain.ErrInvalidSignal
	}

	sess, err := sessionFromPayload(evt.Data.Object)
	if err != nil {
		return checkout.Session{}, evt.Type, err
	}
	return sess, evt.Type, nil
}
