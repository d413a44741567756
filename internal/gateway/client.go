package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatpongdeepet/iot-shop/internal/checkout"
	"github.com/chatpongdeepet/iot-shop/internal/domain"
)

// Config carries everything the adapter needs, wired at construction
// time instead of living in package globals.
type Config struct {
	BaseURL    string
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

// Client talks to the hosted-checkout provider. It implements
// checkout.Gateway; every transport or provider failure surfaces as a
// domain.GatewayError so callers know a retry is safe.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

type lineItem struct {
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	UnitAmount int64  `json:"unit_amount"`
	Quantity   int32  `json:"quantity"`
}

type sessionPayload struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	ClientReferenceID string `json:"client_reference_id"`
	PaymentStatus     string `json:"payment_status"`
}

func (c *Client) CreateSession(ctx context.Context, req checkout.SessionRequest) (checkout.Session, error) {
	items := make([]lineItem, 0, len(req.Lines))
	for _, l := range req.Lines {
		items = append(items, lineItem{
			Name:       l.Name,
			Image:      l.Image,
			UnitAmount: l.UnitPrice,
			Quantity:   l.Quantity,
		})
	}
	body := map[string]any{
		"mode":                "payment",
		"currency":            "thb",
		"client_reference_id": strconv.FormatInt(req.UserID, 10),
		"success_url":         c.cfg.SuccessURL,
		"cancel_url":          c.cfg.CancelURL,
		"line_items":          items,
	}

	var resp sessionPayload
	if err := c.call(ctx, http.MethodPost, "/v1/checkout/sessions", body, &resp); err != nil {
		return checkout.Session{}, &domain.GatewayError{Op: "create_session", Err: err}
	}
	return checkout.Session{ID: resp.ID, UserID: req.UserID, URL: resp.URL, Paid: resp.PaymentStatus == "paid"}, nil
}

func (c *Client) FetchSession(ctx context.Context, sessionID string) (checkout.Session, error) {
	var resp sessionPayload
	if err := c.call(ctx, http.MethodGet, "/v1/checkout/sessions/"+sessionID, nil, &resp); err != nil {
		return checkout.Session{}, &domain.GatewayError{Op: "fetch_session", Err: err}
	}
	return sessionFromPayload(resp)
}

func sessionFromPayload(p sessionPayload) (checkout.Session, error) {
	userID, err := strconv.ParseInt(p.ClientReferenceID, 10, 64)
	if err != nil || userID <= 0 {
		return checkout.Session{}, domain.ErrInvalidSignal
	}
	return checkout.Session{ID: p.ID, UserID: userID, URL: p.URL, Paid: p.PaymentStatus == "paid"}, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
