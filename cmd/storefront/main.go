package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatpongdeepet/iot-shop/internal/cart"
	"github.com/chatpongdeepet/iot-shop/internal/catalog"
	"github.com/chatpongdeepet/iot-shop/internal/checkout"
	"github.com/chatpongdeepet/iot-shop/internal/domain"
	"github.com/chatpongdeepet/iot-shop/internal/gateway"
	"github.com/chatpongdeepet/iot-shop/internal/order"
	"github.com/chatpongdeepet/iot-shop/pkg/idempotency"
	"github.com/chatpongdeepet/iot-shop/pkg/logging"
	"github.com/chatpongdeepet/iot-shop/pkg/metrics"
)

const serviceName = "storefront"

type cfg struct {
	Port                 string
	DatabaseURL          string
	GatewayBaseURL       string
	GatewaySecretKey     string
	GatewayWebhookSecret string
	FrontendURL          string
	RequestTimeout       time.Duration
}

func readCfg() (cfg, error) {
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	gatewayURL := strings.TrimSpace(os.Getenv("GATEWAY_BASE_URL"))
	if gatewayURL == "" {
		return cfg{}, errors.New("GATEWAY_BASE_URL is required")
	}
	secret := strings.TrimSpace(os.Getenv("GATEWAY_SECRET_KEY"))
	if secret == "" {
		return cfg{}, errors.New("GATEWAY_SECRET_KEY is required")
	}
	whSecret := strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_SECRET"))
	if whSecret == "" {
		return cfg{}, errors.New("GATEWAY_WEBHOOK_SECRET is required")
	}
	toutMS, _ := strconv.Atoi(getenv("REQUEST_TIMEOUT_MS", "5000"))

	return cfg{
		Port:                 getenv("PORT", "8080"),
		DatabaseURL:          db,
		GatewayBaseURL:       gatewayURL,
		GatewaySecretKey:     secret,
		GatewayWebhookSecret: whSecret,
		FrontendURL:          strings.TrimRight(getenv("FRONTEND_URL", "http://localhost:5173"), "/"),
		RequestTimeout:       time.Duration(toutMS) * time.Millisecond,
	}, nil
}

type server struct {
	catalog  *catalog.Store
	carts    *cart.Manager
	orders   *order.Ledger
	co       *checkout.Coordinator
	verifier gateway.SignatureVerifier
	metrics  *metrics.ServerMetrics
}

func main() {
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("db ping error: %v", err)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		SecretKey:  cfg.GatewaySecretKey,
		SuccessURL: cfg.FrontendURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  cfg.FrontendURL + "/cancel",
		Timeout:    cfg.RequestTimeout,
	})

	carts := cart.NewManager(pool)
	orders := order.NewLedger(pool)
	s := &server{
		catalog: catalog.NewStore(pool),
		carts:   carts,
		orders:  orders,
		co: &checkout.Coordinator{
			Carts:    carts,
			Sessions: checkout.NewSessionRecords(pool),
			Orders:   orders,
			Gateway:  gw,
			Service:  serviceName,
		},
		verifier: gateway.NewHMACVerifier(cfg.GatewayWebhookSecret, 5*time.Minute),
		metrics:  metrics.NewServerMetrics(serviceName),
	}
	outcomes := metrics.NewReconcileOutcomes(serviceName)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /products", s.handle("list_products", s.listProducts))
	mux.HandleFunc("GET /products/{sku}", s.handle("get_product", s.getProduct))
	mux.HandleFunc("PUT /products/{sku}", s.handle("update_product", s.updateProduct))

	mux.HandleFunc("GET /cart", s.handle("get_cart", s.getCart))
	mux.HandleFunc("POST /cart/items", s.handle("add_cart_item", s.addCartItem))
	mux.HandleFunc("PUT /cart/items/{id}", s.handle("update_cart_item", s.updateCartItem))
	mux.HandleFunc("DELETE /cart/items/{id}", s.handle("remove_cart_item", s.removeCartItem))

	mux.HandleFunc("POST /orders", s.handle("create_order", s.createOrder))
	mux.HandleFunc("GET /orders", s.handle("list_orders", s.listOrders))
	mux.HandleFunc("PATCH /orders/{id}/status", s.handle("order_status", s.orderStatus))

	mux.HandleFunc("POST /payments/checkout-session", s.handle("begin_checkout", s.beginCheckout))
	mux.HandleFunc("GET /payments/verify", s.handle("verify_session", s.verifySession(outcomes)))
	mux.HandleFunc("POST /payments/webhook", s.handle("webhook", s.webhook(outcomes)))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("storefront listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server error: %v", err)
	}
}

// handle wraps a handler with per-endpoint metrics and a request
// timeout, returning the HTTP status for the counter label.
func (s *server) handle(name string, fn func(w http.ResponseWriter, r *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		code := fn(w, r.WithContext(ctx))
		s.metrics.Requests.WithLabelValues(name, strconv.Itoa(code)).Inc()
		s.metrics.LatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (s *server) listProducts(w http.ResponseWriter, r *http.Request) int {
	products, err := s.catalog.List(r.Context())
	if err != nil {
		return writeError(w, err)
	}
	if products == nil {
		products = []domain.Product{}
	}
	return writeJSON(w, http.StatusOK, products)
}

func (s *server) getProduct(w http.ResponseWriter, r *http.Request) int {
	p, err := s.catalog.Get(r.Context(), domain.SKU(r.PathValue("sku")))
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, p)
}

func (s *server) updateProduct(w http.ResponseWriter, r *http.Request) int {
	var req struct {
		Price  int64    `json:"price"`
		Stock  int32    `json:"stock"`
		Images []string `json:"images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}
	sku := domain.SKU(r.PathValue("sku"))
	if err := s.catalog.UpdateListing(r.Context(), sku, req.Price, req.Stock, req.Images); err != nil {
		return writeError(w, err)
	}
	p, err := s.catalog.Get(r.Context(), sku)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, p)
}

func (s *server) getCart(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	c, err := s.carts.GetOrCreate(r.Context(), uid)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, c)
}

func (s *server) addCartItem(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	var req struct {
		SKU      string `json:"sku"`
		Quantity int32  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}
	c, err := s.carts.AddItem(r.Context(), uid, domain.SKU(req.SKU), req.Quantity)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, c)
}

func (s *server) updateCartItem(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	itemID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid item id"})
	}
	var req struct {
		Quantity int32 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}
	c, err := s.carts.UpdateItem(r.Context(), uid, itemID, req.Quantity)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, c)
}

func (s *server) removeCartItem(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	itemID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid item id"})
	}
	c, err := s.carts.RemoveItem(r.Context(), uid, itemID)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, c)
}

func (s *server) createOrder(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	var req struct {
		AddressID *int64 `json:"address_id"`
		Items     []struct {
			SKU      string `json:"sku"`
			Quantity int32  `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}
	if len(req.Items) == 0 {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "items is required"})
	}

	// Freeze the manifest from live catalog prices at placement time.
	var manifest domain.Manifest
	for _, it := range req.Items {
		if it.Quantity < 1 {
			return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "each item must have quantity >= 1"})
		}
		p, err := s.catalog.Get(r.Context(), domain.SKU(it.SKU))
		if err != nil {
			return writeError(w, err)
		}
		line := domain.Line{SKU: p.SKU, Name: p.Name, Quantity: it.Quantity, UnitPrice: p.Price}
		if len(p.Images) > 0 {
			line.Image = p.Images[0]
		}
		manifest = append(manifest, line)
	}

	idemKey := idempotency.Key(r)
	ord, err := s.orders.CreateDirect(r.Context(), uid, req.AddressID, manifest, idemKey)
	if errors.Is(err, order.ErrIdempotentReplay) {
		prior, qerr := s.orders.ByIdempotencyKey(r.Context(), idemKey)
		if qerr != nil {
			return writeError(w, qerr)
		}
		w.Header().Set(idempotency.ReplayHeader, "true")
		return writeJSON(w, http.StatusOK, prior)
	}
	if err != nil {
		return writeError(w, err)
	}

	logging.Log(logging.Fields{Service: serviceName, UserID: uid, OrderID: string(ord.ID), Step: "create_order", Status: string(ord.Status)})
	return writeJSON(w, http.StatusCreated, ord)
}

func (s *server) listOrders(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	orders, err := s.orders.ListForUser(r.Context(), uid)
	if err != nil {
		return writeError(w, err)
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return writeJSON(w, http.StatusOK, orders)
}

func (s *server) orderStatus(w http.ResponseWriter, r *http.Request) int {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
	}
	ord, err := s.orders.SetStatus(r.Context(), domain.OrderID(r.PathValue("id")), domain.OrderStatus(req.Status))
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, ord)
}

func (s *server) beginCheckout(w http.ResponseWriter, r *http.Request) int {
	uid, ok := userID(r)
	if !ok {
		return writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing user"})
	}
	sess, err := s.co.Begin(r.Context(), uid)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "url": sess.URL})
}

func (s *server) verifySession(outcomes *prometheus.CounterVec) func(w http.ResponseWriter, r *http.Request) int {
	return func(w http.ResponseWriter, r *http.Request) int {
		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_id is required"})
		}
		ord, err := s.co.VerifyAndReconcile(r.Context(), sessionID)
		if err != nil {
			outcomes.WithLabelValues("verify", "rejected").Inc()
			return writeError(w, err)
		}
		if ord == nil {
			outcomes.WithLabelValues("verify", "noop").Inc()
			return writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		}
		outcomes.WithLabelValues("verify", "reconciled").Inc()
		return writeJSON(w, http.StatusOK, map[string]any{"status": "success", "order": ord})
	}
}

func (s *server) webhook(outcomes *prometheus.CounterVec) func(w http.ResponseWriter, r *http.Request) int {
	return func(w http.ResponseWriter, r *http.Request) int {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable payload"})
		}
		sess, _, err := gateway.ParseWebhook(payload, r.Header.Get("Gateway-Signature"), s.verifier)
		if err != nil {
			outcomes.WithLabelValues("webhook", "rejected").Inc()
			logging.Log(logging.Fields{Service: serviceName, Step: "webhook", Status: "invalid_signal", Message: err.Error()})
			return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid signal"})
		}

		ord, err := s.co.Reconcile(r.Context(), sess)
		if err != nil {
			outcomes.WithLabelValues("webhook", "rejected").Inc()
			return writeError(w, err)
		}
		if ord == nil {
			outcomes.WithLabelValues("webhook", "noop").Inc()
			return writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		}
		outcomes.WithLabelValues("webhook", "reconciled").Inc()
		return writeJSON(w, http.StatusOK, map[string]any{"status": "success", "order_id": ord.ID})
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses. The
// body distinguishes "retry is safe" cases for clients.
func writeError(w http.ResponseWriter, err error) int {
	var short *domain.InsufficientStockError
	var gerr *domain.GatewayError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.As(err, &short):
		return writeJSON(w, http.StatusConflict, map[string]any{"error": "insufficient stock", "sku": string(short.SKU), "retryable": false})
	case errors.Is(err, domain.ErrEmptyCart):
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "cart is empty"})
	case errors.Is(err, domain.ErrInvalidQuantity):
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "quantity must be >= 1"})
	case errors.Is(err, domain.ErrInvalidSignal):
		return writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid signal"})
	case errors.Is(err, domain.ErrTerminalStatus):
		return writeJSON(w, http.StatusConflict, map[string]any{"error": "order status is terminal"})
	case errors.As(err, &gerr):
		return writeJSON(w, http.StatusBadGateway, map[string]any{"error": "payment gateway unavailable", "retryable": true})
	default:
		return writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
	return code
}

func userID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-User-ID")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
