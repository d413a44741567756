package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/chatpongdeepet/iot-shop/internal/gateway"
)

// Ops CLI for poking a running storefront: drive a cart through
// checkout, replay signed webhooks, or hammer the direct order path.

type scenario struct {
	Name        string
	Description string
}

type model struct {
	scenarios []scenario
	selected  int
	status    string
	detail    string
	busy      bool
}

func initialModel() model {
	return model{
		scenarios: []scenario{
			{"checkout", "Add an item and open a checkout session"},
			{"webhook", "Send a signed completion webhook for a session"},
			{"webhook-replay", "Send the same completion webhook five times"},
			{"forged-webhook", "Send an unsigned completion webhook (must be rejected)"},
			{"bench", "Concurrent direct orders against one SKU"},
		},
		status: "Ready",
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.scenarios)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			return m, runScenarioCmd(m.scenarios[m.selected].Name)
		}
	case scenarioResult:
		m.busy = false
		m.status = msg.status
		m.detail = msg.detail
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "iot-shop ops CLI")
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "Scenarios:")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %s - %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.detail != "" {
		fmt.Fprintf(b, "Detail: %s\n", m.detail)
	}
	fmt.Fprintln(b, "\nControls: up/down select, enter to run, q to quit")
	return b.String()
}

type scenarioResult struct {
	status string
	detail string
}

type env struct {
	baseURL       string
	userID        string
	sku           string
	sessionID     string
	webhookSecret string
}

func readEnv() env {
	return env{
		baseURL:       strings.TrimRight(getenv("STOREFRONT_BASE_URL", "http://localhost:8080"), "/"),
		userID:        getenv("USER_ID", "1"),
		sku:           getenv("SKU", "sku-1"),
		sessionID:     strings.TrimSpace(os.Getenv("SESSION_ID")),
		webhookSecret: strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_SECRET")),
	}
}

func runScenarioCmd(name string) tea.Cmd {
	return func() tea.Msg {
		return runScenario(name, readEnv())
	}
}

func runScenario(name string, e env) scenarioResult {
	switch name {
	case "checkout":
		return runCheckout(e)
	case "webhook":
		return runWebhook(e, 1, true)
	case "webhook-replay":
		return runWebhook(e, 5, true)
	case "forged-webhook":
		return runWebhook(e, 1, false)
	case "bench":
		return runBench(e)
	default:
		return scenarioResult{status: fmt.Sprintf("unknown scenario %q", name)}
	}
}

func runCheckout(e env) scenarioResult {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addBody := map[string]any{"sku": e.sku, "quantity": 1}
	if _, err := call(ctx, e, http.MethodPost, "/cart/items", addBody, nil); err != nil {
		return scenarioResult{status: fmt.Sprintf("add to cart failed: %v", err)}
	}

	var resp struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
	}
	if _, err := call(ctx, e, http.MethodPost, "/payments/checkout-session", nil, &resp); err != nil {
		return scenarioResult{status: fmt.Sprintf("begin checkout failed: %v", err)}
	}
	return scenarioResult{
		status: "Checkout session created",
		detail: fmt.Sprintf("session=%s url=%s (export SESSION_ID=%s to reconcile)", resp.SessionID, resp.URL, resp.SessionID),
	}
}

func runWebhook(e env, times int, signed bool) scenarioResult {
	if e.sessionID == "" {
		return scenarioResult{status: "SESSION_ID is required for webhook scenarios"}
	}
	if signed && e.webhookSecret == "" {
		return scenarioResult{status: "GATEWAY_WEBHOOK_SECRET is required for signed webhooks"}
	}

	evt := map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": gateway.EventCheckoutCompleted,
		"data": map[string]any{"object": map[string]any{
			"id":                  e.sessionID,
			"client_reference_id": e.userID,
			"payment_status":      "paid",
		}},
	}
	payload, _ := json.Marshal(evt)

	var statuses []string
	for i := 0; i < times; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/payments/webhook", bytes.NewReader(payload))
		if err != nil {
			cancel()
			return scenarioResult{status: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		if signed {
			req.Header.Set("Gateway-Signature",
				gateway.SignatureHeader([]byte(e.webhookSecret), time.Now().Unix(), payload))
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err != nil {
			return scenarioResult{status: fmt.Sprintf("webhook failed: %v", err)}
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		statuses = append(statuses, fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return scenarioResult{status: "Webhook(s) delivered", detail: strings.Join(statuses, " | ")}
}

func runBench(e env) scenarioResult {
	duration := 5 * time.Second
	vus := 5
	var mu sync.Mutex
	var total time.Duration
	var count, errors, conflicts int

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < vus; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					start := time.Now()
					code, err := placeOrder(e)
					mu.Lock()
					switch {
					case err != nil:
						errors++
					case code == http.StatusConflict:
						conflicts++
					default:
						count++
						total += time.Since(start)
					}
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	avg := time.Duration(0)
	if count > 0 {
		avg = total / time.Duration(count)
	}
	return scenarioResult{
		status: "Benchmark finished",
		detail: fmt.Sprintf("orders=%d stock_conflicts=%d errors=%d avg=%s throughput=%.2f/s",
			count, conflicts, errors, avg, float64(count)/duration.Seconds()),
	}
}

func placeOrder(e env) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body := map[string]any{
		"items": []map[string]any{{"sku": e.sku, "quantity": 1}},
	}
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/orders", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", e.userID)
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func call(ctx context.Context, e env, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", e.userID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func main() {
	runCmd := flag.String("run", "", "run scenario: checkout|webhook|webhook-replay|forged-webhook|bench")
	flag.Parse()

	if *runCmd != "" {
		res := runScenario(*runCmd, readEnv())
		fmt.Println(res.status)
		if res.detail != "" {
			fmt.Println(res.detail)
		}
		return
	}

	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
