package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
)

type GatewayStatus string

const (
	GatewayPending GatewayStatus = "pending"
	GatewayPaid    GatewayStatus = "paid"
	GatewayFailed  GatewayStatus = "failed"
)

// PaymentGateway is the external payment provider.
type PaymentGateway interface {
	// CreatePayment registers order with the provider and returns the URL
	// the buyer is sent to.
	CreatePayment(ctx context.Context, order *models.Order) (string, error)
	// Status looks up the provider's view of the payment for orderID.
	Status(ctx context.Context, orderID string) (GatewayStatus, error)
}

const defaultGatewayTimeout = 10 * time.Second

// HTTPGateway talks to a REST payment provider:
//
//	POST {base}/payments          {order_id, amount, method, plan} -> {payment_url}
//	GET  {base}/payments/{id}     -> {status}
type HTTPGateway struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPGatewayFromEnv() *HTTPGateway {
	return &HTTPGateway{
		BaseURL: strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_URL", "")), "/"),
		Token:   strings.TrimSpace(env.GetEnv("PAYMENT_GATEWAY_TOKEN", "")),
		HTTPClient: &http.Client{
			Timeout: defaultGatewayTimeout,
		},
	}
}

func (g *HTTPGateway) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	client := g.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultGatewayTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment gateway request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

func (g *HTTPGateway) CreatePayment(ctx context.Context, order *models.Order) (string, error) {
	if g.BaseURL == "" {
		return "", errors.New("PAYMENT_GATEWAY_URL is not configured")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"order_id": order.ID,
		"amount":   order.Amount,
		"method":   order.PaymentMethod,
		"plan":     order.PlanType,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		PaymentURL string `json:"payment_url"`
	}
	if err := g.do(req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.PaymentURL) == "" {
		return "", errors.New("payment gateway returned empty payment_url")
	}
	return out.PaymentURL, nil
}

func (g *HTTPGateway) Status(ctx context.Context, orderID string) (GatewayStatus, error) {
	if g.BaseURL == "" {
		return "", errors.New("PAYMENT_GATEWAY_URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/payments/"+url.PathEscape(orderID), nil)
	if err != nil {
		return "", err
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := g.do(req, &out); err != nil {
		return "", err
	}
	switch GatewayStatus(strings.ToLower(strings.TrimSpace(out.Status))) {
	case GatewayPaid, "succeeded", "success":
		return GatewayPaid, nil
	case GatewayFailed, "cancelled", "canceled", "expired":
		return GatewayFailed, nil
	default:
		return GatewayPending, nil
	}
}

// SimulatedGateway settles each status lookup as paid with probability
// SuccessRate. Development only.
type SimulatedGateway struct {
	SuccessRate float64
	BaseURL     string

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedGateway(successRate float64, seed int64) *SimulatedGateway {
	return &SimulatedGateway{
		SuccessRate: successRate,
		BaseURL:     "https://payment.example.com/pay",
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (g *SimulatedGateway) CreatePayment(_ context.Context, order *models.Order) (string, error) {
	return g.BaseURL + "/" + url.PathEscape(order.ID), nil
}

func (g *SimulatedGateway) Status(ctx context.Context, _ string) (GatewayStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	roll := g.rnd.Float64()
	g.mu.Unlock()
	if roll < g.SuccessRate {
		return GatewayPaid, nil
	}
	return GatewayPending, nil
}

// GatewayFromEnv returns the HTTP gateway when PAYMENT_GATEWAY_URL is set and
// the simulated one otherwise.
func GatewayFromEnv() PaymentGateway {
	g := NewHTTPGatewayFromEnv()
	if g.BaseURL != "" {
		return g
	}
	rate := env.GetEnvFloat("PAYMENT_SIMULATED_SUCCESS_RATE", 0.7)
	log.Warnf("[Billing] PAYMENT_GATEWAY_URL not set, using simulated gateway (success rate %.2f)", rate)
	return NewSimulatedGateway(rate, time.Now().UnixNano())
}
