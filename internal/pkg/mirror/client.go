package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

const defaultClientTimeout = 15 * time.Second

// APIError is a non-2xx answer from the server. It unwraps to the matching
// apperror sentinel so callers can use errors.Is on both sides of the wire.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Reason    entitlements.Reason
	Remaining *int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	if s := apperror.FromCode(e.Code); s != nil {
		return s
	}
	return nil
}

// Client is a typed client for the /api endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/api"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er apiv1.ErrorResponse
		if jerr := json.Unmarshal(raw, &er); jerr != nil || er.Error == "" {
			return &APIError{Status: resp.StatusCode, Code: string(apperror.KindInternal), Message: strings.TrimSpace(string(raw))}
		}
		return &APIError{Status: resp.StatusCode, Code: er.Error, Message: er.Message, Reason: er.Reason, Remaining: er.Remaining}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// IsAPIError reports whether err came back from the server, as opposed to
// failing in transport.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func (c *Client) SendVerificationCode(ctx context.Context, email string) (*apiv1.SendVerificationResponse, error) {
	var out apiv1.SendVerificationResponse
	err := c.do(ctx, http.MethodPost, "/auth/send-verification", "", apiv1.SendVerificationRequest{Email: email}, &out)
	return &out, err
}

func (c *Client) Register(ctx context.Context, email, password, code string) (*apiv1.SessionResponse, error) {
	var out apiv1.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/register", "", apiv1.RegisterRequest{Email: email, Password: password, Code: code}, &out)
	return &out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (*apiv1.SessionResponse, error) {
	var out apiv1.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", "", apiv1.LoginRequest{Email: email, Password: password}, &out)
	return &out, err
}

func (c *Client) VerifyToken(ctx context.Context, token string) (*apiv1.UserResponse, error) {
	var out apiv1.UserResponse
	err := c.do(ctx, http.MethodPost, "/auth/verify-token", token, nil, &out)
	return &out, err
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
}

func (c *Client) Plans(ctx context.Context) ([]billing.Plan, error) {
	var out apiv1.PlansResponse
	err := c.do(ctx, http.MethodGet, "/plans", "", nil, &out)
	return out.Plans, err
}

func (c *Client) PaymentMethods(ctx context.Context) ([]billing.PaymentMethod, error) {
	var out apiv1.PaymentMethodsResponse
	err := c.do(ctx, http.MethodGet, "/payment-methods", "", nil, &out)
	return out.Methods, err
}

// CreateOrder opens an order. token may be empty for an anonymous purchase.
func (c *Client) CreateOrder(ctx context.Context, token, planType, paymentMethod string) (*models.Order, error) {
	var out apiv1.OrderResponse
	err := c.do(ctx, http.MethodPost, "/orders", token, apiv1.CreateOrderRequest{PlanType: planType, PaymentMethod: paymentMethod}, &out)
	return &out.Order, err
}

func (c *Client) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var out apiv1.OrderResponse
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), "", nil, &out)
	return &out.Order, err
}

func (c *Client) ValidateLicense(ctx context.Context, key string) (*billing.LicenseStatus, error) {
	var out apiv1.ValidateLicenseResponse
	err := c.do(ctx, http.MethodPost, "/license/validate", "", apiv1.LicenseKeyRequest{LicenseKey: key}, &out)
	return &out.LicenseStatus, err
}

func (c *Client) ActivateLicense(ctx context.Context, token, key string) (*apiv1.ActivateLicenseResponse, error) {
	var out apiv1.ActivateLicenseResponse
	err := c.do(ctx, http.MethodPost, "/license/activate", token, apiv1.LicenseKeyRequest{LicenseKey: key}, &out)
	return &out, err
}

func (c *Client) Subscription(ctx context.Context, key string) (*billing.Subscription, error) {
	var out apiv1.SubscriptionResponse
	err := c.do(ctx, http.MethodGet, "/subscription/"+url.PathEscape(key), "", nil, &out)
	return &out.Subscription, err
}

func (c *Client) AuthorizeUsage(ctx context.Context, token, action string) (*apiv1.UsageResponse, error) {
	var out apiv1.UsageResponse
	err := c.do(ctx, http.MethodPost, "/usage/authorize", token, apiv1.UsageRequest{Action: action}, &out)
	return &out, err
}

func (c *Client) CommitUsage(ctx context.Context, token, action string) (*apiv1.UsageResponse, error) {
	var out apiv1.UsageResponse
	err := c.do(ctx, http.MethodPost, "/usage/commit", token, apiv1.UsageRequest{Action: action}, &out)
	return &out, err
}

func (c *Client) AdminLogin(ctx context.Context, username, password string) (*apiv1.AdminSessionResponse, error) {
	var out apiv1.AdminSessionResponse
	err := c.do(ctx, http.MethodPost, "/admin/login", "", apiv1.AdminLoginRequest{Username: username, Password: password}, &out)
	return &out, err
}

func (c *Client) AdminVerify(ctx context.Context, token string) (*apiv1.AdminInfo, error) {
	var out apiv1.AdminResponse
	err := c.do(ctx, http.MethodPost, "/admin/verify", token, nil, &out)
	return &out.Admin, err
}

func pageQuery(offset, limit int) string {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return "?" + q.Encode()
}

func (c *Client) AdminUsers(ctx context.Context, token string, offset, limit int) (*apiv1.UserListResponse, error) {
	var out apiv1.UserListResponse
	err := c.do(ctx, http.MethodGet, "/admin/users"+pageQuery(offset, limit), token, nil, &out)
	return &out, err
}

func (c *Client) AdminOrders(ctx context.Context, token string, offset, limit int) (*apiv1.OrderListResponse, error) {
	var out apiv1.OrderListResponse
	err := c.do(ctx, http.MethodGet, "/admin/orders"+pageQuery(offset, limit), token, nil, &out)
	return &out, err
}

func (c *Client) AdminLicenses(ctx context.Context, token string, offset, limit int) (*apiv1.LicenseListResponse, error) {
	var out apiv1.LicenseListResponse
	err := c.do(ctx, http.MethodGet, "/admin/licenses"+pageQuery(offset, limit), token, nil, &out)
	return &out, err
}

func (c *Client) AdminToggleUser(ctx context.Context, token, userID string, active bool) (*models.Profile, error) {
	var out apiv1.UserResponse
	err := c.do(ctx, http.MethodPost, "/admin/users/"+url.PathEscape(userID)+"/toggle", token, apiv1.ToggleUserRequest{IsActive: &active}, &out)
	return &out.User, err
}

func (c *Client) AdminCancelOrder(ctx context.Context, token, orderID string) (*models.Order, error) {
	var out apiv1.OrderResponse
	err := c.do(ctx, http.MethodPost, "/admin/orders/"+url.PathEscape(orderID)+"/cancel", token, nil, &out)
	return &out.Order, err
}

func (c *Client) AdminRevokeLicense(ctx context.Context, token, key string) (*models.License, error) {
	var out apiv1.LicenseResponse
	err := c.do(ctx, http.MethodPost, "/admin/licenses/"+url.PathEscape(key)+"/revoke", token, nil, &out)
	return &out.License, err
}

func (c *Client) AdminStats(ctx context.Context, token string) (*models.SystemStats, error) {
	var out apiv1.StatsResponse
	err := c.do(ctx, http.MethodGet, "/admin/stats", token, nil, &out)
	return &out.Stats, err
}
