package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"billingrelay/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// stripeMaxErrorBody caps how much of an error response is read.
const stripeMaxErrorBody = 64 << 10

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for stripe-mock and tests; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// CustomerParams describes a customer to create.
type CustomerParams struct {
	UserID string
	Email  string
	// IdempotencyKey makes retried creations for the same user collapse into
	// one customer on the provider side.
	IdempotencyKey string
}

// CheckoutSessionParams describes a subscription-mode checkout session.
type CheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	TrialPeriodDays   int
}

// CheckoutSession is the created session handle.
type CheckoutSession struct {
	ID  string
	URL string
}

// StripeClient talks to the Stripe REST API with form-encoded requests sent
// through BaseClient, so every call shares the breaker, retries and error
// mapping and tests can point it at an httptest server.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy. The
// httpClient timeout should be around 20 seconds.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"BillingRelay/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// BreakerState exposes the circuit breaker state for health reporting.
func (s *StripeClient) BreakerState() string {
	return s.base.BreakerState()
}

// CreateCustomer creates a Stripe customer tagged with metadata[userId].
func (s *StripeClient) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	params := url.Values{}
	params.Set("metadata[userId]", p.UserID)
	if p.Email != "" {
		params.Set("email", p.Email)
	}

	var customer stripeCustomer
	if err := s.post(ctx, "CreateCustomer", "/v1/customers", params, p.IdempotencyKey, &customer); err != nil {
		return "", err
	}
	if customer.ID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "CreateCustomer: response carried no customer id", nil)
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session with a
// single line item. client_reference_id and metadata carry the user id for
// correlation in the dashboard.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("payment_method_types[0]", "card")
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	if p.ClientReferenceID != "" {
		params.Set("client_reference_id", p.ClientReferenceID)
		params.Set("metadata[userId]", p.ClientReferenceID)
		params.Set("subscription_data[metadata][userId]", p.ClientReferenceID)
	}
	if p.TrialPeriodDays > 0 {
		params.Set("subscription_data[trial_period_days]", strconv.Itoa(p.TrialPeriodDays))
	}

	var session stripeCheckoutSession
	if err := s.post(ctx, "CreateCheckoutSession", "/v1/checkout/sessions", params, "", &session); err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession creates a customer portal session and returns its URL.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	var session stripePortalSession
	if err := s.post(ctx, "CreatePortalSession", "/v1/billing_portal/sessions", params, "", &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// post performs an authenticated form POST and decodes a 200 body into out.
func (s *StripeClient) post(ctx context.Context, operation, path string, params url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	s.logger.DebugContext(ctx, "stripe request completed",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_request_id", resp.Header.Get("Request-Id"),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(ctx, resp, operation)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: failed to decode Stripe response", operation),
			err,
		)
	}
	return nil
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error body, logs it, and maps it to an
// AppError whose message never carries the provider text.
func (s *StripeClient) handleErrorResponse(ctx context.Context, resp *http.Response, operation string) error {
	var stripeErr stripeErrorResponse
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, stripeMaxErrorBody))
	if readErr == nil {
		_ = json.Unmarshal(body, &stripeErr)
	}

	s.logger.WarnContext(ctx, "stripe request rejected",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_error_type", stripeErr.Error.Type,
		"stripe_error_code", stripeErr.Error.Code,
		"stripe_error_param", stripeErr.Error.Param,
		"stripe_error_message", stripeErr.Error.Message,
	)

	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError classifies provider failures: caller-caused 4xx become
// billing_provider_rejected, 429 and 5xx become upstream errors.
func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"billing provider rate limit exceeded",
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"billing provider unavailable",
			nil,
		)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		// A bad platform key is our fault, not the caller's.
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBilling,
			"billing provider refused the platform credentials",
			nil,
			map[string]any{"operation": operation, "status": statusCode},
		)
	default:
		details := map[string]any{"operation": operation, "status": statusCode}
		if stripeErr.Code != "" {
			details["provider_code"] = stripeErr.Code
		}
		if stripeErr.Param != "" {
			details["provider_param"] = stripeErr.Param
		}
		return types.NewAppErrorWithDetails(
			types.ErrCodeBillingRejected,
			"billing provider rejected the request",
			nil,
			details,
		)
	}
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe request failed", operation),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
