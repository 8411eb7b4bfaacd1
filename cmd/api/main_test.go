package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"billingrelay/internal/config"
	"billingrelay/internal/core"
	"billingrelay/internal/external"
	"billingrelay/internal/types"
)

const testWebhookSecret = "whsec_test_main"

// memoryUsers is an in-memory billing.UserStore for wiring tests.
type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*types.User
}

func newMemoryUsers(users ...*types.User) *memoryUsers {
	m := &memoryUsers{users: make(map[string]*types.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) FindByBillingCustomerID(_ context.Context, customerID string, limit int) ([]*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.User
	for _, u := range m.users {
		if u.BillingCustomerID == customerID && len(out) < limit {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryUsers) SetBillingCustomerID(_ context.Context, userID, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	if u.BillingCustomerID == "" {
		u.BillingCustomerID = customerID
	}
	return u.BillingCustomerID, nil
}

func (m *memoryUsers) ApplySubscription(_ context.Context, userID string, snapshot *types.SubscriptionSnapshot, plan types.PlanTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	u.Subscription = snapshot
	u.Plan = plan
	return nil
}

// stubProvider returns fixed session handles.
type stubProvider struct{}

func (stubProvider) CreateCustomer(context.Context, external.CustomerParams) (string, error) {
	return "cus_new", nil
}

func (stubProvider) CreateCheckoutSession(context.Context, external.CheckoutSessionParams) (*external.CheckoutSession, error) {
	return &external.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

func (stubProvider) CreatePortalSession(context.Context, string, string) (string, error) {
	return "https://portal.example/s", nil
}

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("PORT", "8080")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_dummy")
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	t.Setenv("FIREBASE_PROJECT_ID", "relay-test")
}

func buildTestServer(t *testing.T, users *memoryUsers) *core.Server {
	t.Helper()
	setTestEnv(t)

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := buildServer(cfg, logger, &dependencies{
		authenticator: &core.MockAuthenticator{Actor: &types.Actor{ID: "u1", Email: "u1@example.com"}},
		users:         users,
		provider:      stubProvider{},
		metrics:       &core.MockMetricsCollector{},
	})
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := buildTestServer(t, newMemoryUsers())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health: got status %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestWebhook_RejectsUnsignedRequest(t *testing.T) {
	srv := buildTestServer(t, newMemoryUsers())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhook_SignedEventUpdatesUser(t *testing.T) {
	users := newMemoryUsers(&types.User{ID: "u1", BillingCustomerID: "cus_A", Plan: types.PlanFree})
	srv := buildTestServer(t, users)

	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated","created":1700000000,
		"data":{"object":{"id":"sub_1","customer":"cus_A","status":"active","current_period_end":1700600000,
		"items":{"data":[{"price":{"id":"price_pro"}}]}}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	for _, path := range []string{"/webhooks/stripe", "/stripe/webhook"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
			req.Header.Set("Stripe-Signature", signed.Header)
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
			}
			u, _ := users.GetByID(context.Background(), "u1")
			if u.Plan != types.PlanPro {
				t.Errorf("plan = %q, want pro", u.Plan)
			}
			if u.Subscription == nil || u.Subscription.SubscriptionID != "sub_1" {
				t.Errorf("subscription not applied: %+v", u.Subscription)
			}
		})
	}
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	srv := buildTestServer(t, newMemoryUsers())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/create-portal-session", bytes.NewReader([]byte(`{}`)))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPI_CheckoutLinksCustomer(t *testing.T) {
	users := newMemoryUsers(&types.User{ID: "u1", Email: "u1@example.com", Plan: types.PlanFree})
	srv := buildTestServer(t, users)

	body := []byte(`{"userId":"u1","priceId":"price_pro","returnUrl":"https://app.example/billing"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/create-checkout-session", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["sessionId"] != "cs_1" {
		t.Errorf("sessionId = %q, want cs_1", resp["sessionId"])
	}
	u, _ := users.GetByID(context.Background(), "u1")
	if u.BillingCustomerID != "cus_new" {
		t.Errorf("customer id = %q, want cus_new", u.BillingCustomerID)
	}
}

func TestAPI_CheckoutRequiresPriceID(t *testing.T) {
	t.Setenv("STRIPE_PRO_PLAN_PRICE_ID", "price_pro")
	users := newMemoryUsers(&types.User{ID: "u1", Email: "u1@example.com", Plan: types.PlanFree})
	srv := buildTestServer(t, users)

	body := []byte(`{"userId":"u1","returnUrl":"https://app.example/billing"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/create-checkout-session", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("code = %q, want %q", resp.Error.Code, types.ErrCodeValidationMissingField)
	}
	if u, _ := users.GetByID(context.Background(), "u1"); u.BillingCustomerID != "" {
		t.Errorf("customer linked before validation: %q", u.BillingCustomerID)
	}
}

func TestAPI_PortalRejectsBadReturnURLBeforeOwnership(t *testing.T) {
	users := newMemoryUsers(&types.User{ID: "u1", BillingCustomerID: "cus_B", Plan: types.PlanFree})
	srv := buildTestServer(t, users)

	body := []byte(`{"customerId":"cus_A","returnUrl":"not a url"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/create-portal-session", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeValidationInvalidURL) {
		t.Errorf("code = %q, want %q", resp.Error.Code, types.ErrCodeValidationInvalidURL)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		t.Run(level, func(t *testing.T) {
			if newLogger(level) == nil {
				t.Fatalf("newLogger(%q) returned nil", level)
			}
		})
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("RELAY_TEST_VAR", "")
	if got := envOr("RELAY_TEST_VAR", "fallback"); got != "fallback" {
		t.Errorf("envOr() = %q, want fallback", got)
	}
	t.Setenv("RELAY_TEST_VAR", "set")
	if got := envOr("RELAY_TEST_VAR", "fallback"); got != "set" {
		t.Errorf("envOr() = %q, want set", got)
	}
}

func TestSecretProvider(t *testing.T) {
	t.Setenv("SECRET_PROVIDER", "env")
	if _, ok := secretProvider().(*config.EnvVarProvider); !ok {
		t.Errorf("SECRET_PROVIDER=env: got %T, want *config.EnvVarProvider", secretProvider())
	}
	t.Setenv("SECRET_PROVIDER", "")
	if _, ok := secretProvider().(*config.SSMProvider); !ok {
		t.Errorf("default: got %T, want *config.SSMProvider", secretProvider())
	}
}
