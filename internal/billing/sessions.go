package billing

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"billingrelay/internal/external"
	"billingrelay/internal/types"
)

// customerKeyNamespace scopes the deterministic idempotency keys used for
// customer creation.
var customerKeyNamespace = uuid.MustParse("6f1c2a4e-3b7d-5e90-8a1f-2c4d6e8f0a1b")

// TrialPeriodDays is the free trial attached to every checkout.
const TrialPeriodDays = 3

// SessionConfig carries the checkout defaults. DefaultPriceID replaces an
// empty PriceID only when FallbackToDefaultPrice is set; otherwise a missing
// price is a validation error.
type SessionConfig struct {
	DefaultPriceID         string
	FallbackToDefaultPrice bool
}

// CheckoutInput is the validated input for a checkout session.
type CheckoutInput struct {
	UserID    string `json:"userId" validate:"required"`
	PriceID   string `json:"priceId" validate:"required"`
	ReturnURL string `json:"returnUrl" validate:"required,url"`

	// Email is attached to a newly created customer when the record has none.
	Email string `json:"-"`
}

// CheckoutResult is returned after a checkout session is created.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
}

// PortalInput is the validated input for a portal session.
type PortalInput struct {
	CustomerID string `json:"customerId" validate:"required"`
	ReturnURL  string `json:"returnUrl" validate:"required,url"`
}

// PortalResult is returned after a portal session is created.
type PortalResult struct {
	URL string `json:"url"`
}

// SessionFactory creates hosted checkout and portal sessions, linking a
// billing customer to the user record on first checkout.
type SessionFactory struct {
	store     UserStore
	provider  external.BillingProvider
	validator StructValidator
	cfg       SessionConfig
	logger    *slog.Logger

	customers singleflight.Group
}

// NewSessionFactory creates a SessionFactory.
func NewSessionFactory(
	store UserStore,
	provider external.BillingProvider,
	validator StructValidator,
	cfg SessionConfig,
	logger *slog.Logger,
) *SessionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionFactory{
		store:     store,
		provider:  provider,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateCheckoutSession starts a subscription checkout for the user.
func (f *SessionFactory) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if in.PriceID == "" && f.cfg.FallbackToDefaultPrice {
		in.PriceID = f.cfg.DefaultPriceID
	}
	if err := f.validator.ValidateStruct(in); err != nil {
		return nil, err
	}

	user, err := f.store.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	customerID, err := f.ensureCustomer(ctx, user, in.Email)
	if err != nil {
		return nil, err
	}

	session, err := f.provider.CreateCheckoutSession(ctx, external.CheckoutSessionParams{
		CustomerID:        customerID,
		PriceID:           in.PriceID,
		ClientReferenceID: user.ID,
		SuccessURL:        withQueryFlag(in.ReturnURL, "success"),
		CancelURL:         withQueryFlag(in.ReturnURL, "canceled"),
		TrialPeriodDays:   TrialPeriodDays,
	})
	if err != nil {
		return nil, err
	}

	f.logger.InfoContext(ctx, "checkout session created",
		"user_id", user.ID,
		"customer_id", customerID,
		"price_id", in.PriceID,
		"session_id", session.ID,
	)

	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// ValidatePortal checks the shape of a portal request without touching the
// store or the provider.
func (f *SessionFactory) ValidatePortal(in PortalInput) error {
	return f.validator.ValidateStruct(in)
}

// CreatePortalSession opens the self-service billing portal for a customer.
func (f *SessionFactory) CreatePortalSession(ctx context.Context, in PortalInput) (*PortalResult, error) {
	if err := f.ValidatePortal(in); err != nil {
		return nil, err
	}

	portalURL, err := f.provider.CreatePortalSession(ctx, in.CustomerID, in.ReturnURL)
	if err != nil {
		return nil, err
	}

	f.logger.InfoContext(ctx, "portal session created", "customer_id", in.CustomerID)
	return &PortalResult{URL: portalURL}, nil
}

// ensureCustomer returns the record's customer id, creating and linking one
// when absent. Concurrent calls for the same user share a single creation,
// and the provider idempotency key keeps retries across processes on the
// same customer. Whatever id the store holds after the write is authoritative.
// The shared creation ignores caller cancellation.
func (f *SessionFactory) ensureCustomer(ctx context.Context, user *types.User, fallbackEmail string) (string, error) {
	if user.HasBillingCustomer() {
		return user.BillingCustomerID, nil
	}
	email := user.Email
	if email == "" {
		email = fallbackEmail
	}

	ctx = context.WithoutCancel(ctx)
	v, err, _ := f.customers.Do(user.ID, func() (any, error) {
		created, err := f.provider.CreateCustomer(ctx, external.CustomerParams{
			UserID:         user.ID,
			Email:          email,
			IdempotencyKey: customerIdempotencyKey(user.ID),
		})
		if err != nil {
			return "", err
		}

		stored, err := f.store.SetBillingCustomerID(ctx, user.ID, created)
		if err != nil {
			return "", err
		}
		if stored != created {
			f.logger.WarnContext(ctx, "billing customer already linked by a concurrent writer",
				"user_id", user.ID,
				"created_customer_id", created,
				"stored_customer_id", stored,
			)
		} else {
			f.logger.InfoContext(ctx, "billing customer linked",
				"user_id", user.ID,
				"customer_id", stored,
			)
		}
		return stored, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func customerIdempotencyKey(userID string) string {
	return "customer-" + uuid.NewSHA1(customerKeyNamespace, []byte(userID)).String()
}

// withQueryFlag sets key=true in rawURL's query string, leaving any fragment
// in place. An unparseable URL gets the flag appended as plain text.
func withQueryFlag(rawURL, key string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL + "?" + key + "=true"
	}
	flag := key + "=true"
	if q := strings.TrimRight(u.RawQuery, "&"); q != "" {
		flag = q + "&" + flag
	}
	u.RawQuery = flag
	return u.String()
}
