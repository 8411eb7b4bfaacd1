package external

import "context"

// BillingProvider abstracts the provider calls the session factory needs.
// StripeClient is the production implementation.
type BillingProvider interface {
	// CreateCustomer creates a provider customer and returns its id.
	CreateCustomer(ctx context.Context, p CustomerParams) (string, error)

	// CreateCheckoutSession creates a hosted checkout for a subscription.
	CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error)

	// CreatePortalSession creates a self-service portal session and returns its URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

var _ BillingProvider = (*StripeClient)(nil)
