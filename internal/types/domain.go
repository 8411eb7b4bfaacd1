package types

import "time"

// PlanTier is the user-facing entitlement derived from subscription status.
type PlanTier string

const (
	PlanFree PlanTier = "free"
	PlanPro  PlanTier = "pro"
)

// SubscriptionStatusActive is the only provider status that grants PlanPro.
// Trialing, past_due and every other status map to PlanFree.
const SubscriptionStatusActive = "active"

// Subscription webhook event types handled by the dispatcher.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// PlanForStatus is the single derivation of a plan tier from a provider
// subscription status.
func PlanForStatus(status string) PlanTier {
	if status == SubscriptionStatusActive {
		return PlanPro
	}
	return PlanFree
}

// SubscriptionSnapshot mirrors the provider's subscription at the moment an
// event was applied. It is replaced wholesale on every upsert.
type SubscriptionSnapshot struct {
	SubscriptionID    string `json:"subscriptionId" firestore:"subscriptionId"`
	PriceID           string `json:"priceId" firestore:"priceId"`
	Status            string `json:"status" firestore:"status"`
	CurrentPeriodEnd  int64  `json:"currentPeriodEnd" firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd" firestore:"cancelAtPeriodEnd"`
	TrialEnd          *int64 `json:"trialEnd" firestore:"trialEnd"`
}

// User is the billing-relevant projection of a user record. The record itself
// is owned by the wider application; this service only touches these fields.
type User struct {
	ID                string                `json:"id"`
	Email             string                `json:"email,omitempty"`
	BillingCustomerID string                `json:"stripeCustomerId,omitempty"`
	Subscription      *SubscriptionSnapshot `json:"subscription"`
	Plan              PlanTier              `json:"plan"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

// HasBillingCustomer reports whether the record is already linked to a
// provider customer.
func (u *User) HasBillingCustomer() bool {
	return u != nil && u.BillingCustomerID != ""
}
