// Package billing holds the subscription domain logic: webhook signature
// verification, event dispatch, subscription reconciliation and creation of
// hosted checkout and portal sessions.
package billing

import (
	"context"

	"billingrelay/internal/types"
)

// UserStore is the persistence contract for the billing fields of a user
// record. Implementations live in internal/docstore (Firestore) and
// internal/db (Postgres).
type UserStore interface {
	// GetByID returns the record or a not_found_user AppError.
	GetByID(ctx context.Context, userID string) (*types.User, error)

	// FindByBillingCustomerID returns at most limit records linked to the
	// provider customer id. Callers pass a limit of 2 to detect ambiguity.
	FindByBillingCustomerID(ctx context.Context, customerID string, limit int) ([]*types.User, error)

	// SetBillingCustomerID links the record to customerID only if no customer
	// id is stored yet. It returns the id that is stored after the call,
	// which differs from customerID when another writer won.
	SetBillingCustomerID(ctx context.Context, userID, customerID string) (string, error)

	// ApplySubscription overwrites the subscription snapshot and plan
	// together. A nil snapshot clears the subscription.
	ApplySubscription(ctx context.Context, userID string, snapshot *types.SubscriptionSnapshot, plan types.PlanTier) error
}

// StructValidator validates tagged input structs and returns a validation
// AppError on failure.
type StructValidator interface {
	ValidateStruct(v any) error
}
