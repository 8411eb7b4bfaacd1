package billing

import (
	"context"
	"fmt"
	"log/slog"

	"billingrelay/internal/types"
)

// ambiguityProbe is the lookup limit that distinguishes one match from many.
const ambiguityProbe = 2

// Reconciler maps subscription state onto the user record linked to a
// provider customer. Writes are total overwrites, so replays and
// out-of-order deliveries converge on the last applied event.
type Reconciler struct {
	store  UserStore
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store UserStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Upsert stores snapshot on the record owning customerID and derives the
// plan from its status. No linked record yields not_found_user.
func (r *Reconciler) Upsert(ctx context.Context, customerID string, snapshot types.SubscriptionSnapshot) error {
	user, err := r.resolve(ctx, customerID)
	if err != nil {
		return err
	}
	if user == nil {
		return types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundUser,
			"no user is linked to the billing customer",
			nil,
			map[string]any{"customer_id": customerID},
		)
	}

	plan := types.PlanForStatus(snapshot.Status)
	if err := r.store.ApplySubscription(ctx, user.ID, &snapshot, plan); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "subscription applied",
		"user_id", user.ID,
		"customer_id", customerID,
		"subscription_id", snapshot.SubscriptionID,
		"status", snapshot.Status,
		"plan", plan,
	)
	return nil
}

// Clear removes the subscription and downgrades to free. It reports false
// without error when no record is linked to customerID.
func (r *Reconciler) Clear(ctx context.Context, customerID string) (bool, error) {
	user, err := r.resolve(ctx, customerID)
	if err != nil {
		return false, err
	}
	if user == nil {
		r.logger.InfoContext(ctx, "subscription deletion for unknown customer skipped",
			"customer_id", customerID,
		)
		return false, nil
	}

	if err := r.store.ApplySubscription(ctx, user.ID, nil, types.PlanFree); err != nil {
		return false, err
	}

	r.logger.InfoContext(ctx, "subscription cleared",
		"user_id", user.ID,
		"customer_id", customerID,
	)
	return true, nil
}

// resolve returns the single linked record, nil when none is linked, or an
// ambiguity error when several records claim the customer.
func (r *Reconciler) resolve(ctx context.Context, customerID string) (*types.User, error) {
	users, err := r.store.FindByBillingCustomerID(ctx, customerID, ambiguityProbe)
	if err != nil {
		return nil, err
	}
	switch len(users) {
	case 0:
		return nil, nil
	case 1:
		return users[0], nil
	default:
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		r.logger.ErrorContext(ctx, "billing customer linked to multiple users",
			"customer_id", customerID,
			"user_ids", ids,
		)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeInternalAmbiguousCustomer,
			fmt.Sprintf("billing customer is linked to %d or more users", len(users)),
			nil,
			map[string]any{"customer_id": customerID},
		)
	}
}
