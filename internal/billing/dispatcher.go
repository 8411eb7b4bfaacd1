package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"billingrelay/internal/types"
)

// Outcome describes what dispatching an event did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeCleared Outcome = "cleared"
	OutcomeIgnored Outcome = "ignored"
	// OutcomeSkipped is a deletion for a customer no record is linked to.
	OutcomeSkipped Outcome = "skipped"
)

// subscriptionReconciler is the reconciler surface the dispatcher drives.
type subscriptionReconciler interface {
	Upsert(ctx context.Context, customerID string, snapshot types.SubscriptionSnapshot) error
	Clear(ctx context.Context, customerID string) (bool, error)
}

// Dispatcher routes verified events by type.
type Dispatcher struct {
	reconciler subscriptionReconciler
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(reconciler subscriptionReconciler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reconciler: reconciler, logger: logger}
}

// Dispatch applies the event. Unhandled types are acknowledged as ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *VerifiedEvent) (Outcome, error) {
	switch evt.Type {
	case types.EventSubscriptionCreated, types.EventSubscriptionUpdated:
		sub, err := decodeSubscription(evt.Data.Object)
		if err != nil {
			return "", err
		}
		if sub.ID == "" {
			return "", types.NewAppError(types.ErrCodeValidationMissingField, "subscription object has no id", nil)
		}
		if err := d.reconciler.Upsert(ctx, sub.customerID(), sub.snapshot()); err != nil {
			return "", err
		}
		return OutcomeApplied, nil

	case types.EventSubscriptionDeleted:
		sub, err := decodeSubscription(evt.Data.Object)
		if err != nil {
			return "", err
		}
		cleared, err := d.reconciler.Clear(ctx, sub.customerID())
		if err != nil {
			return "", err
		}
		if !cleared {
			return OutcomeSkipped, nil
		}
		return OutcomeCleared, nil

	default:
		d.logger.DebugContext(ctx, "ignoring unhandled stripe event",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		return OutcomeIgnored, nil
	}
}

// ---------------------------------------------------------------------------
// Subscription payload
// ---------------------------------------------------------------------------

// expandableID decodes a reference that is either an id string or an
// expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type stripeSubscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

type stripeSubscriptionObject struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	Status            string       `json:"status"`
	CurrentPeriodEnd  int64        `json:"current_period_end"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	TrialEnd          *int64       `json:"trial_end"`
	Items             struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

func decodeSubscription(raw json.RawMessage) (*stripeSubscriptionObject, error) {
	if len(raw) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "event has no data.object", nil)
	}
	var sub stripeSubscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed subscription object", err)
	}
	if sub.Customer == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("subscription %s has no customer", sub.ID), nil)
	}
	return &sub, nil
}

func (s *stripeSubscriptionObject) customerID() string {
	return string(s.Customer)
}

// snapshot projects the provider object onto the stored shape. Newer API
// versions report the billing period on the item instead of the subscription.
func (s *stripeSubscriptionObject) snapshot() types.SubscriptionSnapshot {
	snap := types.SubscriptionSnapshot{
		SubscriptionID:    s.ID,
		Status:            s.Status,
		CurrentPeriodEnd:  s.CurrentPeriodEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		TrialEnd:          s.TrialEnd,
	}
	if len(s.Items.Data) > 0 {
		first := s.Items.Data[0]
		snap.PriceID = first.Price.ID
		if snap.CurrentPeriodEnd == 0 {
			snap.CurrentPeriodEnd = first.CurrentPeriodEnd
		}
	}
	return snap
}
