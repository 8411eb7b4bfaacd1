// Package docstore implements the user store on Cloud Firestore, the system
// of record for user documents shared with the rest of the application.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"billingrelay/internal/types"
)

// Document field names. They match what the web application reads.
const (
	fieldCustomerID   = "stripeCustomerId"
	fieldSubscription = "subscription"
	fieldPlan         = "plan"
	fieldUpdatedAt    = "updatedAt"
)

// userDoc is the billing projection of a user document. Other fields on the
// document are ignored when decoding and never written.
type userDoc struct {
	Email            string                      `firestore:"email"`
	StripeCustomerID string                      `firestore:"stripeCustomerId"`
	Subscription     *types.SubscriptionSnapshot `firestore:"subscription"`
	Plan             string                      `firestore:"plan"`
	UpdatedAt        time.Time                   `firestore:"updatedAt"`
}

func (d userDoc) toUser(id string) *types.User {
	plan := types.PlanTier(d.Plan)
	if plan == "" {
		plan = types.PlanFree
	}
	return &types.User{
		ID:                id,
		Email:             d.Email,
		BillingCustomerID: d.StripeCustomerID,
		Subscription:      d.Subscription,
		Plan:              plan,
		UpdatedAt:         d.UpdatedAt,
	}
}

// FirestoreUserStore reads and writes billing fields on user documents keyed
// by user id.
type FirestoreUserStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreUserStore creates a store over the given collection.
func NewFirestoreUserStore(client *firestore.Client, collection string) *FirestoreUserStore {
	return &FirestoreUserStore{client: client, collection: collection}
}

func (s *FirestoreUserStore) users() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// GetByID returns the user document with the given id.
func (s *FirestoreUserStore) GetByID(ctx context.Context, userID string) (*types.User, error) {
	snap, err := s.users().Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return decodeSnapshot(snap)
}

// FindByBillingCustomerID runs an equality query on stripeCustomerId capped
// at limit documents.
func (s *FirestoreUserStore) FindByBillingCustomerID(ctx context.Context, customerID string, limit int) ([]*types.User, error) {
	snaps, err := s.users().
		Where(fieldCustomerID, "==", customerID).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query users by customer", err)
	}

	users := make([]*types.User, 0, len(snaps))
	for _, snap := range snaps {
		u, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// SetBillingCustomerID links customerID to the user inside a transaction
// unless a customer is already linked, and returns the id stored afterwards.
func (s *FirestoreUserStore) SetBillingCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	ref := s.users().Doc(userID)

	var stored string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc userDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		stored, err = linkOnce(doc.StripeCustomerID, customerID)
		if err != nil {
			return err
		}
		if doc.StripeCustomerID != "" {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: fieldCustomerID, Value: customerID},
			{Path: fieldUpdatedAt, Value: firestore.ServerTimestamp},
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to link billing customer", err)
	}
	return stored, nil
}

// ApplySubscription replaces the subscription map and plan. A nil snapshot
// writes null, the deletion shape the web application expects.
func (s *FirestoreUserStore) ApplySubscription(ctx context.Context, userID string, snapshot *types.SubscriptionSnapshot, plan types.PlanTier) error {
	_, err := s.users().Doc(userID).Update(ctx, subscriptionUpdates(snapshot, plan))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription", err)
	}
	return nil
}

// HealthProbe reports Firestore reachability on /health with a keys-only
// single document read.
func (s *FirestoreUserStore) HealthProbe() *HealthProbe {
	return &HealthProbe{store: s}
}

// HealthProbe checks that the users collection can be queried.
type HealthProbe struct {
	store *FirestoreUserStore
}

func (p *HealthProbe) Name() string { return "user_store" }

func (p *HealthProbe) Check(ctx context.Context) error {
	_, err := p.store.users().Select().Limit(1).Documents(ctx).GetAll()
	return err
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*types.User, error) {
	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to decode user %s", snap.Ref.ID), err)
	}
	return doc.toUser(snap.Ref.ID), nil
}

// errEmptyCustomerID guards against linking a blank id, which would leave the
// record looking unlinked.
var errEmptyCustomerID = errors.New("docstore: empty customer id")

// linkOnce decides the customer id a record holds after a link attempt.
func linkOnce(existing, candidate string) (string, error) {
	if existing != "" {
		return existing, nil
	}
	if candidate == "" {
		return "", errEmptyCustomerID
	}
	return candidate, nil
}

func subscriptionUpdates(snapshot *types.SubscriptionSnapshot, plan types.PlanTier) []firestore.Update {
	var value any
	if snapshot != nil {
		value = snapshot
	}
	return []firestore.Update{
		{Path: fieldSubscription, Value: value},
		{Path: fieldPlan, Value: string(plan)},
		{Path: fieldUpdatedAt, Value: firestore.ServerTimestamp},
	}
}
