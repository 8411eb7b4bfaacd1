package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"billingrelay/internal/types"
)

// UserRepository provides billing data access for the users table. Only the
// billing columns are read or written; the rest of the row belongs to the
// wider application.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
const userColumns = `u.id, u.email, u.stripe_customer_id, u.subscription, u.plan, u.updated_at`

// scanUser scans a single user row into a types.User struct.
// The columns must match the order defined in userColumns.
func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var (
		email        *string
		customerID   *string
		subscription []byte
		plan         *string
	)
	if err := row.Scan(
		&u.ID,
		&email,
		&customerID,
		&subscription,
		&plan,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if email != nil {
		u.Email = *email
	}
	if customerID != nil {
		u.BillingCustomerID = *customerID
	}
	u.Plan = types.PlanFree
	if plan != nil && *plan != "" {
		u.Plan = types.PlanTier(*plan)
	}
	if len(subscription) > 0 && string(subscription) != "null" {
		var snap types.SubscriptionSnapshot
		if err := json.Unmarshal(subscription, &snap); err != nil {
			return nil, fmt.Errorf("decoding subscription for user %s: %w", u.ID, err)
		}
		u.Subscription = &snap
	}
	return &u, nil
}

// GetByID retrieves a user by ID.
// Returns ErrCodeNotFoundUser if no user exists.
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.id = $1`,
		userID,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// FindByBillingCustomerID returns at most limit users linked to customerID.
func (r *UserRepository) FindByBillingCustomerID(ctx context.Context, customerID string, limit int) ([]*types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.stripe_customer_id = $1
		 ORDER BY u.id
		 LIMIT $2`,
		customerID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query users by customer", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate users", err)
	}
	return users, nil
}

// SetBillingCustomerID links customerID to the user unless a customer is
// already linked. An empty stored id counts as unlinked. It returns the id stored after the statement, which is the
// existing one when a concurrent writer got there first.
func (r *UserRepository) SetBillingCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var stored string
	err := r.db.QueryRow(ctx,
		`UPDATE users
		 SET stripe_customer_id = COALESCE(NULLIF(stripe_customer_id, ''), $2),
		     updated_at = CASE WHEN COALESCE(stripe_customer_id, '') = '' THEN now() ELSE updated_at END
		 WHERE id = $1
		 RETURNING stripe_customer_id`,
		userID,
		customerID,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to link billing customer", err)
	}
	return stored, nil
}

// ApplySubscription replaces the subscription snapshot and plan. A nil
// snapshot stores SQL NULL.
func (r *UserRepository) ApplySubscription(ctx context.Context, userID string, snapshot *types.SubscriptionSnapshot, plan types.PlanTier) error {
	var payload []byte
	if snapshot != nil {
		var err error
		payload, err = json.Marshal(snapshot)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode subscription", err)
		}
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET subscription = $2, plan = $3, updated_at = now()
		 WHERE id = $1`,
		userID,
		payload,
		string(plan),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
