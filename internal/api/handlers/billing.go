package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingrelay/internal/billing"
	"billingrelay/internal/core"
	"billingrelay/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally and injected via the constructor so tests can supply
// hand-written fakes.

// SessionService creates hosted checkout and portal sessions.
type SessionService interface {
	CreateCheckoutSession(ctx context.Context, in billing.CheckoutInput) (*billing.CheckoutResult, error)
	ValidatePortal(in billing.PortalInput) error
	CreatePortalSession(ctx context.Context, in billing.PortalInput) (*billing.PortalResult, error)
}

// UserLookup resolves the caller's stored record for ownership checks.
type UserLookup interface {
	GetByID(ctx context.Context, userID string) (*types.User, error)
}

// BillingHandler serves the authenticated session endpoints.
type BillingHandler struct {
	sessions SessionService
	users    UserLookup
	logger   *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(sessions SessionService, users UserLookup, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		sessions: sessions,
		users:    users,
		logger:   logger,
	}
}

// RegisterRoutes mounts the session endpoints. The parent router applies
// auth middleware.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe/create-checkout-session", h.CreateCheckoutSession)
	r.Post("/stripe/create-portal-session", h.CreatePortalSession)
}

// CreateCheckoutSession handles POST /api/stripe/create-checkout-session.
// The caller may only start a checkout for themselves.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	actor, ok := types.GetActor(ctx)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return
	}

	var in billing.CheckoutInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}

	if in.UserID != "" && in.UserID != actor.ID {
		logger.WarnContext(ctx, "checkout requested for another user",
			"actor_id", actor.ID,
			"user_id", in.UserID,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionUserMismatch,
			"userId does not match the authenticated user",
			nil,
		))
		return
	}
	in.Email = actor.Email

	result, err := h.sessions.CreateCheckoutSession(ctx, in)
	if err != nil {
		h.logFailure(ctx, logger, "checkout session failed", err, "user_id", in.UserID)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, result)
}

// CreatePortalSession handles POST /api/stripe/create-portal-session. The
// request shape is validated before the ownership lookup, and the customer
// must belong to the caller's record.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	actor, ok := types.GetActor(ctx)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return
	}

	var in billing.PortalInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.sessions.ValidatePortal(in); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.users.GetByID(ctx, actor.ID)
	if err != nil {
		h.logFailure(ctx, logger, "portal owner lookup failed", err, "user_id", actor.ID)
		core.Error(w, r, err)
		return
	}
	if user.BillingCustomerID != in.CustomerID {
		logger.WarnContext(ctx, "portal requested for a customer the caller does not own",
			"user_id", actor.ID,
			"customer_id", in.CustomerID,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionCustomerMismatch,
			"customerId does not belong to the authenticated user",
			nil,
		))
		return
	}

	result, err := h.sessions.CreatePortalSession(ctx, in)
	if err != nil {
		h.logFailure(ctx, logger, "portal session failed", err, "customer_id", in.CustomerID)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, result)
}

// logFailure logs client errors at warn and everything else at error.
func (h *BillingHandler) logFailure(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	code := types.CodeOf(err)
	attrs = append(attrs, "error_code", string(code), "error", err)
	if code.HTTPStatus() >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	logger.WarnContext(ctx, msg, attrs...)
}
