// Package handlers contains the HTTP handler implementations for the billing
// relay.
//
// The webhook handler is NOT behind auth middleware; it is called directly by
// Stripe and authenticated by the Stripe-Signature header.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingrelay/internal/billing"
	"billingrelay/internal/core"
	"billingrelay/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier authenticates a raw payload and parses it into an event.
type WebhookVerifier interface {
	Verify(rawBody []byte, signatureHeader, secret string) (*billing.VerifiedEvent, error)
}

// EventDispatcher applies a verified event to local billing state.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt *billing.VerifiedEvent) (billing.Outcome, error)
}

// StripeWebhookHandler handles asynchronous events from Stripe.
type StripeWebhookHandler struct {
	verifier   WebhookVerifier
	dispatcher EventDispatcher
	secret     string
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler with the provided dependencies.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	dispatcher EventDispatcher,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint and its legacy alias. These
// routes are public (no auth middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
	r.Post("/stripe/webhook", h.Handle)
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads the raw body (64 KB cap) before any parsing.
//  2. Verifies the signature and parses the event.
//  3. Dispatches by event type.
//
// Signature and payload problems answer 400 so Stripe stops retrying. A
// missing user answers 404 and store failures 500; Stripe retries both.
// Everything else, including ignored event types, is acknowledged with 200.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	evt, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		logger.WarnContext(ctx, "webhook rejected",
			"error_code", string(types.CodeOf(err)),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	logger = logger.With("event_id", evt.ID, "event_type", evt.Type)

	outcome, err := h.dispatcher.Dispatch(ctx, evt)
	if err != nil {
		code := types.CodeOf(err)
		if code.HTTPStatus() >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "webhook event processing failed", "error_code", string(code), "error", err)
		} else {
			logger.WarnContext(ctx, "webhook event not applied", "error_code", string(code), "error", err)
		}
		core.Error(w, r, err)
		return
	}

	logger.InfoContext(ctx, "webhook event processed", "outcome", string(outcome))
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}
