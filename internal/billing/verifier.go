package billing

import (
	"encoding/json"
	"errors"
	"time"

	"billingrelay/internal/types"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultSignatureTolerance is how old a signed timestamp may be.
const DefaultSignatureTolerance = webhook.DefaultTolerance

// VerifiedEvent is a webhook event whose signature has been checked.
// Data.Object stays raw; the dispatcher decodes it per event type.
type VerifiedEvent struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Livemode   bool   `json:"livemode"`
	APIVersion string `json:"api_version"`
	Data       struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// SignatureVerifier authenticates raw webhook payloads against the Stripe
// signing scheme (t=<ts>,v1=<hmac-sha256 hex>).
type SignatureVerifier struct {
	tolerance time.Duration
}

// NewSignatureVerifier creates a verifier. A zero tolerance selects
// DefaultSignatureTolerance.
func NewSignatureVerifier(tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &SignatureVerifier{tolerance: tolerance}
}

// Verify checks the signature over the untouched request bytes and only then
// parses them. It never mutates rawBody.
func (v *SignatureVerifier) Verify(rawBody []byte, signatureHeader, secret string) (*VerifiedEvent, error) {
	if signatureHeader == "" {
		return nil, types.NewAppError(types.ErrCodeSignatureMissing, "missing Stripe-Signature header", nil)
	}
	if secret == "" {
		return nil, types.NewAppError(types.ErrCodeSignatureMissing, "webhook signing secret is not configured", nil)
	}

	if err := webhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, secret, v.tolerance); err != nil {
		return nil, mapSignatureError(err)
	}

	var evt VerifiedEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "webhook payload is not valid JSON", err)
	}
	if evt.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "webhook payload has no event type", nil)
	}
	return &evt, nil
}

func mapSignatureError(err error) *types.AppError {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return types.NewAppError(types.ErrCodeSignatureMissing, "webhook payload is not signed", err)
	case errors.Is(err, webhook.ErrTooOld):
		return types.NewAppError(types.ErrCodeSignatureInvalid, "webhook signature timestamp outside tolerance", err)
	case errors.Is(err, webhook.ErrInvalidHeader):
		return types.NewAppError(types.ErrCodeSignatureInvalid, "malformed Stripe-Signature header", err)
	default:
		return types.NewAppError(types.ErrCodeSignatureInvalid, "webhook signature mismatch", err)
	}
}
