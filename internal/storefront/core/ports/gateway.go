package ports

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
)

// CallbackURLs are the customer return targets after the hosted checkout.
type CallbackURLs struct {
	Success string
	Cancel  string
}

// Session is a created hosted checkout.
type Session struct {
	ExternalID  string
	RedirectURL string
}

// EventKind is a provider event normalised to the lifecycle.
type EventKind string

const (
	EventOrderApproved    EventKind = "order-approved"
	EventCaptureCompleted EventKind = "capture-completed"
	EventCaptureDenied    EventKind = "capture-denied"
	// EventIgnored marks provider events that carry no lifecycle meaning.
	EventIgnored EventKind = ""
)

// Target returns the lifecycle state an event kind moves an order to.
func (k EventKind) Target() (entity.Status, bool) {
	switch k {
	case EventOrderApproved:
		return entity.StatusPaymentApproved, true
	case EventCaptureCompleted:
		return entity.StatusConfirmed, true
	case EventCaptureDenied:
		return entity.StatusPaymentFailed, true
	default:
		return "", false
	}
}

// Event is a parsed webhook.
type Event struct {
	ID              string
	Type            string
	Kind            EventKind
	ExternalOrderID string
	Amount          decimal.Decimal
	CaptureID       string
}

// Gateway is a payment provider able to host a checkout and report on it
// through webhooks.
type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, o *entity.Order, amount decimal.Decimal, currency string, urls CallbackURLs) (Session, error)
	// VerifyWebhook reports whether the delivery is authentic. An error means
	// verification could not be completed; callers must treat it as a rejection.
	VerifyWebhook(ctx context.Context, rawBody []byte, headers http.Header) (bool, error)
	ParseEvent(rawBody []byte) (Event, error)
}

// SessionCanceller is implemented by gateways that can void a hosted checkout
// before the customer pays.
type SessionCanceller interface {
	CancelCheckout(ctx context.Context, externalID string) error
}

// PaymentCapturer is implemented by gateways where an approved order still
// has to be captured by the merchant.
type PaymentCapturer interface {
	Capture(ctx context.Context, externalOrderID, requestID string) error
}
