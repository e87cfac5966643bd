// Package stripe adapts Stripe Checkout to ports.Gateway.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

const Name = "stripe"

const signatureHeader = "Stripe-Signature"

type Config struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides https://api.stripe.com, for stripe-mock or tests.
	APIURL  string
	Timeout time.Duration
}

type Gateway struct {
	api           *client.API
	webhookSecret string
}

var (
	_ ports.Gateway          = (*Gateway)(nil)
	_ ports.SessionCanceller = (*Gateway)(nil)
)

func New(cfg Config) *Gateway {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     slogLogger{},
		MaxNetworkRetries: stripeapi.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripeapi.String(strings.TrimRight(cfg.APIURL, "/"))
	}
	backends := &stripeapi.Backends{
		API:     stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg),
		Connect: stripeapi.GetBackendWithConfig(stripeapi.ConnectBackend, backendCfg),
		Uploads: stripeapi.GetBackendWithConfig(stripeapi.UploadsBackend, backendCfg),
	}
	return &Gateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *Gateway) Name() string { return Name }

// CreateCheckout opens a hosted session for the whole order as one line, so
// the charged amount is exactly the canonical discounted total.
func (g *Gateway) CreateCheckout(ctx context.Context, o *entity.Order, amount decimal.Decimal, currency string, urls ports.CallbackURLs) (ports.Session, error) {
	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL:         stripeapi.String(urls.Success),
		CancelURL:          stripeapi.String(urls.Cancel),
		ClientReferenceID:  stripeapi.String(o.ID),
		CustomerEmail:      stripeapi.String(o.Customer.Email),
		PaymentMethodTypes: stripeapi.StringSlice([]string{methodType(o.PaymentMethod)}),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{{
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripeapi.String(strings.ToLower(currency)),
				UnitAmount: stripeapi.Int64(minorUnits(amount)),
				ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripeapi.String(o.ProductName),
					Description: stripeapi.String(lineDescription(o)),
				},
			},
			Quantity: stripeapi.Int64(1),
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + o.ID)
	params.AddMetadata("order_id", o.ID)

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return ports.Session{}, fmt.Errorf("create session: %w", err)
	}
	return ports.Session{ExternalID: s.ID, RedirectURL: s.URL}, nil
}

// CancelCheckout expires an open session so it can no longer be paid.
func (g *Gateway) CancelCheckout(ctx context.Context, externalID string) error {
	params := &stripeapi.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.api.CheckoutSessions.Expire(externalID, params); err != nil {
		return fmt.Errorf("expire session %s: %w", externalID, err)
	}
	return nil
}

// VerifyWebhook is a local HMAC check of the Stripe-Signature header. It
// never errors: without a secret every delivery is rejected.
func (g *Gateway) VerifyWebhook(ctx context.Context, rawBody []byte, headers http.Header) (bool, error) {
	if g.webhookSecret == "" {
		slog.WarnContext(ctx, "stripe webhook secret not configured, rejecting delivery")
		return false, nil
	}
	if err := webhook.ValidatePayload(rawBody, headers.Get(signatureHeader), g.webhookSecret); err != nil {
		slog.WarnContext(ctx, "stripe signature check failed", "error", err)
		return false, nil
	}
	return true, nil
}

func (g *Gateway) ParseEvent(rawBody []byte) (ports.Event, error) {
	var ev stripeapi.Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return ports.Event{}, fmt.Errorf("decode stripe event: %w", err)
	}
	out := ports.Event{ID: ev.ID, Type: string(ev.Type), Kind: ports.EventIgnored}
	if !strings.HasPrefix(string(ev.Type), "checkout.session.") {
		return out, nil
	}
	if ev.Data == nil {
		return ports.Event{}, fmt.Errorf("stripe event %s has no data", ev.ID)
	}

	var s stripeapi.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return ports.Event{}, fmt.Errorf("decode checkout session: %w", err)
	}
	out.ExternalOrderID = s.ID
	out.Amount = decimal.New(s.AmountTotal, -2)
	if s.PaymentIntent != nil {
		out.CaptureID = s.PaymentIntent.ID
	}

	switch ev.Type {
	case "checkout.session.completed":
		switch s.PaymentStatus {
		case stripeapi.CheckoutSessionPaymentStatusPaid, stripeapi.CheckoutSessionPaymentStatusNoPaymentRequired:
			out.Kind = ports.EventCaptureCompleted
		default:
			// Delayed methods: the customer finished, funds arrive later.
			out.Kind = ports.EventOrderApproved
		}
	case "checkout.session.async_payment_succeeded":
		out.Kind = ports.EventCaptureCompleted
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		out.Kind = ports.EventCaptureDenied
	}
	return out, nil
}

// methodType maps a storefront payment method to a Stripe payment method type.
func methodType(method string) string {
	switch method {
	case "afterpay":
		return "afterpay_clearpay"
	case "cashapp", "klarna":
		return method
	default:
		// Apple Pay is offered through the card method.
		return "card"
	}
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func lineDescription(o *entity.Order) string {
	parts := []string{
		fmt.Sprintf("%d pcs", o.Quantity),
		fmt.Sprintf("%s x %s in", decimal.NewFromFloat(o.Dimensions.Width).String(), decimal.NewFromFloat(o.Dimensions.Height).String()),
		string(o.DeliveryOption) + " delivery",
	}
	if o.Backing != "" {
		parts = append(parts, o.Backing+" backing")
	}
	return strings.Join(parts, ", ")
}

// slogLogger routes stripe-go's leveled logging into slog.
type slogLogger struct{}

func (slogLogger) Debugf(format string, v ...interface{}) { slog.Debug(fmt.Sprintf(format, v...)) }
func (slogLogger) Infof(format string, v ...interface{})  { slog.Debug(fmt.Sprintf(format, v...)) }
func (slogLogger) Warnf(format string, v ...interface{})  { slog.Warn(fmt.Sprintf(format, v...)) }
func (slogLogger) Errorf(format string, v ...interface{}) { slog.Error(fmt.Sprintf(format, v...)) }
