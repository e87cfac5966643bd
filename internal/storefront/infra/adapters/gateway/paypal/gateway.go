// Package paypal adapts PayPal Orders v2 to ports.Gateway.
//
// Every call authenticates with an OAuth client-credentials token that the
// oauth2 transport caches and refreshes. Webhook verification is a remote
// call, so unlike Stripe it can fail for reasons unrelated to the delivery.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

const Name = "paypal"

// SandboxURL is the default API base.
const SandboxURL = "https://api-m.sandbox.paypal.com"

const (
	headerTransmissionID   = "Paypal-Transmission-Id"
	headerTransmissionTime = "Paypal-Transmission-Time"
	headerCertURL          = "Paypal-Cert-Url"
	headerTransmissionSig  = "Paypal-Transmission-Sig"
	headerAuthAlgo         = "Paypal-Auth-Algo"
	headerRequestID        = "PayPal-Request-Id"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	Timeout      time.Duration
}

type Gateway struct {
	baseURL   string
	webhookID string
	http      *http.Client
}

var (
	_ ports.Gateway         = (*Gateway)(nil)
	_ ports.PaymentCapturer = (*Gateway)(nil)
)

func New(cfg Config) *Gateway {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = SandboxURL
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token request uses this client too, so it is bounded as well.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	return &Gateway{baseURL: base, webhookID: cfg.WebhookID, http: httpClient}
}

func (g *Gateway) Name() string { return Name }

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
	Amount      money  `json:"amount"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
	UserAction string `json:"user_action"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
}

// CreateCheckout creates an order with intent CAPTURE and returns its
// approval link.
func (g *Gateway) CreateCheckout(ctx context.Context, o *entity.Order, amount decimal.Decimal, currency string, urls ports.CallbackURLs) (ports.Session, error) {
	req := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: o.ID,
			CustomID:    o.ID,
			Description: truncate(fmt.Sprintf("%s x%d", o.ProductName, o.Quantity), 127),
			Amount: money{
				CurrencyCode: strings.ToUpper(currency),
				Value:        amount.StringFixed(2),
			},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  urls.Success,
			CancelURL:  urls.Cancel,
			UserAction: "PAY_NOW",
		},
	}

	var resp orderResponse
	if err := g.do(ctx, http.MethodPost, "/v2/checkout/orders", o.ID, req, &resp); err != nil {
		return ports.Session{}, fmt.Errorf("create order: %w", err)
	}
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return ports.Session{ExternalID: resp.ID, RedirectURL: l.Href}, nil
		}
	}
	return ports.Session{}, fmt.Errorf("create order %s: no approval link in response", resp.ID)
}

// Capture captures an approved order. requestID makes the call idempotent on
// PayPal's side; an order that is already captured counts as success.
func (g *Gateway) Capture(ctx context.Context, externalOrderID, requestID string) error {
	err := g.do(ctx, http.MethodPost, "/v2/checkout/orders/"+externalOrderID+"/capture", requestID, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HasIssue("ORDER_ALREADY_CAPTURED") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture order %s: %w", externalOrderID, err)
	}
	return nil
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhook asks PayPal to check the transmission signature. Without a
// configured webhook id, or without the transmission headers, the delivery is
// rejected without a network call.
func (g *Gateway) VerifyWebhook(ctx context.Context, rawBody []byte, headers http.Header) (bool, error) {
	if g.webhookID == "" {
		slog.WarnContext(ctx, "paypal webhook id not configured, rejecting delivery")
		return false, nil
	}
	req := verifyRequest{
		AuthAlgo:         headers.Get(headerAuthAlgo),
		CertURL:          headers.Get(headerCertURL),
		TransmissionID:   headers.Get(headerTransmissionID),
		TransmissionSig:  headers.Get(headerTransmissionSig),
		TransmissionTime: headers.Get(headerTransmissionTime),
		WebhookID:        g.webhookID,
		WebhookEvent:     json.RawMessage(rawBody),
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" || req.TransmissionSig == "" || req.TransmissionTime == "" {
		return false, nil
	}
	if !json.Valid(rawBody) {
		return false, nil
	}

	var resp verifyResponse
	if err := g.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, &resp); err != nil {
		return false, fmt.Errorf("verify webhook signature: %w", err)
	}
	return resp.VerificationStatus == "SUCCESS", nil
}

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type eventResource struct {
	ID                string `json:"id"`
	Amount            *money `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	PurchaseUnits []struct {
		Amount money `json:"amount"`
	} `json:"purchase_units"`
}

func (g *Gateway) ParseEvent(rawBody []byte) (ports.Event, error) {
	var ev webhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return ports.Event{}, fmt.Errorf("decode paypal event: %w", err)
	}
	out := ports.Event{ID: ev.ID, Type: ev.EventType, Kind: ports.EventIgnored}

	switch ev.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.Kind = ports.EventOrderApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Kind = ports.EventCaptureCompleted
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Kind = ports.EventCaptureDenied
	default:
		return out, nil
	}

	var res eventResource
	if err := json.Unmarshal(ev.Resource, &res); err != nil {
		return ports.Event{}, fmt.Errorf("decode paypal %s resource: %w", ev.EventType, err)
	}

	var value string
	if out.Kind == ports.EventOrderApproved {
		out.ExternalOrderID = res.ID
		if len(res.PurchaseUnits) > 0 {
			value = res.PurchaseUnits[0].Amount.Value
		}
	} else {
		// Capture resources reference their order indirectly.
		out.ExternalOrderID = res.SupplementaryData.RelatedIDs.OrderID
		out.CaptureID = res.ID
		if res.Amount != nil {
			value = res.Amount.Value
		}
	}
	if value != "" {
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return ports.Event{}, fmt.Errorf("paypal %s amount %q: %w", ev.EventType, value, err)
		}
		out.Amount = amount
	}
	return out, nil
}

// APIError is a non-2xx PayPal response.
type APIError struct {
	Status  int
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paypal: %d %s: %s (debug_id %s)", e.Status, e.Name, e.Message, e.DebugID)
}

func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (g *Gateway) do(ctx context.Context, method, path, requestID string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if requestID != "" {
		req.Header.Set(headerRequestID, requestID)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
