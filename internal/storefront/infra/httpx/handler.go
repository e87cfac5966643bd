package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/checkout"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/reconcile"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/httpx/middlewares"
)

// MaxBodyBytes bounds checkout and webhook bodies.
const MaxBodyBytes = 1 << 20

// CheckoutService is the part of checkout.Service the handlers use.
type CheckoutService interface {
	Checkout(ctx context.Context, sub checkout.Submission) (checkout.Result, error)
	Quote(ctx context.Context, in checkout.QuoteInput) (checkout.Breakdown, error)
}

// WebhookReconciler is the part of reconcile.Reconciler the handlers use.
type WebhookReconciler interface {
	Handle(ctx context.Context, gateway string, rawBody []byte, headers http.Header) (reconcile.Outcome, error)
}

// Handler adapts HTTP requests to the checkout, quote and webhook services.
// It owns the translation from error kind to status code.
type Handler struct {
	checkout   CheckoutService
	reconciler WebhookReconciler
	store      ports.OrderStore
}

func NewHandler(cs CheckoutService, wr WebhookReconciler, store ports.OrderStore) *Handler {
	return &Handler{checkout: cs, reconciler: wr, store: store}
}

// Checkout serves POST /checkout; the gateway follows paymentMethod.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, "")
}

// CheckoutPayPal serves POST /checkout-paypal.
func (h *Handler) CheckoutPayPal(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, checkout.GatewayPayPal)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, gateway string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	idempKey, _ := r.Context().Value(constants.ContextKeyIdempotencyKey).(string)
	res, err := h.checkout.Checkout(r.Context(), checkout.Submission{
		Body:           body,
		Origin:         r.Header.Get("Origin"),
		Referer:        r.Header.Get("Referer"),
		IdempotencyKey: idempKey,
		Gateway:        gateway,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: res.URL})
}

// StripeWebhook serves POST /webhooks/stripe.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, checkout.GatewayStripe)
}

// PayPalWebhook serves POST /webhooks/paypal.
func (h *Handler) PayPalWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, checkout.GatewayPayPal)
}

// webhook acknowledges every processed delivery with 200, including ones
// that changed nothing. Only a non-2xx makes the provider redeliver.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, gateway string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	outcome, err := h.reconciler.Handle(r.Context(), gateway, body, r.Header)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "webhook processed", "gateway", gateway, "outcome", string(outcome))
	writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

// Quote serves GET /pricing/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &errs.ValidationError{}
	in := checkout.QuoteInput{
		ProductName:    strings.TrimSpace(q.Get("productName")),
		Width:          parseFloat(verr, q, "width"),
		Height:         parseFloat(verr, q, "height"),
		Quantity:       parseInt(verr, q, "quantity"),
		DeliveryOption: entity.DeliveryOption(q.Get("deliveryOption")),
	}
	if err := verr.OrNil(); err != nil {
		writeDomainError(w, r, err)
		return
	}

	b, err := h.checkout.Quote(r.Context(), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapQuote(b))
}

// GetOrderByID serves GET /admin/orders/{id}.
func (h *Handler) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	slog.InfoContext(r.Context(), "admin order lookup", "order_id", orderID, "admin", middlewares.AdminSubject(r.Context()))

	order, err := h.store.GetByID(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(order))
}

// Healthz serves GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return nil, false
	}
	return body, true
}

func parseFloat(verr *errs.ValidationError, q url.Values, field string) float64 {
	raw := firstValue(q, field)
	if raw == "" {
		verr.Add(field, field+" is required")
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		verr.Add(field, "must be a number")
		return 0
	}
	return v
}

func parseInt(verr *errs.ValidationError, q url.Values, field string) int {
	raw := firstValue(q, field)
	if raw == "" {
		verr.Add(field, field+" is required")
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(field, "must be an integer")
		return 0
	}
	return v
}

func firstValue(q url.Values, key string) string {
	return strings.TrimSpace(q.Get(key))
}

// writeDomainError maps the error taxonomy onto status codes. Server-side
// failures are logged with their cause and answered with a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *errs.ValidationError
		perr *errs.PricingError
		aerr *errs.AuthenticityError
		uerr *errs.UpstreamError
		serr *errs.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Details: verr.Fields})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pricing_error", Message: perr.Reason})
	case errors.As(err, &aerr):
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, errs.ErrInProgress):
		writeError(w, http.StatusConflict, "checkout_in_progress", "a checkout with this idempotency key is still being processed")
	case errors.As(err, &uerr):
		slog.ErrorContext(r.Context(), "payment gateway failure", "gateway", uerr.Gateway, "op", uerr.Op, "error", uerr.Err)
		writeError(w, http.StatusInternalServerError, "upstream_error", "the payment provider could not be reached, please try again")
	case errors.As(err, &serr):
		slog.ErrorContext(r.Context(), "order store failure", "op", serr.Op, "error", serr.Err)
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong, please try again")
	default:
		slog.ErrorContext(r.Context(), "unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong, please try again")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
