// Package checkout turns a checkout submission into a persisted pending
// order and a hosted payment session.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/patch-storefront/internal/coordinator"
	"github.com/jcmexdev/patch-storefront/internal/coordinator/journal"
	"github.com/jcmexdev/patch-storefront/internal/pkg/cache"
	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/pricing"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

// DefaultIdempotencyTTL is how long a successful checkout is replayed for
// the same X-Idempotency-Key.
const DefaultIdempotencyTTL = 30 * time.Minute

// claimTTL bounds how long an in-flight marker can block its key if the
// process dies before releasing it.
const claimTTL = 2 * time.Minute

const inFlightMarker = "in-flight"

var tracer = otel.Tracer("github.com/jcmexdev/patch-storefront/checkout")

// Gateways indexes the configured providers by name.
type Gateways map[string]ports.Gateway

type Config struct {
	Currency       string
	IdempotencyTTL time.Duration
}

// Service is built once at startup; it holds no per-request state.
type Service struct {
	catalog  *pricing.Catalog
	store    ports.OrderStore
	gateways Gateways
	origins  *Origins
	cache    cache.Cache        // nil-safe: no idempotent replay without it
	journal  journal.Repository // nil-safe
	cfg      Config
	now      func() time.Time
}

// NewService wires the checkout pipeline. c and jr may be nil.
func NewService(
	catalog *pricing.Catalog,
	store ports.OrderStore,
	gateways Gateways,
	origins *Origins,
	c cache.Cache,
	jr journal.Repository,
	cfg Config,
) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return &Service{
		catalog:  catalog,
		store:    store,
		gateways: gateways,
		origins:  origins,
		cache:    c,
		journal:  jr,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submission is one checkout HTTP call.
type Submission struct {
	Body           []byte
	Origin         string
	Referer        string
	IdempotencyKey string

	// Gateway pins the provider. Empty means it follows paymentMethod.
	Gateway string
}

type Result struct {
	OrderID string `json:"orderId"`
	URL     string `json:"url"`

	// Replayed is set when the result came from the idempotency cache.
	Replayed bool `json:"-"`
}

// Checkout validates, prices, persists and opens a gateway session, in that
// order. Validation and pricing failures happen before any write.
func (s *Service) Checkout(ctx context.Context, sub Submission) (Result, error) {
	ctx, span := tracer.Start(ctx, "checkout")
	defer span.End()

	res, err := s.checkout(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("order.id", res.OrderID))
	return res, nil
}

func (s *Service) checkout(ctx context.Context, sub Submission) (Result, error) {
	req, err := ParseRequest(sub.Body, sub.Gateway == "")
	if err != nil {
		return Result{}, err
	}

	if cached, ok := s.replay(ctx, sub.IdempotencyKey); ok {
		return cached, nil
	}

	gatewayName := sub.Gateway
	method := req.PaymentMethod
	if gatewayName == "" {
		gatewayName = method.Gateway()
	} else if gatewayName == GatewayPayPal {
		method = MethodPayPal
	}
	gw, ok := s.gateways[gatewayName]
	if !ok {
		return Result{}, errs.Upstream(gatewayName, "select gateway", fmt.Errorf("gateway is not configured"))
	}

	quote, err := s.price(ctx, req.ProductName, req.Width, req.Height, req.Quantity)
	if err != nil {
		return Result{}, err
	}
	total := Discounted(quote.TotalPrice, req.DeliveryOption)
	if len(req.Price) > 0 && string(req.Price) != "null" {
		slog.DebugContext(ctx, "client-supplied price ignored", "client_price", string(req.Price), "canonical_total", total.StringFixed(2))
	}

	release, finished, err := s.claim(ctx, sub.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if finished != nil {
		return *finished, nil
	}
	succeeded := false
	defer func() {
		if !succeeded {
			release()
		}
	}()

	order := s.newOrder(req, method, quote, total)
	state := &coordinator.CheckoutState{
		Order:    order,
		Amount:   total,
		Currency: s.cfg.Currency,
		URLs:     CallbackURLs(s.origins.Base(sub.Origin, sub.Referer), order.ID),
	}
	steps := []coordinator.Step{
		coordinator.NewPersistOrderStep(s.store, state),
		coordinator.NewCreateSessionStep(gw, state),
		coordinator.NewAttachSessionStep(s.store, gw.Name(), state),
	}

	slog.InfoContext(ctx, "starting checkout",
		"order_id", order.ID,
		"gateway", gw.Name(),
		"product_name", order.ProductName,
		"total", total.StringFixed(2),
	)
	if err := coordinator.NewOrchestrator(order.ID, steps, s.journal).Start(ctx); err != nil {
		slog.ErrorContext(ctx, "checkout failed", "order_id", order.ID, "gateway", gw.Name(), "error", err)
		return Result{}, err
	}

	res := Result{OrderID: order.ID, URL: state.Session.RedirectURL}
	s.remember(ctx, sub.IdempotencyKey, res)
	succeeded = true
	return res, nil
}

func (s *Service) newOrder(req *Request, method PaymentMethod, q pricing.Quote, total decimal.Decimal) *entity.Order {
	now := s.now()
	return &entity.Order{
		ID:                  uuid.NewString(),
		Customer:            req.Customer,
		ShippingAddress:     req.ShippingAddress,
		ProductName:         req.ProductName,
		Quantity:            req.Quantity,
		Dimensions:          entity.Dimensions{Width: req.Width, Height: req.Height},
		Backing:             req.Backing,
		Color:               req.Color,
		DeliveryOption:      req.DeliveryOption,
		RushDate:            req.RushDate,
		Addons:              req.Addons,
		SpecialInstructions: req.SpecialInstructions,
		ArtworkURL:          req.ArtworkURL,
		PaymentMethod:       string(method),
		ResolvedSize:        q.ResolvedSize,
		UnitPrice:           q.UnitPrice,
		TotalPrice:          total,
		AmountPaid:          decimal.Zero,
		Status:              entity.StatusPendingCheckout,
		PaymentStatus:       entity.PaymentUnpaid,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (s *Service) replay(ctx context.Context, key string) (Result, bool) {
	if s.cache == nil || key == "" {
		return Result{}, false
	}
	raw, err := s.cache.Get(ctx, s.cache.GenerateKey("checkout", key))
	if err != nil {
		slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
		return Result{}, false
	}
	if raw == "" {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil || res.URL == "" {
		return Result{}, false
	}
	res.Replayed = true
	slog.InfoContext(ctx, "replaying checkout for idempotency key", "order_id", res.OrderID)
	return res, true
}

// claim marks key as in flight so a concurrent resubmission cannot start a
// second order. It returns the release func to call when checkout fails, or
// the finished result when another request completed with the same key in
// the meantime. Without a cache, or when the cache is down, checkout
// proceeds unclaimed.
func (s *Service) claim(ctx context.Context, key string) (func(), *Result, error) {
	noop := func() {}
	if s.cache == nil || key == "" {
		return noop, nil, nil
	}
	cacheKey := s.cache.GenerateKey("checkout", key)
	ok, err := s.cache.SetNX(ctx, cacheKey, inFlightMarker, claimTTL)
	if err != nil {
		slog.WarnContext(ctx, "idempotency claim failed, continuing unclaimed", "error", err)
		return noop, nil, nil
	}
	if !ok {
		if res, done := s.replay(ctx, key); done {
			return noop, &res, nil
		}
		slog.InfoContext(ctx, "checkout with this idempotency key is already in progress")
		return nil, nil, fmt.Errorf("checkout: %w", errs.ErrInProgress)
	}
	release := func() {
		// The request context may already be cancelled.
		if err := s.cache.Delete(context.WithoutCancel(ctx), cacheKey); err != nil {
			slog.WarnContext(ctx, "idempotency claim release failed", "error", err)
		}
	}
	return release, nil, nil
}

func (s *Service) remember(ctx context.Context, key string, res Result) {
	if s.cache == nil || key == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cache.GenerateKey("checkout", key), raw, s.cfg.IdempotencyTTL); err != nil {
		slog.WarnContext(ctx, "idempotency store failed", "order_id", res.OrderID, "error", err)
	}
}
