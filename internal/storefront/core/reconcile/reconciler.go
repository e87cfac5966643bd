// Package reconcile applies verified payment webhooks to orders.
//
// Every delivery is treated as possibly duplicated, retried or out of order.
// A transition is written only through ports.OrderStore.ApplyTransition, whose
// status guard makes replays no-ops, so the optional event-id cache is an
// optimisation and never a correctness requirement.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/patch-storefront/internal/coordinator/journal"
	"github.com/jcmexdev/patch-storefront/internal/pkg/cache"
	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

// DefaultDedupTTL outlives the redelivery window of both providers.
const DefaultDedupTTL = 72 * time.Hour

var tracer = otel.Tracer("github.com/jcmexdev/patch-storefront/reconcile")

// Outcome says what a delivery did. Every outcome is acknowledged with 200.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeNoop         Outcome = "noop"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnknownOrder Outcome = "unknown-order"
	OutcomeDuplicate    Outcome = "duplicate"
)

type Options struct {
	// InsecureSkipVerify accepts unsigned deliveries. Configuration refuses
	// it in production.
	InsecureSkipVerify bool
	DedupTTL           time.Duration
}

type Reconciler struct {
	store    ports.OrderStore
	gateways map[string]ports.Gateway
	cache    cache.Cache        // nil-safe
	journal  journal.Repository // nil-safe
	opts     Options
	now      func() time.Time
}

// New builds a Reconciler. c and jr may be nil.
func New(store ports.OrderStore, gateways map[string]ports.Gateway, c cache.Cache, jr journal.Repository, opts Options) *Reconciler {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	return &Reconciler{
		store:    store,
		gateways: gateways,
		cache:    c,
		journal:  jr,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle verifies, parses and applies one delivery. Authenticity is checked
// before anything is read from the store.
func (r *Reconciler) Handle(ctx context.Context, gatewayName string, rawBody []byte, headers http.Header) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("payment.gateway", gatewayName))

	outcome, err := r.handle(ctx, gatewayName, rawBody, headers)
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
	}
	return outcome, err
}

func (r *Reconciler) handle(ctx context.Context, gatewayName string, rawBody []byte, headers http.Header) (Outcome, error) {
	gw, ok := r.gateways[gatewayName]
	if !ok {
		return "", errs.Upstream(gatewayName, "webhook", fmt.Errorf("gateway is not configured"))
	}

	if err := r.verify(ctx, gw, rawBody, headers); err != nil {
		return "", err
	}

	ev, err := gw.ParseEvent(rawBody)
	if err != nil {
		verr := &errs.ValidationError{}
		verr.Add("body", err.Error())
		return "", verr
	}
	log := slog.With("gateway", gw.Name(), "event_id", ev.ID, "event_type", ev.Type)

	target, ok := ev.Kind.Target()
	if !ok {
		log.DebugContext(ctx, "webhook event ignored")
		return OutcomeIgnored, nil
	}
	if ev.ExternalOrderID == "" {
		verr := &errs.ValidationError{}
		verr.Add("body", "event carries no order reference")
		return "", verr
	}

	dedupKey := ""
	if r.cache != nil && ev.ID != "" {
		dedupKey = r.cache.GenerateKey("webhook", gw.Name()+":"+ev.ID)
		if seen, err := r.cache.Get(ctx, dedupKey); err != nil {
			log.WarnContext(ctx, "webhook dedup lookup failed", "error", err)
		} else if seen != "" {
			log.InfoContext(ctx, "webhook event already processed")
			return OutcomeDuplicate, nil
		}
	}

	order, err := r.store.GetByGatewayOrderID(ctx, ev.ExternalOrderID)
	if errors.Is(err, errs.ErrNotFound) {
		log.WarnContext(ctx, "webhook for unknown gateway order, discarded", "gateway_order_id", ev.ExternalOrderID)
		r.record(ctx, ev.ExternalOrderID, journal.StatusRejected, gw.Name(), ev, "", "unknown gateway order")
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", errs.Persistence("lookup order by gateway id", err)
	}
	log = log.With("order_id", order.ID)

	outcome, err := r.apply(ctx, log, gw, order, ev, target)
	if err != nil {
		return "", err
	}

	if dedupKey != "" {
		if err := r.cache.Set(ctx, dedupKey, string(outcome), r.opts.DedupTTL); err != nil {
			log.WarnContext(ctx, "webhook dedup mark failed", "error", err)
		}
	}
	return outcome, nil
}

func (r *Reconciler) verify(ctx context.Context, gw ports.Gateway, rawBody []byte, headers http.Header) error {
	if r.opts.InsecureSkipVerify {
		slog.WarnContext(ctx, "webhook signature verification skipped (WEBHOOK_INSECURE_SKIP_VERIFY)", "gateway", gw.Name())
		return nil
	}
	ok, err := gw.VerifyWebhook(ctx, rawBody, headers)
	if err != nil {
		// Not a verdict on the delivery; a 5xx makes the provider retry.
		return errs.Upstream(gw.Name(), "verify webhook", err)
	}
	if !ok {
		slog.WarnContext(ctx, "webhook rejected: signature verification failed", "gateway", gw.Name())
		return &errs.AuthenticityError{Gateway: gw.Name(), Reason: "signature verification failed"}
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, gw ports.Gateway, order *entity.Order, ev ports.Event, target entity.Status) (Outcome, error) {
	applied := false
	if order.Status.Precedes(target) {
		t := entity.Transition{
			GatewayOrderID: ev.ExternalOrderID,
			Target:         target,
			At:             r.now(),
		}
		if target == entity.StatusConfirmed {
			paidAt := t.At
			t.AmountPaid = ev.Amount
			t.CaptureID = ev.CaptureID
			t.PaidAt = &paidAt
			if !ev.Amount.Equal(order.TotalPrice) {
				log.WarnContext(ctx, "captured amount differs from the order total",
					"amount_paid", ev.Amount.StringFixed(2),
					"total_price", order.TotalPrice.StringFixed(2),
				)
			}
		}

		var err error
		applied, err = r.store.ApplyTransition(ctx, t)
		if err != nil {
			return "", errs.Persistence("apply transition", err)
		}
	}

	outcome := OutcomeNoop
	if applied {
		outcome = OutcomeApplied
		log.InfoContext(ctx, "order transitioned", "from", order.Status, "to", target)
		r.record(ctx, order.ID, journal.StatusApplied, gw.Name(), ev, order.Status, "")
	} else {
		log.InfoContext(ctx, "webhook is a no-op for the current order state", "status", order.Status, "target", target)
		r.record(ctx, order.ID, journal.StatusNoop, gw.Name(), ev, order.Status, "")
	}

	if ev.Kind == ports.EventOrderApproved && (applied || order.Status == entity.StatusPaymentApproved) {
		if err := r.capture(ctx, log, gw, order, ev); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

// CaptureRequestID is the idempotency key sent with the capture of orderID.
// It must differ from orderID, which keys the order creation call.
func CaptureRequestID(orderID string) string { return "capture-" + orderID }

// capture completes an approved order on gateways that need a merchant
// capture. The provider request id is derived from the order id, so a
// retried approval cannot capture twice, yet never collides with the
// request id used to create the order.
func (r *Reconciler) capture(ctx context.Context, log *slog.Logger, gw ports.Gateway, order *entity.Order, ev ports.Event) error {
	capturer, ok := gw.(ports.PaymentCapturer)
	if !ok {
		return nil
	}
	if err := capturer.Capture(ctx, ev.ExternalOrderID, CaptureRequestID(order.ID)); err != nil {
		log.ErrorContext(ctx, "capture after approval failed", "error", err)
		r.record(ctx, order.ID, journal.StatusFailed, gw.Name(), ev, entity.StatusPaymentApproved, err.Error())
		return errs.Upstream(gw.Name(), "capture", err)
	}
	log.InfoContext(ctx, "capture requested")
	return nil
}

func (r *Reconciler) record(ctx context.Context, orderID string, status journal.Status, gateway string, ev ports.Event, from entity.Status, failure string) {
	detail, _ := json.Marshal(map[string]string{
		"gateway":        gateway,
		"eventId":        ev.ID,
		"kind":           string(ev.Kind),
		"gatewayOrderId": ev.ExternalOrderID,
		"from":           string(from),
	})
	var msgs []string
	if failure != "" {
		msgs = []string{failure}
	}
	entry := journal.NewEntry(ctx, orderID, status, ev.Type, string(detail), msgs)
	if err := journal.Record(ctx, r.journal, entry); err != nil {
		slog.WarnContext(ctx, "journal append failed", "order_id", orderID, "error", err)
	}
}
