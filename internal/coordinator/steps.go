package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

// CheckoutState is shared by the checkout steps of one request.
type CheckoutState struct {
	Order    *entity.Order
	Amount   decimal.Decimal
	Currency string
	URLs     ports.CallbackURLs
	Session  ports.Session
}

// --- PersistOrderStep ---

// PersistOrderStep inserts the pending order before any gateway is contacted.
type PersistOrderStep struct {
	store ports.OrderStore
	state *CheckoutState
}

func NewPersistOrderStep(store ports.OrderStore, state *CheckoutState) *PersistOrderStep {
	return &PersistOrderStep{store: store, state: state}
}

func (s *PersistOrderStep) Name() string { return "persist-order" }

func (s *PersistOrderStep) Execute(ctx context.Context) error {
	if err := s.store.Insert(ctx, s.state.Order); err != nil {
		return errs.Persistence("insert order", err)
	}
	return nil
}

// Compensate keeps the order: a PENDING_CHECKOUT row without a gateway id is
// the documented outcome of a failed checkout.
func (s *PersistOrderStep) Compensate(ctx context.Context) error {
	return nil
}

// --- CreateSessionStep ---

// CreateSessionStep opens the hosted checkout with the selected gateway.
type CreateSessionStep struct {
	gateway ports.Gateway
	state   *CheckoutState
}

func NewCreateSessionStep(gateway ports.Gateway, state *CheckoutState) *CreateSessionStep {
	return &CreateSessionStep{gateway: gateway, state: state}
}

func (s *CreateSessionStep) Name() string { return "create-session" }

func (s *CreateSessionStep) Execute(ctx context.Context) error {
	session, err := s.gateway.CreateCheckout(ctx, s.state.Order, s.state.Amount, s.state.Currency, s.state.URLs)
	if err != nil {
		return errs.Upstream(s.gateway.Name(), "create checkout", err)
	}
	if session.ExternalID == "" || session.RedirectURL == "" {
		return errs.Upstream(s.gateway.Name(), "create checkout", fmt.Errorf("incomplete session in response"))
	}
	s.state.Session = session
	return nil
}

// Compensate voids the hosted checkout so nobody can pay for an order whose
// record does not know the session.
func (s *CreateSessionStep) Compensate(ctx context.Context) error {
	canceller, ok := s.gateway.(ports.SessionCanceller)
	if !ok {
		slog.WarnContext(ctx, "gateway cannot cancel sessions, leaving it to expire",
			"gateway", s.gateway.Name(),
			"external_id", s.state.Session.ExternalID,
		)
		return nil
	}
	// The request context may already be past its deadline.
	return canceller.CancelCheckout(context.WithoutCancel(ctx), s.state.Session.ExternalID)
}

// --- AttachSessionStep ---

// AttachSessionStep stores the gateway id on the order so webhooks can find it.
type AttachSessionStep struct {
	store   ports.OrderStore
	gateway string
	state   *CheckoutState
}

func NewAttachSessionStep(store ports.OrderStore, gateway string, state *CheckoutState) *AttachSessionStep {
	return &AttachSessionStep{store: store, gateway: gateway, state: state}
}

func (s *AttachSessionStep) Name() string { return "attach-session" }

func (s *AttachSessionStep) Execute(ctx context.Context) error {
	if err := s.store.AttachGatewayOrder(ctx, s.state.Order.ID, s.gateway, s.state.Session.ExternalID); err != nil {
		return errs.Persistence("attach gateway order", err)
	}
	s.state.Order.Gateway = s.gateway
	s.state.Order.GatewayOrderID = s.state.Session.ExternalID
	return nil
}

// Compensate is a no-op as it's the last step.
func (s *AttachSessionStep) Compensate(ctx context.Context) error {
	return nil
}
