package ports

import (
	"context"

	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
)

// OrderStore is the durable record of orders. Lookups return errs.ErrNotFound
// when nothing matches.
type OrderStore interface {
	Insert(ctx context.Context, o *entity.Order) error
	// AttachGatewayOrder records the gateway session id on an order that has
	// none yet. It fails if the order already carries one.
	AttachGatewayOrder(ctx context.Context, orderID, gateway, gatewayOrderID string) error
	GetByID(ctx context.Context, id string) (*entity.Order, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*entity.Order, error)
	// ApplyTransition performs a conditional write guarded by the stored
	// status. It reports false, without error, when the guard did not match.
	ApplyTransition(ctx context.Context, t entity.Transition) (bool, error)
	Ping(ctx context.Context) error
}
