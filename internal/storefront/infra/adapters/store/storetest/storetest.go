// Package storetest is a conformance suite every ports.OrderStore
// implementation runs from its own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

// NewOrder returns a valid pending order with a fresh id.
func NewOrder() *entity.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &entity.Order{
		ID:              uuid.NewString(),
		Customer:        entity.Customer{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "555-0100"},
		ShippingAddress: entity.Address{Line1: "1 Loom St", City: "London", State: "LDN", PostalCode: "N1", Country: "GB"},
		ProductName:     "Custom Embroidered Patches",
		Quantity:        50,
		Dimensions:      entity.Dimensions{Width: 3, Height: 3},
		Backing:         "iron-on",
		Color:           "navy",
		DeliveryOption:  entity.DeliveryStandard,
		Addons:          []string{"merrowed-border"},
		ArtworkURL:      "https://cdn.example.com/art.png",
		PaymentMethod:   "card",
		ResolvedSize:    3,
		UnitPrice:       decimal.RequireFromString("3.60"),
		TotalPrice:      decimal.RequireFromString("180.00"),
		AmountPaid:      decimal.Zero,
		Status:          entity.StatusPendingCheckout,
		PaymentStatus:   entity.PaymentUnpaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Run executes the suite against stores produced by newStore. Each subtest
// gets its own store.
func Run(t *testing.T, newStore func(t *testing.T) ports.OrderStore) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("AttachOnce", func(t *testing.T) { testAttachOnce(t, newStore(t)) })
	t.Run("AttachMissing", func(t *testing.T) { testAttachMissing(t, newStore(t)) })
	t.Run("TransitionGuard", func(t *testing.T) { testTransitionGuard(t, newStore(t)) })
	t.Run("ConfirmSetsPayment", func(t *testing.T) { testConfirmSetsPayment(t, newStore(t)) })
	t.Run("ConcurrentTransitions", func(t *testing.T) { testConcurrentTransitions(t, newStore(t)) })
}

func testInsertAndGet(t *testing.T, s ports.OrderStore) {
	ctx := context.Background()
	o := NewOrder()
	require.NoError(t, s.Insert(ctx, o))

	got, err := s.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.Customer, got.Customer)
	assert.Equal(t, o.ShippingAddress, got.ShippingAddress)
	assert.Equal(t, o.Addons, got.Addons)
	assert.Equal(t, o.Quantity, got.Quantity)
	assert.Equal(t, o.Dimensions, got.Dimensions)
	assert.True(t, o.TotalPrice.Equal(got.TotalPrice))
	assert.True(t, o.UnitPrice.Equal(got.UnitPrice))
	assert.True(t, got.AmountPaid.IsZero())
	assert.Equal(t, entity.StatusPendingCheckout, got.Status)
	assert.Equal(t, entity.PaymentUnpaid, got.PaymentStatus)
	assert.Empty(t, got.GatewayOrderID)
	assert.Nil(t, got.PaidAt)
	assert.True(t, o.CreatedAt.Equal(got.CreatedAt))
}

func testGetMissing(t *testing.T, s ports.OrderStore) {
	ctx := context.Background()

	_, err := s.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.GetByGatewayOrderID(ctx, "cs_missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testAttachOnce(t *testing.T, s ports.OrderStore) {
	ctx := context.Background()
	o := NewOrder()
	require.NoError(t, s.Insert(ctx, o))

	require.NoError(t, s.AttachGatewayOrder(ctx, o.ID, "stripe", "cs_test_1"))
	err := s.AttachGatewayOrder(ctx, o.ID, "stripe", "cs_test_2")
	assert.ErrorIs(t, err, errs.ErrConflict)

	got, err := s.GetByGatewayOrderID(ctx, "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, "stripe", got.Gateway)
}

func testAttachMissing(t *testing.T, s ports.OrderStore) {
	err := s.AttachGatewayOrder(context.Background(), "nope", "stripe", "cs_x")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func attached(t *testing.T, s ports.OrderStore, gatewayID string) *entity.Order {
	t.Helper()
	ctx := context.Background()
	o := NewOrder()
	require.NoError(t, s.Insert(ctx, o))
	require.NoError(t, s.AttachGatewayOrder(ctx, o.ID, "paypal", gatewayID))
	return o
}

func testTransitionGuard(t *testing.T, s ports.OrderStore) {
	ctx := context.Background()
	o := attached(t, s, "PP-1")
	at := time.Now().UTC()

	ok, err := s.ApplyTransition(ctx, entity.Transition{GatewayOrderID: "PP-1", Target: entity.StatusPaymentApproved, At: at})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplyTransition(ctx, entity.Transition{GatewayOrderID: "PP-1", Target: entity.StatusPaymentApproved, At: at})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate approval must not apply")

	ok, err = s.ApplyTransition(ctx, entity.Transition{GatewayOrderID: "PP-1", Target: entity.StatusPaymentFailed, At: at})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplyTransition(ctx, entity.Transition{GatewayOrderID: "PP-1", Target: entity.StatusConfirmed, At: at})
	require.NoError(t, err)
	assert.False(t, ok, "terminal orders never move")

	got, err := s.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPaymentFailed, got.Status)
	assert.Equal(t, entity.PaymentFailed, got.PaymentStatus)

	ok, err = s.ApplyTransition(ctx, entity.Transition{GatewayOrderID: "PP-unknown", Target: entity.StatusConfirmed, At: at})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConfirmSetsPayment(t *testing.T, s ports.OrderStore) {
	ctx := context.Background()
	o := attached(t, s, "PP-2")
	paidAt := time.Now().UTC().Truncate(time.Millisecond)

	ok, err := s.ApplyTransition(ctx, entity.Transition{
		GatewayOrderID: "PP-2",
		Target:         entity.StatusConfirmed,
		AmountPaid:     decimal.RequireFromString("180.00"),
		CaptureID:      "CAP-9",
		PaidAt:         &paidAt,
		At:             paidAt,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusConfirmed, got.Status)
	assert.Equal(t, entity.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "CAP-9", got.GatewayCaptureID)
	assert.True(t, got.AmountPaid.Equal(decimal.RequireFromString("180")))
	require.NotNil(t, got.PaidAt)
	assert.True(t, paidAt.Equal(*got.PaidAt))
}

func testConcurrentTransitions(t *testing.T, s ports.OrderStore) {
	ctx := context.Background()
	attached(t, s, "PP-3")

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ApplyTransition(ctx, entity.Transition{
				GatewayOrderID: "PP-3",
				Target:         entity.StatusConfirmed,
				AmountPaid:     decimal.RequireFromString("180.00"),
				CaptureID:      "CAP-3",
				At:             time.Now().UTC(),
			})
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}
