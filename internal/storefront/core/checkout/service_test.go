package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/patch-storefront/internal/pkg/cache"
	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/pricing"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/memory"
)

type mockGateway struct {
	name             string
	CreateCheckoutFn func(ctx context.Context, o *entity.Order, amount decimal.Decimal, currency string, urls ports.CallbackURLs) (ports.Session, error)
	calls            atomic.Int32
	lastAmount       decimal.Decimal
	lastURLs         ports.CallbackURLs
}

func (m *mockGateway) Name() string { return m.name }

func (m *mockGateway) CreateCheckout(ctx context.Context, o *entity.Order, amount decimal.Decimal, currency string, urls ports.CallbackURLs) (ports.Session, error) {
	m.calls.Add(1)
	m.lastAmount = amount
	m.lastURLs = urls
	if m.CreateCheckoutFn != nil {
		return m.CreateCheckoutFn(ctx, o, amount, currency, urls)
	}
	return ports.Session{ExternalID: m.name + "_" + o.ID, RedirectURL: "https://pay.example/" + o.ID}, nil
}

func (m *mockGateway) VerifyWebhook(context.Context, []byte, http.Header) (bool, error) {
	return true, nil
}

func (m *mockGateway) ParseEvent([]byte) (ports.Event, error) { return ports.Event{}, nil }

// countingStore records inserts and can be told to fail them.
type countingStore struct {
	*memory.Store
	inserts   atomic.Int32
	insertErr error
	lastID    string
}

func (s *countingStore) Insert(ctx context.Context, o *entity.Order) error {
	s.inserts.Add(1)
	if s.insertErr != nil {
		return s.insertErr
	}
	s.lastID = o.ID
	return s.Store.Insert(ctx, o)
}

type fixture struct {
	svc    *Service
	store  *countingStore
	stripe *mockGateway
	paypal *mockGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := pricing.LoadDefault()
	require.NoError(t, err)
	origins, err := NewOrigins([]string{"https://shop.example", "https://staging.shop.example"})
	require.NoError(t, err)

	f := &fixture{
		store:  &countingStore{Store: memory.NewStore()},
		stripe: &mockGateway{name: GatewayStripe},
		paypal: &mockGateway{name: GatewayPayPal},
	}
	f.svc = NewService(catalog, f.store,
		Gateways{GatewayStripe: f.stripe, GatewayPayPal: f.paypal},
		origins, cache.NewMemoryCache("storefront-test"), nil, Config{Currency: "usd"})
	return f
}

func body(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"productName": "Custom Embroidered Patches",
		"price":       0.01,
		"quantity":    50,
		"width":       3,
		"height":      3,
		"backing":     "iron-on",
		"color":       "navy",
		"customer": map[string]any{
			"name":  "Ada Lovelace",
			"email": "ada@example.com",
			"phone": "555-0100",
		},
		"shippingAddress": map[string]any{
			"line1":      "1 Loom St",
			"city":       "London",
			"postalCode": "N1",
			"country":    "GB",
		},
		"deliveryOption": "standard",
		"artworkUrl":     "https://cdn.example.com/art.png",
		"addons":         []string{"merrowed-border"},
		"paymentMethod":  "card",
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func (f *fixture) stored(t *testing.T, id string) *entity.Order {
	t.Helper()
	o, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestCheckoutPersistsCanonicalPrice(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, nil), Origin: "https://shop.example"})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/"+res.OrderID, res.URL)

	o := f.stored(t, res.OrderID)
	assert.Equal(t, 3, o.ResolvedSize)
	assert.True(t, o.UnitPrice.Equal(decimal.RequireFromString("3.60")))
	assert.True(t, o.TotalPrice.Equal(decimal.RequireFromString("180.00")))
	assert.Equal(t, entity.StatusPendingCheckout, o.Status)
	assert.Equal(t, GatewayStripe, o.Gateway)
	assert.Equal(t, "stripe_"+o.ID, o.GatewayOrderID)
	assert.True(t, f.stripe.lastAmount.Equal(decimal.RequireFromString("180.00")))
}

func TestCheckoutIgnoresClientPrice(t *testing.T) {
	for _, price := range []any{-100, 0, 0.01, 1e9, "free", nil} {
		f := newFixture(t)
		b := body(t, func(m map[string]any) { m["price"] = price })

		res, err := f.svc.Checkout(context.Background(), Submission{Body: b})
		require.NoError(t, err, "price %v", price)
		o := f.stored(t, res.OrderID)
		assert.True(t, o.TotalPrice.Equal(decimal.RequireFromString("180.00")), "price %v gave %s", price, o.TotalPrice)
	}
}

func TestCheckoutEconomyDiscount(t *testing.T) {
	f := newFixture(t)
	b := body(t, func(m map[string]any) {
		m["quantity"] = 100
		m["deliveryOption"] = "economy"
	})

	res, err := f.svc.Checkout(context.Background(), Submission{Body: b})
	require.NoError(t, err)

	o := f.stored(t, res.OrderID)
	assert.True(t, o.TotalPrice.Equal(decimal.RequireFromString("207.00")), "total %s", o.TotalPrice)
	assert.True(t, o.UnitPrice.Equal(decimal.RequireFromString("2.30")))
}

func TestCheckoutDimensionBoundaries(t *testing.T) {
	accepted := []float64{0.5, 50}
	rejected := []float64{0, -1, 0.49, 50.01}

	for _, v := range accepted {
		f := newFixture(t)
		b := body(t, func(m map[string]any) {
			m["width"] = v
			m["height"] = v
		})
		_, err := f.svc.Checkout(context.Background(), Submission{Body: b})
		assert.NoError(t, err, "dimension %v", v)
	}
	for _, v := range rejected {
		f := newFixture(t)
		_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, func(m map[string]any) { m["width"] = v })})
		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr, "dimension %v", v)
		assert.Equal(t, "width", verr.Fields[0].Field)
		assert.Zero(t, f.store.inserts.Load())
		assert.Zero(t, f.stripe.calls.Load())
	}
}

func TestCheckoutReportsEveryField(t *testing.T) {
	f := newFixture(t)
	b := body(t, func(m map[string]any) {
		m["quantity"] = 0
		delete(m["customer"].(map[string]any), "email")
		m["deliveryOption"] = "teleport"
	})

	_, err := f.svc.Checkout(context.Background(), Submission{Body: b})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := map[string]bool{}
	for _, fe := range verr.Fields {
		fields[fe.Field] = true
		assert.NotEmpty(t, fe.Message)
	}
	assert.True(t, fields["quantity"])
	assert.True(t, fields["customer.email"])
	assert.True(t, fields["deliveryOption"])
	assert.Zero(t, f.store.inserts.Load())
}

func TestCheckoutRushNeedsDate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, func(m map[string]any) { m["deliveryOption"] = "rush" })})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rushDate", verr.Fields[0].Field)

	res, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, func(m map[string]any) {
		m["deliveryOption"] = "rush"
		m["rushDate"] = "2030-05-01"
	})})
	require.NoError(t, err)
	assert.Equal(t, "2030-05-01", f.stored(t, res.OrderID).RushDate)
}

func TestCheckoutGatewayFailureLeavesPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.stripe.CreateCheckoutFn = func(context.Context, *entity.Order, decimal.Decimal, string, ports.CallbackURLs) (ports.Session, error) {
		return ports.Session{}, context.DeadlineExceeded
	}

	_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, nil)})
	var up *errs.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	o := f.stored(t, f.store.lastID)
	assert.Equal(t, entity.StatusPendingCheckout, o.Status)
	assert.Empty(t, o.GatewayOrderID)
}

func TestCheckoutPersistenceFailureSkipsGateway(t *testing.T) {
	f := newFixture(t)
	f.store.insertErr = errors.New("database is locked")

	_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, nil)})
	var pe *errs.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, f.stripe.calls.Load())
}

func TestCheckoutIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	sub := Submission{Body: body(t, nil), IdempotencyKey: "key-1"}

	first, err := f.svc.Checkout(context.Background(), sub)
	require.NoError(t, err)
	second, err := f.svc.Checkout(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, first.URL, second.URL)
	assert.True(t, second.Replayed)
	assert.Equal(t, int32(1), f.store.inserts.Load())
	assert.Equal(t, int32(1), f.stripe.calls.Load())
}

func TestCheckoutSameKeyInFlightIsRejected(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{}, 2)
	unblock := make(chan struct{})
	f.stripe.CreateCheckoutFn = func(_ context.Context, o *entity.Order, _ decimal.Decimal, _ string, _ ports.CallbackURLs) (ports.Session, error) {
		entered <- struct{}{}
		<-unblock
		return ports.Session{ExternalID: "cs_" + o.ID, RedirectURL: "https://pay.example/" + o.ID}, nil
	}
	sub := Submission{Body: body(t, nil), IdempotencyKey: "double-click"}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Checkout(context.Background(), sub)
		done <- outcome{res, err}
	}()
	<-entered

	_, err := f.svc.Checkout(context.Background(), sub)
	require.ErrorIs(t, err, errs.ErrInProgress)

	close(unblock)
	first := <-done
	require.NoError(t, first.err)

	again, err := f.svc.Checkout(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.res.URL, again.URL)
	assert.Equal(t, int32(1), f.store.inserts.Load())
	assert.Equal(t, int32(1), f.stripe.calls.Load())
}

func TestCheckoutFailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.stripe.CreateCheckoutFn = func(context.Context, *entity.Order, decimal.Decimal, string, ports.CallbackURLs) (ports.Session, error) {
		return ports.Session{}, errors.New("connection reset")
	}
	sub := Submission{Body: body(t, nil), IdempotencyKey: "retry-me"}

	_, err := f.svc.Checkout(context.Background(), sub)
	var up *errs.UpstreamError
	require.ErrorAs(t, err, &up)

	f.stripe.CreateCheckoutFn = nil
	res, err := f.svc.Checkout(context.Background(), sub)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.NotEmpty(t, res.URL)
	assert.Equal(t, int32(2), f.store.inserts.Load())
}

func TestCheckoutIdempotencyStillValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, nil), IdempotencyKey: "key-2"})
	require.NoError(t, err)

	_, err = f.svc.Checkout(context.Background(), Submission{
		Body:           body(t, func(m map[string]any) { m["quantity"] = -1 }),
		IdempotencyKey: "key-2",
	})
	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCheckoutCallbackURLsUseAllowList(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, nil), Origin: "https://staging.shop.example"})
	require.NoError(t, err)
	assert.Equal(t, "https://staging.shop.example/checkout/success?order_id="+res.OrderID, f.stripe.lastURLs.Success)

	res, err = f.svc.Checkout(context.Background(), Submission{Body: body(t, nil), Origin: "https://evil.example", Referer: "https://evil.example/x"})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/checkout/cancel?order_id="+res.OrderID, f.stripe.lastURLs.Cancel)
}

func TestCheckoutPayPalRouteIsFixed(t *testing.T) {
	f := newFixture(t)
	b := body(t, func(m map[string]any) { delete(m, "paymentMethod") })

	res, err := f.svc.Checkout(context.Background(), Submission{Body: b, Gateway: GatewayPayPal})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.paypal.calls.Load())
	assert.Zero(t, f.stripe.calls.Load())

	o := f.stored(t, res.OrderID)
	assert.Equal(t, GatewayPayPal, o.Gateway)
	assert.Equal(t, string(MethodPayPal), o.PaymentMethod)
}

func TestCheckoutRequiresMethodOnCardRoute(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, func(m map[string]any) { delete(m, "paymentMethod") })})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "paymentMethod", verr.Fields[0].Field)
}

func TestCheckoutUnknownProductUsesDefaultProfile(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, func(m map[string]any) { m["productName"] = "Custom Glow Widgets" })})
	require.NoError(t, err)
	assert.True(t, f.stored(t, res.OrderID).TotalPrice.Equal(decimal.RequireFromString("180.00")))
}

func TestCheckoutMissingGateway(t *testing.T) {
	f := newFixture(t)
	delete(f.svc.gateways, GatewayPayPal)

	_, err := f.svc.Checkout(context.Background(), Submission{Body: body(t, nil), Gateway: GatewayPayPal})
	var up *errs.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Zero(t, f.store.inserts.Load())
}

func TestQuote(t *testing.T) {
	f := newFixture(t)

	b, err := f.svc.Quote(context.Background(), QuoteInput{
		ProductName:    "Custom Embroidered Patches",
		Width:          3,
		Height:         3,
		Quantity:       100,
		DeliveryOption: entity.DeliveryEconomy,
	})
	require.NoError(t, err)
	assert.True(t, b.Quote.TotalPrice.Equal(decimal.RequireFromString("230")))
	assert.True(t, b.DiscountedTotal.Equal(decimal.RequireFromString("207")))
	assert.NotEmpty(t, b.Upsell)

	_, err = f.svc.Quote(context.Background(), QuoteInput{ProductName: "x", Width: 0, Height: 3, Quantity: 1})
	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestQuoteRejectsNonFiniteDimensions(t *testing.T) {
	f := newFixture(t)
	for name, v := range map[string]float64{
		"NaN":  math.NaN(),
		"+Inf": math.Inf(1),
		"-Inf": math.Inf(-1),
	} {
		t.Run(name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = f.svc.Quote(context.Background(), QuoteInput{ProductName: "x", Width: v, Height: 3, Quantity: 10})
			})
			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "width", verr.Fields[0].Field)
		})
	}
}

func TestDiscounted(t *testing.T) {
	total := decimal.RequireFromString("230.00")
	assert.True(t, Discounted(total, entity.DeliveryEconomy).Equal(decimal.RequireFromString("207.00")))
	assert.True(t, Discounted(total, entity.DeliveryRush).Equal(total))
	assert.True(t, Discounted(total, entity.DeliveryStandard).Equal(total))
}
