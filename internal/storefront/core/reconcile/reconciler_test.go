package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/patch-storefront/internal/coordinator/journal"
	"github.com/jcmexdev/patch-storefront/internal/pkg/cache"
	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/memory"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/storetest"
)

// mockGateway decodes bodies that are JSON-encoded ports.Event values.
type mockGateway struct {
	VerifyFn  func() (bool, error)
	CaptureFn func(externalOrderID, requestID string) error

	mu       sync.Mutex
	verified int
	captures []string
}

func (g *mockGateway) Name() string { return "paypal" }

func (g *mockGateway) CreateCheckout(context.Context, *entity.Order, decimal.Decimal, string, ports.CallbackURLs) (ports.Session, error) {
	return ports.Session{}, errors.New("not used")
}

func (g *mockGateway) VerifyWebhook(context.Context, []byte, http.Header) (bool, error) {
	g.mu.Lock()
	g.verified++
	g.mu.Unlock()
	if g.VerifyFn != nil {
		return g.VerifyFn()
	}
	return true, nil
}

func (g *mockGateway) ParseEvent(raw []byte) (ports.Event, error) {
	var ev ports.Event
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

func (g *mockGateway) Capture(_ context.Context, externalOrderID, requestID string) error {
	g.mu.Lock()
	g.captures = append(g.captures, externalOrderID+"/"+requestID)
	g.mu.Unlock()
	if g.CaptureFn != nil {
		return g.CaptureFn(externalOrderID, requestID)
	}
	return nil
}

// spyStore counts writes so tests can assert that nothing was mutated.
type spyStore struct {
	*memory.Store
	mu          sync.Mutex
	transitions int
	lookups     int
}

func (s *spyStore) GetByGatewayOrderID(ctx context.Context, id string) (*entity.Order, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.Store.GetByGatewayOrderID(ctx, id)
}

func (s *spyStore) ApplyTransition(ctx context.Context, t entity.Transition) (bool, error) {
	s.mu.Lock()
	s.transitions++
	s.mu.Unlock()
	return s.Store.ApplyTransition(ctx, t)
}

type memJournal struct {
	mu      sync.Mutex
	entries []*journal.Entry
}

func (m *memJournal) Append(_ context.Context, e *journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournal) List(_ context.Context, orderID string) ([]*journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*journal.Entry
	for _, e := range m.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	rec     *Reconciler
	store   *spyStore
	gw      *mockGateway
	journal *memJournal
	order   *entity.Order
}

func newFixture(t *testing.T, opts Options, withCache bool) *fixture {
	t.Helper()
	f := &fixture{
		store:   &spyStore{Store: memory.NewStore()},
		gw:      &mockGateway{},
		journal: &memJournal{},
		order:   storetest.NewOrder(),
	}
	ctx := context.Background()
	require.NoError(t, f.store.Insert(ctx, f.order))
	require.NoError(t, f.store.AttachGatewayOrder(ctx, f.order.ID, "paypal", "PP-ORDER-1"))

	var c cache.Cache
	if withCache {
		c = cache.NewMemoryCache("storefront-test")
	}
	f.rec = New(f.store, map[string]ports.Gateway{"paypal": f.gw}, c, f.journal, opts)
	return f
}

func event(t *testing.T, id string, kind ports.EventKind, gatewayOrderID string) []byte {
	t.Helper()
	b, err := json.Marshal(ports.Event{
		ID:              id,
		Type:            "TEST." + string(kind),
		Kind:            kind,
		ExternalOrderID: gatewayOrderID,
		Amount:          decimal.RequireFromString("180.00"),
		CaptureID:       "CAP-1",
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) deliver(t *testing.T, id string, kind ports.EventKind) (Outcome, error) {
	t.Helper()
	return f.rec.Handle(context.Background(), "paypal", event(t, id, kind, "PP-ORDER-1"), http.Header{})
}

func (f *fixture) status(t *testing.T) *entity.Order {
	t.Helper()
	o, err := f.store.GetByID(context.Background(), f.order.ID)
	require.NoError(t, err)
	return o
}

func TestCaptureCompletedConfirms(t *testing.T) {
	f := newFixture(t, Options{}, false)

	out, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	o := f.status(t)
	assert.Equal(t, entity.StatusConfirmed, o.Status)
	assert.Equal(t, entity.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, "CAP-1", o.GatewayCaptureID)
	assert.True(t, o.AmountPaid.Equal(decimal.RequireFromString("180")))
	assert.NotNil(t, o.PaidAt)
}

func TestSameEventTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, false)

	_, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)
	once := f.status(t)

	out, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)

	twice := f.status(t)
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, once.PaidAt, twice.PaidAt)
	assert.Equal(t, once.UpdatedAt, twice.UpdatedAt)
}

func TestLateApprovalDoesNotRegress(t *testing.T) {
	f := newFixture(t, Options{}, false)

	_, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)

	out, err := f.deliver(t, "WH-0", ports.EventOrderApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, entity.StatusConfirmed, f.status(t).Status)
	assert.Empty(t, f.gw.captures, "a confirmed order is never captured again")
}

func TestDeniedAfterConfirmedIsNoop(t *testing.T) {
	f := newFixture(t, Options{}, false)

	_, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)

	out, err := f.deliver(t, "WH-2", ports.EventCaptureDenied)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, entity.StatusConfirmed, f.status(t).Status)
}

func TestNoSequenceRegressesStatus(t *testing.T) {
	kinds := []ports.EventKind{ports.EventOrderApproved, ports.EventCaptureCompleted, ports.EventCaptureDenied}
	rank := map[entity.Status]int{
		entity.StatusPendingCheckout: 0,
		entity.StatusPaymentApproved: 1,
		entity.StatusConfirmed:       2,
		entity.StatusPaymentFailed:   2,
	}

	// Every sequence of three events drawn from the three kinds.
	for _, a := range kinds {
		for _, b := range kinds {
			for _, c := range kinds {
				f := newFixture(t, Options{}, false)
				prev := f.status(t).Status
				for i, k := range []ports.EventKind{a, b, c} {
					_, err := f.deliver(t, string(rune('a'+i)), k)
					require.NoError(t, err)
					cur := f.status(t).Status
					assert.GreaterOrEqual(t, rank[cur], rank[prev], "%v %v %v", a, b, c)
					if prev.Terminal() {
						assert.Equal(t, prev, cur)
					}
					prev = cur
				}
			}
		}
	}
}

func TestApprovalTriggersCapture(t *testing.T) {
	f := newFixture(t, Options{}, false)

	out, err := f.deliver(t, "WH-1", ports.EventOrderApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, entity.StatusPaymentApproved, f.status(t).Status)
	assert.Equal(t, []string{"PP-ORDER-1/capture-" + f.order.ID}, f.gw.captures)
}

func TestFailedCaptureIsRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t, Options{}, true)
	calls := 0
	f.gw.CaptureFn = func(string, string) error {
		calls++
		if calls == 1 {
			return errors.New("503 from provider")
		}
		return nil
	}

	_, err := f.deliver(t, "WH-1", ports.EventOrderApproved)
	var up *errs.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, entity.StatusPaymentApproved, f.status(t).Status, "the transition is kept")

	out, err := f.deliver(t, "WH-1", ports.EventOrderApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	want := "PP-ORDER-1/" + CaptureRequestID(f.order.ID)
	assert.Equal(t, []string{want, want}, f.gw.captures, "retries reuse the capture request id")
}

func TestCaptureRequestIDDiffersFromCreate(t *testing.T) {
	id := "5b0c6c1e-8f1d-4c43-9a53-0d2f3b0a8e11"
	assert.NotEqual(t, id, CaptureRequestID(id))
	assert.Equal(t, CaptureRequestID(id), CaptureRequestID(id))
}

func TestInvalidSignatureRejectsWithoutTouchingStore(t *testing.T) {
	f := newFixture(t, Options{}, false)
	f.gw.VerifyFn = func() (bool, error) { return false, nil }

	_, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	var ae *errs.AuthenticityError
	require.ErrorAs(t, err, &ae)
	assert.Zero(t, f.store.lookups)
	assert.Zero(t, f.store.transitions)
	assert.Equal(t, entity.StatusPendingCheckout, f.status(t).Status)
}

func TestVerificationErrorIsUpstream(t *testing.T) {
	f := newFixture(t, Options{}, false)
	f.gw.VerifyFn = func() (bool, error) { return false, errors.New("oauth token: timeout") }

	_, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	var up *errs.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Zero(t, f.store.transitions)
}

func TestInsecureSkipVerify(t *testing.T) {
	f := newFixture(t, Options{InsecureSkipVerify: true}, false)
	f.gw.VerifyFn = func() (bool, error) { return false, nil }

	out, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Zero(t, f.gw.verified)
}

func TestUnknownGatewayOrderIsDiscarded(t *testing.T) {
	f := newFixture(t, Options{}, false)

	out, err := f.rec.Handle(context.Background(), "paypal", event(t, "WH-1", ports.EventCaptureCompleted, "PP-NOPE"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, out)
	assert.Zero(t, f.store.transitions)

	entries, err := f.journal.List(context.Background(), "PP-NOPE")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusRejected, entries[0].Status)
}

func TestIgnoredKind(t *testing.T) {
	f := newFixture(t, Options{}, false)

	out, err := f.deliver(t, "WH-1", ports.EventIgnored)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Zero(t, f.store.lookups)
}

func TestDuplicateEventIDShortCircuits(t *testing.T) {
	f := newFixture(t, Options{}, true)

	_, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)
	lookups := f.store.lookups

	out, err := f.deliver(t, "WH-1", ports.EventCaptureCompleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	assert.Equal(t, lookups, f.store.lookups)
}

func TestMalformedEvent(t *testing.T) {
	f := newFixture(t, Options{}, false)

	_, err := f.rec.Handle(context.Background(), "paypal", []byte("{"), http.Header{})
	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t, Options{}, false)

	raw := event(t, "WH-1", ports.EventCaptureCompleted, "PP-ORDER-1")
	var wg sync.WaitGroup
	results := make(chan Outcome, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.rec.Handle(context.Background(), "paypal", raw, http.Header{})
			assert.NoError(t, err)
			results <- out
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for out := range results {
		if out == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	entries, err := f.journal.List(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}
