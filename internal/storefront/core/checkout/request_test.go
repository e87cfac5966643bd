package checkout

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/patch-storefront/internal/pkg/errs"
)

func TestParseRequestRejectsNonJSON(t *testing.T) {
	_, err := ParseRequest([]byte("not json"), true)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "body", verr.Fields[0].Field)
}

func TestParseRequestMissingRequiredTopLevel(t *testing.T) {
	_, err := ParseRequest([]byte(`{}`), true)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"productName", "quantity", "width", "height", "customer", "shippingAddress", "deliveryOption"} {
		assert.True(t, fields[want], want)
	}
}

func TestParseRequestDropsRushDateWhenNotRush(t *testing.T) {
	req, err := ParseRequest(body(t, func(m map[string]any) { m["rushDate"] = "whenever" }), true)
	require.NoError(t, err)
	assert.Empty(t, req.RushDate)
}

func TestParseRequestRejectsBadRushDateAndArtwork(t *testing.T) {
	_, err := ParseRequest(body(t, func(m map[string]any) {
		m["deliveryOption"] = "rush"
		m["rushDate"] = "next tuesday"
		m["artworkUrl"] = "ftp://files.example/a.png"
	}), true)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)
	assert.Equal(t, "rushDate", verr.Fields[0].Field)
	assert.Equal(t, "artworkUrl", verr.Fields[1].Field)
}

func TestPaymentMethodGateway(t *testing.T) {
	for _, m := range []PaymentMethod{MethodCard, MethodCashApp, MethodAfterpay, MethodApplePay, MethodKlarna} {
		assert.Equal(t, GatewayStripe, m.Gateway(), m)
	}
	assert.Equal(t, GatewayPayPal, MethodPayPal.Gateway())
}

func TestParseRequestReportsDecimalQuantityOnField(t *testing.T) {
	raw := body(t, nil)
	raw = bytes.Replace(raw, []byte(`"quantity":50`), []byte(`"quantity":1.0`), 1)
	require.Contains(t, string(raw), `"quantity":1.0`)

	_, err := ParseRequest(raw, true)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []errs.FieldError{
		{Field: "quantity", Message: "must be a whole number without a decimal point"},
	}, verr.Fields)
}
