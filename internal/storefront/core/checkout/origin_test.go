package checkout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginsBase(t *testing.T) {
	o, err := NewOrigins([]string{"https://shop.example/", " http://localhost:3000 "})
	require.NoError(t, err)

	tests := []struct {
		name, origin, referer, want string
	}{
		{"allowed origin", "https://shop.example", "", "https://shop.example"},
		{"case and path ignored", "HTTPS://Shop.Example/cart", "", "https://shop.example"},
		{"referer when origin missing", "", "http://localhost:3000/products/1", "http://localhost:3000"},
		{"unknown origin falls back", "https://evil.example", "", "https://shop.example"},
		{"port must match", "http://localhost:3001", "", "https://shop.example"},
		{"scheme must match", "http://shop.example", "", "https://shop.example"},
		{"garbage", "javascript:alert(1)", "::::", "https://shop.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.Base(tt.origin, tt.referer))
		})
	}
}

func TestNewOriginsRejectsBadInput(t *testing.T) {
	_, err := NewOrigins(nil)
	assert.Error(t, err)

	_, err = NewOrigins([]string{"shop.example"})
	assert.Error(t, err)
}

func TestCallbackURLs(t *testing.T) {
	urls := CallbackURLs("https://shop.example", "abc")
	assert.Equal(t, "https://shop.example/checkout/success?order_id=abc", urls.Success)
	assert.Equal(t, "https://shop.example/checkout/cancel?order_id=abc", urls.Cancel)
}
