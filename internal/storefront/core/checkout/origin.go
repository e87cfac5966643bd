package checkout

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
)

// Origins is the allow-list of storefront base URLs that may receive the
// customer back from a hosted checkout. The first entry is the fallback.
type Origins struct {
	allowed []string
}

func NewOrigins(list []string) (*Origins, error) {
	o := &Origins{}
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		base, ok := baseOf(raw)
		if !ok {
			return nil, fmt.Errorf("checkout: allowed origin %q is not an absolute http(s) URL", raw)
		}
		o.allowed = append(o.allowed, base)
	}
	if len(o.allowed) == 0 {
		return nil, fmt.Errorf("checkout: at least one allowed origin is required")
	}
	return o, nil
}

// Base picks the return base URL from the Origin header, then the Referer,
// and falls back to the first allowed origin. A value not on the list is
// never returned.
func (o *Origins) Base(origin, referer string) string {
	for _, candidate := range []string{origin, referer} {
		base, ok := baseOf(candidate)
		if !ok {
			continue
		}
		for _, a := range o.allowed {
			if a == base {
				return a
			}
		}
	}
	return o.allowed[0]
}

// CallbackURLs builds the success and cancel targets for one order.
func CallbackURLs(base, orderID string) ports.CallbackURLs {
	q := url.Values{"order_id": {orderID}}.Encode()
	return ports.CallbackURLs{
		Success: base + "/checkout/success?" + q,
		Cancel:  base + "/checkout/cancel?" + q,
	}
}

// baseOf reduces a URL to scheme://host[:port], lowercased.
func baseOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
