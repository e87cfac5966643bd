package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/httpx/middlewares"
)

type RouterOptions struct {
	// AdminSecret mounts /admin when set.
	AdminSecret []byte
	// CheckoutLimiter throttles the checkout and quote routes when set.
	CheckoutLimiter *middlewares.RateLimiter
}

func NewRouter(handler *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.AttachRequestMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz)

	r.Group(func(r chi.Router) {
		if opts.CheckoutLimiter != nil {
			r.Use(opts.CheckoutLimiter.Handler)
		}
		r.Post("/checkout", handler.Checkout)
		r.Post("/checkout-paypal", handler.CheckoutPayPal)
		r.Get("/pricing/quote", handler.Quote)
	})

	r.Post("/webhooks/stripe", handler.StripeWebhook)
	r.Post("/webhooks/paypal", handler.PayPalWebhook)

	if len(opts.AdminSecret) > 0 {
		r.Route("/admin", func(r chi.Router) {
			r.Use(middlewares.RequireAdmin(opts.AdminSecret))
			r.Get("/orders/{id}", handler.GetOrderByID)
		})
	}

	return otelhttp.NewHandler(r, "storefront.http")
}
