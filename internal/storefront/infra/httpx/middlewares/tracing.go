package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/patch-storefront/internal/pkg/interceptors/constants"
)

// AttachRequestMetadata copies the chi request id and the client's
// idempotency key into the context and onto the active span, and echoes the
// request id back so a customer can quote it to support.
func AttachRequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		idempotencyKey := r.Header.Get(constants.HeaderXIdempotencyKey)

		ctx := context.WithValue(r.Context(), constants.ContextKeyRequestID, requestID)
		ctx = context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("http.request_id", requestID))
		if idempotencyKey != "" {
			span.SetAttributes(attribute.Bool("http.idempotency_key.present", true))
		}

		if requestID != "" {
			w.Header().Set(constants.HeaderXRequestID, requestID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
