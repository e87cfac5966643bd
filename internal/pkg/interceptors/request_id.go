// Package interceptors holds the gRPC server interceptors of the health
// endpoint and the helpers that read the ids they store.
package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/patch-storefront/internal/pkg/interceptors/constants"
)

// UnaryServerInterceptor copies x-request-id from incoming metadata into the
// context, generating one when the caller sent none.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		requestID := GetMetadataValue(ctx, constants.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(constants.HeaderXRequestID, requestID))
		return handler(ctx, req)
	}
}

// RequestIDFromContext returns the request id stored by the HTTP middleware
// or the gRPC interceptor, or "" when there is none.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok {
		return id
	}
	return GetMetadataValue(ctx, constants.HeaderXRequestID)
}

// GetMetadataValue reads key from incoming, then outgoing, gRPC metadata.
func GetMetadataValue(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}
