package api

import (
	"context"
	"time"

	"github.com/cuemby/a653hv/pkg/log"
	"google.golang.org/grpc"
)

// LoggingInterceptor logs every RPC call's method, duration, and outcome.
// Every method this service exposes is read-only by construction, so
// unlike a general-purpose API server there is no write/read split to
// enforce here.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		logger := log.WithComponent("api")
		start := time.Now()
		resp, err := handler(ctx, req)
		event := logger.Info()
		if err != nil {
			event = logger.Error().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("rpc")
		return resp, err
	}
}
