package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
)

// RequestIDMetadataKey carries a caller-chosen request id.
const RequestIDMetadataKey = "x-request-id"

// RequestLoggingUnaryServerInterceptor attaches a per-request logger,
// annotated with request_id and method, to the handler's context and logs
// each completed call at debug level. The request id comes from inbound
// metadata when present and is generated otherwise.
func RequestLoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			requestID = firstHeader(md, RequestIDMetadataKey)
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		method := ""
		if info != nil {
			method = info.FullMethod
		}

		reqLog := base.With(logging.String("request_id", requestID), logging.String("method", method))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		start := time.Now()
		resp, err := handler(ctx, req)
		reqLog.Debug(ctx, "rpc handled",
			logging.String("code", status.Code(err).String()),
			logging.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
