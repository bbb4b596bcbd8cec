package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/janitor/coreengine/observability"
)

// splitMethod splits "/pkg.Service/Method" into service and method.
func splitMethod(fullMethod string) (string, string) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return "unknown", trimmed
}

// logOutcome logs a finished call. Successful calls and client
// cancellations (a closed Watch stream) log at debug; other failures warn.
func logOutcome(logger Logger, event, fullMethod string, elapsed time.Duration, err error) {
	service, method := splitMethod(fullMethod)
	code := status.Code(err)

	if err == nil || code == codes.Canceled {
		logger.Debug(event+"_completed",
			"service", service,
			"method", method,
			"code", code.String(),
			"duration_ms", elapsed.Milliseconds(),
		)
		return
	}
	logger.Warn(event+"_failed",
		"service", service,
		"method", method,
		"code", code.String(),
		"duration_ms", elapsed.Milliseconds(),
		"error", err.Error(),
	)
}

// recoverPanic logs a recovered panic and converts it to an Internal
// status. The panic value stays in the log and is not sent to the client.
func recoverPanic(logger Logger, fullMethod string, p any) error {
	logger.Error("grpc_panic_recovered",
		"method", fullMethod,
		"panic", fmt.Sprintf("%v", p),
		"stack", string(debug.Stack()),
	)
	return status.Error(codes.Internal, "internal error")
}

// =============================================================================
// UNARY INTERCEPTORS
// =============================================================================

// LoggingInterceptor logs each unary call once it completes.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logOutcome(logger, "grpc_request", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// RecoveryInterceptor turns handler panics into Internal errors.
func RecoveryInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				resp, err = nil, recoverPanic(logger, info.FullMethod, p)
			}
		}()
		return handler(ctx, req)
	}
}

// MetricsInterceptor records request count and latency per method and status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// =============================================================================
// STREAM INTERCEPTORS
// =============================================================================

// StreamLoggingInterceptor logs each stream once it ends.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logOutcome(logger, "grpc_stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

// StreamRecoveryInterceptor turns stream handler panics into Internal errors.
func StreamRecoveryInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = recoverPanic(logger, info.FullMethod, p)
			}
		}()
		return handler(srv, ss)
	}
}

// StreamMetricsInterceptor records stream count and lifetime per method and status code.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return err
	}
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

// ServerOptions returns the health server's options: the OpenTelemetry
// stats handler and the interceptor chains. Recovery runs outermost so
// panics in the other interceptors are caught too.
func ServerOptions(logger Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger),
			StreamMetricsInterceptor(),
			StreamLoggingInterceptor(logger),
		),
	}
}
