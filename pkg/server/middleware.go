package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"policy-optimizer/pkg/logger"
	"policy-optimizer/pkg/metrics"
)

// LoggingInterceptor logs all gRPC requests
func LoggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()

	logger.GetLogger().Debugf("gRPC call: %s started", info.FullMethod)

	resp, err := handler(ctx, req)

	entry := logger.GetLogger().WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start),
		"code":     status.Code(err).String(),
	})
	if err != nil {
		entry.WithError(err).Error("gRPC call failed")
	} else {
		entry.Info("gRPC call completed")
	}

	return resp, err
}

// MetricsInterceptor records request counts, latency and in-flight requests
func MetricsInterceptor(m *metrics.TrainingMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		m.IncrementActiveRequests()
		defer m.DecrementActiveRequests()

		start := time.Now()
		resp, err := handler(ctx, req)
		code := ""
		if err != nil {
			code = status.Code(err).String()
		}
		m.RecordRequest(info.FullMethod, code, time.Since(start))

		return resp, err
	}
}

// RecoveryInterceptor recovers from panics in gRPC handlers
func RecoveryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Errorf("Panic recovered in %s: %v", info.FullMethod, r)
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()

	return handler(ctx, req)
}

// TimeoutInterceptor adds timeout to gRPC calls. A non-positive timeout leaves the context alone.
func TimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}
