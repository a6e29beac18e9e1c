package rpc

import (
	"YoloDetServer/logger"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name clients pass to grpc.health.v1.Health/Check.
const ServiceName = "YoloDetServer"

type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

// StartGRPCServer serves the standard health service on port. Both the
// overall status and ServiceName start as NOT_SERVING.
func StartGRPCServer(port int) (*HealthServer, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return Serve(lis), nil
}

func Serve(lis net.Listener) *HealthServer {
	s := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	go func() {
		logger.Log().Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s
}

// SetServing flips both the overall and the named service status.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *HealthServer) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
