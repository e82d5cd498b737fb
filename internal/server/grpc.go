// Package server wires the HTTP (websocket) and gRPC (health) listeners of the realtime service.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"itfits/backend/internal/server/interceptors"
)

// healthCheckMethod is skipped by the logging interceptor; load balancers poll it constantly.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// NewGRPCServer returns a gRPC server exposing the standard health service backed by healthSrv.
// RPCs are traced and measured through the otelgrpc stats handler and logged through zap.
func NewGRPCServer(healthSrv *grpchealth.Server, log *zap.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.LoggingUnary(log, map[string]bool{healthCheckMethod: true})),
	)
	RegisterServices(s, healthSrv)
	return s
}

// RegisterServices registers the health service with the given registrar.
func RegisterServices(s grpc.ServiceRegistrar, healthSrv *grpchealth.Server) {
	healthpb.RegisterHealthServer(s, healthSrv)
}
