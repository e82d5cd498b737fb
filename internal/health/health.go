// Package health reports service readiness to the gRPC health service and the HTTP /healthz endpoint.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the realtime server.
const ServiceName = "itfits.realtime"

const pingTimeout = 2 * time.Second

// Pinger is used for readiness (e.g. *pgxpool.Pool). Ping should return an error if the dependency is unreachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes the database and mirrors the result into a gRPC health server.
type Checker struct {
	pinger Pinger
	srv    *grpchealth.Server
	log    *zap.Logger
}

// NewChecker returns a Checker. pinger may be nil, in which case the service is always SERVING.
// srv may be nil when no gRPC endpoint is exposed.
func NewChecker(pinger Pinger, srv *grpchealth.Server, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{pinger: pinger, srv: srv, log: log.Named("health")}
}

// Check pings the database and returns the resulting serving status. Ping failures are not returned as
// errors; they yield NOT_SERVING.
func (c *Checker) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if c.pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := c.pinger.Ping(ctx); err != nil {
			c.log.Warn("database ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if c.srv != nil {
		c.srv.SetServingStatus("", status)
		c.srv.SetServingStatus(ServiceName, status)
	}
	return status
}

// Run calls Check every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so load balancers stop routing new connections.
func (c *Checker) Shutdown() {
	if c.srv != nil {
		c.srv.Shutdown()
	}
}
