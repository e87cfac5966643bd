// Package grpcx exposes the storefront's gRPC surface: the standard health
// service, driven by periodic dependency pings.
package grpcx

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/patch-storefront/internal/pkg/interceptors"
)

// ServiceName is the health-checked service besides the server-wide "".
const ServiceName = "storefront"

const DefaultProbeInterval = 10 * time.Second

// Pinger is any dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer returns a gRPC server with tracing, request ids and call logging
// installed and the health service registered.
func NewServer(hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(),
			interceptors.TraceServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// Monitor flips the health status between SERVING and NOT_SERVING as the
// named required dependencies come and go. Optional dependencies are pinged
// and logged but never change the status.
type Monitor struct {
	health   *health.Server
	checks   map[string]Pinger
	optional map[string]Pinger
	interval time.Duration
	timeout  time.Duration
}

func NewMonitor(hs *health.Server, checks map[string]Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		health:   hs,
		checks:   checks,
		interval: interval,
		timeout:  interval / 2,
	}
}

// WithOptional registers dependencies the service can run without, such as
// the idempotency cache.
func (m *Monitor) WithOptional(checks map[string]Pinger) *Monitor {
	m.optional = checks
	return m
}

// Run probes once immediately and then every interval until ctx is done,
// when it reports NOT_SERVING so load balancers drain the instance.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe pings every dependency and returns the resulting status.
func (m *Monitor) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for name, p := range m.checks {
		if err := m.ping(ctx, p); err != nil {
			slog.WarnContext(ctx, "dependency unhealthy", "dependency", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	for name, p := range m.optional {
		if err := m.ping(ctx, p); err != nil {
			slog.WarnContext(ctx, "optional dependency unhealthy, still serving", "dependency", name, "error", err)
		}
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)
	return status
}

func (m *Monitor) ping(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return p.Ping(ctx)
}
