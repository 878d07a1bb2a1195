// ABOUTME: Liveness/readiness endpoints and the gRPC health service.
// ABOUTME: Readiness follows the agent CLI's --version probe.

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// agentHealthService is the gRPC health service name tracking the agent CLI.
const agentHealthService = "agent"

// readyProbeTimeout bounds the /health/ready version probe.
const readyProbeTimeout = 10 * time.Second

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the agent CLI answers --version.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	version, err := g.agent.Version(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "agent unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", version)
}

// newGRPCServer creates the gRPC server carrying only the health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(agentHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// watchAgentHealth probes the agent CLI every interval and mirrors the
// result into the gRPC health service.
func (g *Gateway) watchAgentHealth(ctx context.Context, interval time.Duration) {
	healthy := false
	check := func() {
		ok := g.agent.CheckHealth(ctx)
		if ok != healthy {
			g.logger.Info("agent health changed", "healthy", ok)
			healthy = ok
		}
		if g.healthServer == nil {
			return
		}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			status = healthpb.HealthCheckResponse_SERVING
		}
		g.healthServer.SetServingStatus(agentHealthService, status)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
