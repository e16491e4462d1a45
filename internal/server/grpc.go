// Package server hosts the two listener surfaces: a gRPC endpoint serving
// the standard health protocol (with reflection for grpcurl), and the ops
// HTTP server carrying /healthz, /readyz, /status, /metrics, the query
// routes, and the recent audit window.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpGuard/internal/observability"
	"PerpGuard/internal/projection"
	"PerpGuard/internal/query"
)

// Deps holds everything the listeners expose.
type Deps struct {
	HealthChecker  *observability.HealthChecker
	StatusProvider func() observability.Status
	QueryHandler   *query.HTTPHandler
	AuditWorker    *projection.AuditWorker
}

// Server owns both listeners.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	log          zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
	mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if deps.StatusProvider != nil {
		mux.HandleFunc("/status", observability.StatusHandler(deps.StatusProvider))
	}
	if deps.QueryHandler != nil {
		deps.QueryHandler.Register(mux)
	}
	if deps.AuditWorker != nil {
		mux.HandleFunc("GET /audit/recent", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"events": deps.AuditWorker.Recent(),
			})
		})
	}

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		httpServer:   &http.Server{Addr: httpAddr, Handler: mux},
		log:          observability.NewLogger("server"),
	}
}

// SetServing flips the gRPC health status once startup completes.
func (s *Server) SetServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// StartGRPC serves the gRPC listener. Blocks until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the ops listener. Blocks until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("ops HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("ops HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
