// Package server exposes the indexer's admin surface: a gRPC health and
// reflection server plus an HTTP mux for probes and cursor inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"MarginIndexer/internal/event"
	"MarginIndexer/internal/observability"
)

// ServiceName is the gRPC health service name reported by the indexer.
const ServiceName = "indexer"

// CursorReader exposes the poll loop's current cursors by event type name.
type CursorReader interface {
	Cursors() map[string]string
}

// AdminServer wraps the gRPC server and the HTTP admin mux.
type AdminServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	cursors      CursorReader
	health       *observability.HealthChecker
	log          zerolog.Logger
}

type Deps struct {
	Cursors       CursorReader
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

func NewAdminServer(grpcAddr, httpAddr string, deps Deps) *AdminServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &AdminServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		cursors:      deps.Cursors,
		health:       deps.HealthChecker,
		log:          deps.Logger,
	}
}

// SetServing flips the gRPC health status of the indexer service.
func (s *AdminServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(ServiceName, st)
}

// StartGRPC serves until ctx is cancelled.
func (s *AdminServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

func (s *AdminServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Handler builds the HTTP admin mux.
func (s *AdminServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		path string
		h    runtime.HandlerFunc
	}{
		{"/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) { s.health.LivenessHandler(w, r) }},
		{"/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) { s.health.ReadinessHandler(w, r) }},
		{"/v1/cursors", s.listCursors},
		{"/v1/cursors/{event_type}", s.getCursor},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("register %s: %w", rt.path, err)
		}
	}
	return mux, nil
}

// StartHTTP serves the admin mux until ctx is cancelled.
func (s *AdminServer) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serveHTTP(ctx, s.httpServer, s.log, "admin HTTP server")
}

// --- Cursor endpoints ---

type cursorView struct {
	EventType string `json:"event_type"`
	Cursor    string `json:"cursor"`
	Started   bool   `json:"started"`
}

func (s *AdminServer) listCursors(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	current := s.cursors.Cursors()
	out := make([]cursorView, 0, len(event.EventTypes()))
	for _, et := range event.EventTypes() {
		c, ok := current[et.String()]
		out = append(out, cursorView{EventType: et.String(), Cursor: c, Started: ok})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": out})
}

func (s *AdminServer) getCursor(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	name := params["event_type"]
	et, ok := event.ParseEventType(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown event type %q", name)})
		return
	}
	c, started := s.cursors.Cursors()[et.String()]
	writeJSON(w, http.StatusOK, cursorView{EventType: et.String(), Cursor: c, Started: started})
}

// --- Metrics ---

// StartMetrics serves /metrics for reg on addr until ctx is cancelled.
func StartMetrics(ctx context.Context, addr string, reg prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serveHTTP(ctx, srv, logger, "metrics server")
}

func serveHTTP(ctx context.Context, srv *http.Server, logger zerolog.Logger, name string) error {
	go func() {
		<-ctx.Done()
		logger.Info().Msgf("%s shutting down", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", srv.Addr).Msgf("%s listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
