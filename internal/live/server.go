package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service the trader reports on.
const ServiceName = "ratchet.Trader"

// Server hosts the gRPC health service and the HTTP endpoints: Prometheus
// metrics, the trading snapshot and the event streams (NDJSON and WebSocket).
type Server struct {
	grpcAddr string
	httpAddr string
	model    *Model
	gatherer prometheus.Gatherer
	log      *slog.Logger

	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a server. Either address may be empty to disable that
// listener.
func NewServer(grpcAddr, httpAddr string, model *Model, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		model:    model,
		gatherer: gatherer,
		log:      log.With("component", "server"),
		grpc:     gs,
		health:   hs,
	}
}

// SetServing flips the health status of the trader service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	return mux
}

// Serve runs the listeners until ctx is cancelled, then shuts them down.
func (s *Server) Serve(ctx context.Context) error {
	var lis net.Listener
	if s.grpcAddr != "" {
		var err error
		lis, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
	}
	return s.serve(ctx, lis)
}

func (s *Server) serve(ctx context.Context, lis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if lis != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", lis.Addr().String())
			return s.grpc.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		})
	}

	if s.httpAddr != "" {
		srv := &http.Server{
			Addr:              s.httpAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("http listening", "addr", s.httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.model.Snapshot())
}

// handleEvents streams events as newline-delimited JSON until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	subID, ch := s.model.Subscribe(256)
	defer s.model.Unsubscribe(subID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("event client subscribed", "subID", subID)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			s.log.Info("event client disconnected", "subID", subID)
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
