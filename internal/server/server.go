// Package server exposes the detection service over HTTP, a websocket
// classification stream and the gRPC health protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kubilitics/kubilitics-anomaly/internal/alerting"
	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/audit"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
	"github.com/kubilitics/kubilitics-anomaly/internal/middleware"
)

// ServiceName is the gRPC health service name of the detection service.
const ServiceName = "anomaly.Detection"

// PredictionWriter stores externally produced predictions.
type PredictionWriter interface {
	SavePredictions(ctx context.Context, ref anomaly.AttributeRef, points []anomaly.Datapoint) error
}

// Options wires the server to the rest of the service. Store, Alarms and
// Journal are optional; routes backed by a missing component are not
// registered.
type Options struct {
	Config      *config.Config
	Dispatcher  *dispatcher.Dispatcher
	History     dispatcher.HistoryReader
	Predictions PredictionWriter
	Store       db.Store
	Alarms      *alerting.Manager
	Hub         *Hub
	Journal     audit.Logger
	Logger      *zap.Logger
}

// Server is the API server of the detection service.
type Server struct {
	config      *config.Config
	dispatcher  *dispatcher.Dispatcher
	history     dispatcher.HistoryReader
	predictions PredictionWriter
	store       db.Store
	alarms      *alerting.Manager
	hub         *Hub
	journal     audit.Logger
	logger      *zap.Logger
	limiter     *middleware.RateLimiter

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// Lifecycle
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. Config, Dispatcher and History are required.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if opts.Dispatcher == nil || opts.History == nil {
		return nil, errors.New("dispatcher and history reader are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		config:      opts.Config,
		dispatcher:  opts.Dispatcher,
		history:     opts.History,
		predictions: opts.Predictions,
		store:       opts.Store,
		alarms:      opts.Alarms,
		hub:         opts.Hub,
		journal:     opts.Journal,
		logger:      opts.Logger,
		health:      health.NewServer(),
	}
	if n := opts.Config.Server.RequestsPerMinute; n > 0 {
		s.limiter = middleware.NewRateLimiter(n)
	}
	return s, nil
}

// Router builds the HTTP handler with every route and middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Observe(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}
	s.registerDetectionRoutes(api)
	if s.store != nil {
		s.registerAnomalyRoutes(api)
	}
	if s.alarms != nil {
		s.registerAlarmRoutes(api)
	}
	if s.hub != nil {
		api.HandleFunc("/stream", s.hub.ServeWS).Methods(http.MethodGet)
	}

	// CORS wraps the router so preflights never reach route matching
	handler := middleware.CORS(s.config.Server.AllowedOrigins)(r)
	return otelhttp.NewHandler(handler, "http.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

// Start begins serving HTTP and, when a gRPC port is configured, the gRPC
// health service. It returns once both listeners are bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server is already running")
	}

	cfg := s.config.Server
	httpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if cfg.TLSEnabled {
			err = s.httpServer.ServeTLS(httpLn, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = s.httpServer.Serve(httpLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server listening", zap.String("addr", httpLn.Addr().String()), zap.Bool("tls", cfg.TLSEnabled))

	if cfg.GRPCPort > 0 {
		grpcLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		reflection.Register(s.grpcServer)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("gRPC server error", zap.Error(err))
			}
		}()
		s.logger.Info("gRPC health server listening", zap.String("addr", grpcLn.Addr().String()))
	}

	s.running = true
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.health.Shutdown()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"attributes": len(s.dispatcher.Attributes()),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
