package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-contract-workflow/internal/app"
	"github.com/pesio-ai/be-contract-workflow/internal/config"
	"github.com/pesio-ai/be-contract-workflow/internal/handler"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/middleware"
	"github.com/pesio-ai/be-contract-workflow/internal/notify"
	"github.com/pesio-ai/be-contract-workflow/internal/rpc"
	"github.com/pesio-ai/be-contract-workflow/internal/scheduler"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store).
		Str("directory_scope", cfg.Directory.Scope).
		Msg("Starting Contract Workflow Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store and services
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize workflow engine")
	}
	defer a.Close()

	// Notifications are optional; without NATS the outbox accumulates and
	// is relayed once a broker is configured.
	var pub notify.Publisher
	if cfg.NATS.URL != "" {
		natsPub, err := notify.NewNATSPublisher(cfg.NATS.URL, log)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; outbox relay disabled")
		} else {
			defer natsPub.Close()
			pub = natsPub
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS publisher connected")
		}
	}

	// Scheduled jobs
	sched := scheduler.New(log, 5*time.Minute)
	if err := a.RegisterJobs(sched, pub); err != nil {
		log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
	}
	sched.Start()
	// Surface divergence left by a previous run right away.
	go func() {
		if err := sched.RunNow(app.JobAudit); err != nil {
			log.Warn().Err(err).Msg("Startup reconciliation failed")
		}
	}()

	// Setup HTTP routes
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	httpHandler := handler.NewHTTPHandler(a.Workflow, a.Ledger, a.Scenarios, a.Recon, log)
	httpHandler.Register(router)

	// Apply middleware
	var h http.Handler = router
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(a.Workflow, a.Ledger, log.Logger)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor(log.Logger)))
	rpc.RegisterWorkflowServer(grpcServer, grpcHandler)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(rpc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	sched.Stop(shutdownCtx)

	log.Info().Msg("Server stopped")
}
