// Command broker runs the WebRTC signaling broker: connection admission,
// room membership, and per-frame routing described in this repository's
// design documents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/avery-oss/signalbroker/internal/admission"
	"github.com/avery-oss/signalbroker/internal/broker"
	"github.com/avery-oss/signalbroker/internal/bus"
	"github.com/avery-oss/signalbroker/internal/config"
	"github.com/avery-oss/signalbroker/internal/health"
	"github.com/avery-oss/signalbroker/internal/liveness"
	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/ratelimit"
	"github.com/avery-oss/signalbroker/internal/tracing"
	"github.com/avery-oss/signalbroker/internal/transport"
)

const outboundQueueDepth = 256

func main() {
	if err := godotenv.Load(); err != nil {
		// .env is optional; environment variables alone are a valid config source.
		fmt.Fprintln(os.Stderr, "no .env file loaded, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "signalbroker", cfg.GoEnv, cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Warn(ctx, "tracer shutdown failed", zap.Error(err))
				}
			}()
		}
	}

	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPass)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis bus, running single-instance", zap.Error(err))
			busService = nil
		} else {
			defer func() { _ = busService.Close() }()
		}
	}

	b := broker.New(cfg.MaxClients, cfg.MaxRoomClients, cfg.MaxPayloadBytes, cfg.MessageRatePerSec, cfg.MessageBurst, busService)

	heartbeat := liveness.NewChecker(cfg.HeartbeatInterval, b.Registry, b)
	go heartbeat.Run(ctx)

	policy := admission.Policy{
		AllowedOrigins: cfg.AllowedOrigins,
		Secret:         cfg.WSSecret,
	}
	srv := transport.NewServer(b, policy, outboundQueueDepth)
	healthHandler := health.NewHandler(busService)

	var httpLimiter *ratelimit.HTTPLimiter
	httpLimiter, err = ratelimit.NewHTTPLimiter(cfg.HTTPRateLimit, busService.Client())
	if err != nil {
		logging.Error(ctx, "failed to build http rate limiter, running unlimited", zap.Error(err))
		httpLimiter = nil
	}

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	transport.RegisterRoutes(engine, srv, healthHandler, httpLimiter, cfg.AllowedOrigins)

	httpSrv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		logging.Info(ctx, "signaling broker listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(context.Background(), "http server forced to shutdown", zap.Error(err))
	}
	b.CloseAll("server shutting down")

	logging.Info(context.Background(), "signaling broker exiting")
}
