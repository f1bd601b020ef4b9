package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	httphandlers "meshroom/internal/handlers/http"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/internal/infrastructure/repositories"
	signalws "meshroom/internal/infrastructure/signal"
	"meshroom/internal/infrastructure/webrtc"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshroom",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	factory := repositories.NewRepositoryFactory(cfg, log)
	defer factory.Close()

	registry := services.NewRegistry(log)
	chat := services.NewChat(factory.ChatRepository(), cfg.Chat.HistoryPageSize, log)
	engine := webrtc.NewEngine(engineConfig(cfg), log)

	peers := services.NewPeerManager(engine, registry, log)
	collector := monitoring.NewPrometheusCollector()
	peers.SetObserver(collector)

	wsServer := signalws.NewWebSocketServer(registry, peers, chat, wsOptions(cfg), log)
	peers.SetSender(wsServer)

	// Membership gauges follow the registry instead of being recomputed on
	// scrape.
	unsubscribe := registry.Subscribe(func(snap domain.MembershipSnapshot) {
		collector.UpdateMembership(snap)
		collector.SetRoomCount(len(registry.Rooms()))
	})
	defer unsubscribe()

	health := monitoring.NewHealthChecker()
	if factory.UsingRedis() {
		health.AddCheck("redis", func(ctx context.Context) (bool, error) {
			if err := factory.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	}
	health.Run(ctx)

	router := buildRouter(cfg, log, wsServer, registry, peers, health)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("signaling server listening", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildRouter(
	cfg *config.Config,
	log *zap.SugaredLogger,
	wsServer *signalws.WebSocketServer,
	registry *services.Registry,
	peers *services.PeerManager,
	health *monitoring.HealthChecker,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.RequestLogMiddleware(logger.NewContextLogger(log.Desugar())))
	if cfg.RateLimiting.Enabled {
		router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	}
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	if cfg.Auth.Enabled {
		validator := middleware.NewTokenValidator(cfg.Auth.JWTSecret)
		router.Use(middleware.OptionalAuthMiddleware(validator))
	}

	router.GET("/ws", func(c *gin.Context) {
		wsServer.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		status := health.Status()
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	httphandlers.NewRoomHandler(registry, peers).SetupRoutes(router)

	return router
}

// engineConfig lifts the YAML ICE settings into the pion shape.
func engineConfig(cfg *config.Config) webrtc.EngineConfig {
	var ec webrtc.EngineConfig
	for _, s := range cfg.EffectiveICEServers() {
		server := pionwebrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		ec.ICEServers = append(ec.ICEServers, server)
	}
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	return ec
}

func wsOptions(cfg *config.Config) signalws.Options {
	opts := signalws.DefaultOptions()
	opts.PingInterval = cfg.Signal.PingInterval
	opts.PongTimeout = cfg.Signal.PongTimeout
	opts.WriteTimeout = cfg.Signal.WriteTimeout
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		opts.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	return opts
}
