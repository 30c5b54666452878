package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/signalhub/hub/internal/v1/config"
	"github.com/signalhub/hub/internal/v1/health"
	"github.com/signalhub/hub/internal/v1/hub"
	"github.com/signalhub/hub/internal/v1/logging"
	"github.com/signalhub/hub/internal/v1/middleware"
	"github.com/signalhub/hub/internal/v1/ratelimit"
	"github.com/signalhub/hub/internal/v1/tracing"
	"github.com/signalhub/hub/internal/v1/walletauth"
)

func main() {
	envPaths := []string{".env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	development := os.Getenv("DEVELOPMENT_MODE") == "true"
	if err := logging.Initialize(development); err != nil {
		panic(err)
	}

	ctx := context.Background()
	tracerProvider, err := tracing.InitTracer(ctx, "signalhub")
	if err != nil {
		logging.Fatal(ctx, "failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.Fatal(ctx, "failed to load configuration", zap.Error(err))
	}

	var connectLimiter *ratelimit.ConnectLimiter
	var redisAddr, redisPassword string
	if cfg.Redis != nil {
		redisAddr = cfg.Redis.Addr
		redisPassword = cfg.Redis.Password
	}
	connectLimiter, err = ratelimit.NewConnectLimiter(cfg.ConnectionLimits.MaxConnectAttemptsPerMinute, redisAddr, redisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize connect-rate limiter", zap.Error(err))
	}

	var jwtValidator *walletauth.JWTValidator
	if cfg.Auth.Method == config.AuthMethodJWT {
		jwtValidator, err = walletauth.NewJWTValidator(ctx, cfg.Auth.JWT.IssuerDomain, cfg.Auth.JWT.Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize jwt validator", zap.Error(err))
		}
	}

	service := hub.NewService(cfg, connectLimiter, jwtValidator)
	healthHandler := health.NewHandler(connectLimiter)

	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("signalhub"))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowCredentials = false
	router.Use(cors.New(corsConfig))

	router.GET(cfg.Server.WSPath, service.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	if os.Getenv("DISABLE_UI") == "true" {
		router.NoRoute(func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "signaling-only",
				"message": "UI is disabled. WebSocket signaling available at " + cfg.Server.WSPath,
				"wsPath":  cfg.Server.WSPath,
			})
		})
	}

	addr := cfg.Server.Host + ":" + portOrDefault(cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down server")

	service.Shutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "server exiting")
}

func portOrDefault(port int) string {
	if port <= 0 {
		return "6742"
	}
	return strconv.Itoa(port)
}
