package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codejudge/internal/common/cache"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/ratelimit"
	"codejudge/internal/judge/controller"
	"codejudge/internal/judge/dispatch"
	"codejudge/internal/judge/entrypoint"
	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/intake"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/observer"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/service"
	"codejudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge-server.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	registry, err := language.NewRegistry(appCfg.Execution.Images)
	if err != nil {
		return fmt.Errorf("init language registry: %w", err)
	}
	generator, err := entrypoint.NewGenerator()
	if err != nil {
		return fmt.Errorf("init entrypoint generator: %w", err)
	}
	factory, err := execution.NewFactory(execution.FactoryConfig{
		Registry:         registry,
		Generator:        generator,
		StagingRoot:      appCfg.Execution.StagingRoot,
		CompileTimeLimit: appCfg.Execution.CompileTimeLimit,
		MaxSourceBytes:   appCfg.Execution.MaxSourceBytes,
		MaxInputBytes:    appCfg.Execution.MaxInputBytes,
	})
	if err != nil {
		return fmt.Errorf("init execution factory: %w", err)
	}

	runner, err := buildRunner(appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox runner: %w", err)
	}
	if closer, ok := runner.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}

	var metrics observer.MetricsSink = observer.Noop{}
	var prom *observer.Prometheus
	if appCfg.Metrics.Enabled {
		prom = observer.NewPrometheus()
		metrics = prom
	}

	var tickets *repository.TicketRepository
	var limiter ratelimit.Limiter
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		tickets = repository.NewTicketRepository(redisCache, appCfg.Tickets.TTL)
		if appCfg.RateLimit.Enabled {
			limiter = ratelimit.NewRedisLimiter(redisCache, appCfg.RateLimit.Compile.Window, appCfg.RateLimit.RedisTimeout)
		}
	} else {
		logger.Warn(ctx, "redis not configured, ticket lookup disabled")
		if appCfg.RateLimit.Enabled {
			limiter = ratelimit.NewLocalLimiter(0)
		}
	}

	var queue *mq.KafkaQueue
	var publisher dispatch.VerdictPublisher
	if appCfg.Kafka.Enabled() {
		queue, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = queue.Close()
		}()
		publisher = dispatch.NewMQVerdictPublisher(queue, appCfg.Kafka.VerdictTopic)
	}

	deps := dispatch.Deps{
		Publisher: publisher,
		Webhook:   dispatch.NewWebhook(appCfg.Webhook, nil),
		Metrics:   metrics,
	}
	execDeps := service.Deps{Runner: runner, Metrics: metrics}
	// Typed nils must not reach the interfaces.
	if tickets != nil {
		deps.Tickets = tickets
		execDeps.Tickets = tickets
	}
	execDeps.Notifier = dispatch.NewDispatcher(deps)

	executor, err := service.NewExecutor(appCfg.Executor, execDeps)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	logger.Info(ctx, "executor started",
		zap.String("sandbox", appCfg.Sandbox.Driver),
		zap.Int("capacity", executor.Capacity()),
	)

	if queue != nil {
		consumer := intake.NewConsumer(appCfg.Kafka.Intake, factory, executor, queue)
		if err := consumer.Subscribe(ctx, queue); err != nil {
			return err
		}
		if err := queue.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
	}

	var reader controller.TicketReader
	if tickets != nil {
		reader = tickets
	}
	ratePolicy := appCfg.RateLimit.Compile
	ratePolicy.OnReject = metrics.ObserveRateLimited
	router := buildRouter(routerDeps{
		controller:  controller.NewCompileController(factory, executor, reader, appCfg.Server.MaxPartBytes),
		limiter:     limiter,
		ratePolicy:  ratePolicy,
		cors:        appCfg.CORS,
		metricsPath: appCfg.Metrics.Path,
		metrics:     metricsHandler(prom),
		load:        executor.Load,
		capacity:    executor.Capacity(),
	})
	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if queue != nil {
		_ = queue.Stop()
	}
	if err := executor.Close(drainCtx); err != nil {
		logger.Warn(ctx, "executor did not drain in time", zap.Error(err))
	}
	return serveErr
}

func buildRunner(cfg SandboxConfig) (sandbox.Runner, error) {
	switch cfg.Driver {
	case sandboxProcess:
		return sandbox.NewProcessRunner(cfg.Process)
	default:
		return sandbox.NewDockerRunner(cfg.Docker)
	}
}

func metricsHandler(prom *observer.Prometheus) http.Handler {
	if prom == nil {
		return nil
	}
	return prom.Handler()
}

type routerDeps struct {
	controller  *controller.CompileController
	limiter     ratelimit.Limiter
	ratePolicy  commonmw.RateLimitPolicy
	cors        commonmw.CORSConfig
	metricsPath string
	metrics     http.Handler
	load        func() (running, queued int)
	capacity    int
}

func buildRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())
	router.Use(commonmw.CORSMiddleware(deps.cors))

	h := deps.controller
	limit := commonmw.RateLimitMiddleware(deps.limiter, "compile", deps.ratePolicy)
	for _, prefix := range []string{"", "/api"} {
		group := router.Group(prefix)
		group.POST("/compile", limit, h.Compile)
		group.POST("/compile/json", limit, h.CompileJSON)
		group.POST("/compiler/json", limit, h.CompileJSON)
		group.POST("/compiler/:language", limit, h.CompileLanguage)
		group.GET("/compile/tickets/:id", h.GetTicket)
		group.GET("/languages", h.Languages)
	}

	router.GET("/healthz", func(c *gin.Context) {
		running, queued := 0, 0
		if deps.load != nil {
			running, queued = deps.load()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"running":  running,
			"queued":   queued,
			"capacity": deps.capacity,
		})
	})
	if deps.metrics != nil {
		router.GET(deps.metricsPath, gin.WrapH(deps.metrics))
	}
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
