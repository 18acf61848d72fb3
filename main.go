package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gestnote/ranking-guard/analyzer"
	"github.com/gestnote/ranking-guard/blocklist"
	"github.com/gestnote/ranking-guard/config"
	"github.com/gestnote/ranking-guard/handlers"
	"github.com/gestnote/ranking-guard/kafka"
	"github.com/gestnote/ranking-guard/logger"
	"github.com/gestnote/ranking-guard/metrics"
	"github.com/gestnote/ranking-guard/middleware"
	"github.com/gestnote/ranking-guard/proxy"
	"github.com/gestnote/ranking-guard/ratelimiter"
	"github.com/gestnote/ranking-guard/recorder"
	"github.com/gestnote/ranking-guard/service"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Environment, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
	log.Info("Server exited")
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var recOpts []recorder.Option
	recOpts = append(recOpts, recorder.WithMetrics(m))

	var producer *kafka.Producer
	if cfg.KafkaEnabled() {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer producer.Close()
		recOpts = append(recOpts, recorder.WithSink(producer))
	}

	rec, err := recorder.New(recorder.Options{
		Dir:        cfg.SecurityLogDir,
		SyncWrites: cfg.SyncWrites,
	}, log, recOpts...)
	if err != nil {
		return err
	}
	defer rec.Close()

	generalPath, criticalPath := rec.Paths()
	logAnalyzer := analyzer.New(analyzer.Options{
		GeneralPath:         generalPath,
		CriticalPath:        criticalPath,
		SuspiciousThreshold: cfg.SuspiciousThreshold,
		HighRiskThreshold:   cfg.HighRiskThreshold,
		MaxRecords:          cfg.AnalysisMaxRecords,
		Metrics:             m,
	}, log)

	store := blocklist.New(blocklist.Options{
		Path:            cfg.BlocklistPath,
		RefreshInterval: cfg.BlocklistRefreshInterval,
		Ephemeral:       cfg.BlocklistEphemeral,
		Metrics:         m,
	}, log)

	security := service.NewSecurityService(logAnalyzer, store, log)

	var limiter middleware.Limiter
	if cfg.RedisEnabled() {
		rl := ratelimiter.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rl.Ping(ctx); err != nil {
			log.Warn("Redis connection failed, rate limiting will fail open", zap.Error(err))
		}
		defer rl.Close()
		limiter = rl
	}

	reverseProxy, err := proxy.NewReverseProxy(cfg.BackendURL, log)
	if err != nil {
		return err
	}

	router := newRouter(cfg, log, m, rec, store, security, limiter, reverseProxy)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting gateway", zap.String("port", cfg.ServerPort), zap.String("backend", cfg.BackendURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return security.RunScheduler(gctx, cfg.AnalysisInterval, cfg.AnalysisAutoBlock)
	})

	if cfg.KafkaEnabled() {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaIntentsTopic, cfg.KafkaGroupID,
			kafka.RecordingHandler{Recorder: rec}, log)
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	return g.Wait()
}

func newRouter(
	cfg *config.Config,
	log *zap.Logger,
	m *metrics.Metrics,
	rec *recorder.Recorder,
	store *blocklist.Store,
	security *service.SecurityService,
	limiter middleware.Limiter,
	backend http.Handler,
) http.Handler {
	blocker := middleware.NewBlocker(store, rec, m, log, cfg.TrustProxyHeaders)
	requestLogger := middleware.NewLoggingMiddleware(log, cfg.TrustProxyHeaders)
	userAgentGuard := middleware.NewUserAgentGuard(cfg.UserAgentPrefix, rec, cfg.TrustProxyHeaders)
	rateLimit := middleware.NewRateLimitMiddleware(limiter, rec, log, cfg.RateLimitMax, cfg.RateLimitWindow, cfg.TrustProxyHeaders)
	signatures := middleware.NewSignatureVerifier(cfg.SignatureSecret, rec, cfg.TrustProxyHeaders)
	submissions := middleware.NewSubmissionInspector(cfg.SuspiciousGradeFloor, rec, cfg.TrustProxyHeaders)
	adminAuth := middleware.NewAdminAuth(cfg.AdminToken, cfg.AdminJWTSecret, rec, cfg.TrustProxyHeaders)
	adminHandler := handlers.NewAdminHandler(security, rec, log, cfg.TrustProxyHeaders)

	r := chi.NewRouter()

	// Blocked addresses are rejected before anything else runs.
	r.Use(blocker.Enforce)
	r.Use(chimw.RequestID)
	r.Use(requestLogger.Log)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins, rec, cfg.TrustProxyHeaders))

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", m.Handler())

	r.Route("/admin/security", func(r chi.Router) {
		r.Use(adminAuth.Authenticate)
		adminHandler.Routes(r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(userAgentGuard.Check)
		r.Use(rateLimit.RateLimit)

		r.With(signatures.Verify, submissions.Inspect).Post("/ranks", backend.ServeHTTP)
		r.Handle("/*", backend)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return r
}
