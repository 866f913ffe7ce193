// Package main runs the carousel HTTP server with WebSocket renderers and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/carousel/config"
	"github.com/aura-webinar/carousel/internal/carousel"
	"github.com/aura-webinar/carousel/internal/links"
	"github.com/aura-webinar/carousel/internal/middleware"
	"github.com/aura-webinar/carousel/internal/realtime"
	"github.com/aura-webinar/carousel/internal/worker"
	"github.com/aura-webinar/carousel/pkg/database"
	"github.com/aura-webinar/carousel/pkg/docstore"
	"github.com/aura-webinar/carousel/pkg/queue"
	"github.com/aura-webinar/carousel/pkg/redis"
	"github.com/aura-webinar/carousel/pkg/response"
	"github.com/aura-webinar/carousel/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			SlidesBucket:         cfg.AWS.SlidesBucket,
			PublicBucket:         cfg.AWS.PublicBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	// Document store: Postgres documents, change feed over Redis pub/sub
	feed := docstore.NewFeed(rdb.Client, logger)
	store := docstore.NewPostgres(pool, feed, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	var updater docstore.Updater = store
	correctionTTL := cfg.Carousel.WriteTimeout
	if cfg.Carousel.WriteMode == config.WriteModeQueued {
		updater = docstore.NewQueuedUpdater(jobQueue)
		// a queued correction is applied or dropped by the worker within StaleAfter
		correctionTTL = cfg.Worker.StaleAfter
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := carousel.NewMetrics(promReg)

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	opts := []carousel.Option{
		carousel.WithMetrics(metrics),
		carousel.WithActivator(links.NewResolver(store, cfg.Carousel.ContentCollection, logger)),
		carousel.WithListener(func(surface string, v carousel.ChannelView) {
			hub.BroadcastToSurfaceAndPublish(surface, carousel.EventChanged, v)
		}),
	}
	var images carousel.ImageSource
	if s3Client != nil {
		images = s3Client
		opts = append(opts, carousel.WithImageURLs(s3Client.ImageURL))
	}
	registry := carousel.NewRegistry(carousel.Config{
		Collection: cfg.Carousel.Collection,
		OrderBy:    cfg.Carousel.OrderBy,
		Rotation: carousel.RotationConfig{
			Interval:          cfg.Carousel.Interval,
			FirstPublishDelay: cfg.Carousel.FirstPublishDelay,
			SnapDelay:         cfg.Carousel.SnapDelay,
		},
		Gesture: carousel.GestureConfig{
			SwipeThreshold: cfg.Carousel.SwipeThreshold,
			TapGuard:       cfg.Carousel.TapGuard,
		},
		WriteTimeout:  cfg.Carousel.WriteTimeout,
		CorrectionTTL: correctionTTL,
	}, store, updater, logger, opts...)
	defer registry.Close()

	hub.SetLocalSurfaces(func(surface string) bool {
		_, ok := registry.Get(surface)
		return ok
	})
	hub.SetAudienceChangeHandler(registry.AudienceChanged)
	registry.SetAudienceCounter(hub.AudienceCount)

	for _, surface := range cfg.Carousel.Surfaces {
		if _, err := registry.Open(surface); err != nil {
			logger.Warn("surface not opened", zap.String("surface", surface), zap.Error(err))
		}
	}

	carouselHandler := carousel.NewHandler(registry, store, cfg.Carousel.Collection, images, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", cfg.Metrics.Path))
	if cfg.Metrics.Enabled {
		router.Use(middleware.Metrics(promReg))
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "surfaces": registry.Surfaces()})
	})

	carouselHandler.Routes(router)

	// WebSocket renderers (?surface=web)
	router.GET("/ws", realtime.ServeWs(hub, logger, func(surface string) bool {
		_, err := carousel.LookupPresentation(surface)
		return err == nil
	}, registry.HandleCommand))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go hub.Run(bgCtx)

	// Background worker (queued correction writes)
	if cfg.Carousel.WriteMode == config.WriteModeQueued {
		processor := worker.NewDocumentUpdateProcessor(store, jobQueue, cfg.Worker.StaleAfter, logger)
		go processor.Run(bgCtx)
		logger.Info("document update worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("write_mode", cfg.Carousel.WriteMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	registry.Close()
	bgCancel()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := zcfg.Build()
	return logger
}
