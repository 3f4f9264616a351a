package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/complaint-desk-api/api/swagger"
	"github.com/noah-isme/complaint-desk-api/internal/handler"
	internalmiddleware "github.com/noah-isme/complaint-desk-api/internal/middleware"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/repository"
	"github.com/noah-isme/complaint-desk-api/internal/service"
	"github.com/noah-isme/complaint-desk-api/pkg/cache"
	"github.com/noah-isme/complaint-desk-api/pkg/config"
	"github.com/noah-isme/complaint-desk-api/pkg/database"
	"github.com/noah-isme/complaint-desk-api/pkg/jobs"
	"github.com/noah-isme/complaint-desk-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/complaint-desk-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/complaint-desk-api/pkg/middleware/requestid"
	"github.com/noah-isme/complaint-desk-api/pkg/realtime"
	"github.com/noah-isme/complaint-desk-api/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on start")
	return cmd
}

func serve(skipMigrations bool) error {
	cfg, logr := bootstrap()
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if !skipMigrations {
		if err := database.Migrate(db, logr); err != nil {
			return err
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		if !errors.Is(err, cache.ErrDisabled) {
			return fmt.Errorf("connect redis: %w", err)
		}
		logr.Info("redis disabled; caching and cross-instance relay are off")
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	files, err := storage.NewLocalStorage(cfg.Complaints.StorageDir)
	if err != nil {
		return fmt.Errorf("prepare attachment storage: %w", err)
	}

	metrics := service.NewMetricsService()

	hubCfg := realtime.HubConfig{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		PongTimeout:       cfg.Realtime.PongTimeout,
		SendBuffer:        cfg.Realtime.SendBuffer,
		BroadcastBuffer:   cfg.Realtime.BroadcastBuffer,
		Logger:            logr.Named("realtime"),
		Observer:          metrics,
	}
	if redisClient != nil && cfg.Realtime.RedisRelay {
		hubCfg.Relay = realtime.NewRedisRelay(redisClient, cfg.Realtime.RelayChannel, logr.Named("relay"))
	}
	hub := realtime.NewHub(hubCfg)
	go hub.Run(ctx)

	complaintRepo := repository.NewComplaintRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Complaints.CacheTTL, logr, cfg.Complaints.CacheEnabled && redisClient != nil)

	cleanup := service.NewFileCleanupService(files, metrics, logr.Named("cleanup"), jobs.QueueConfig{
		Workers:    cfg.Cleanup.Workers,
		MaxRetries: cfg.Cleanup.MaxRetries,
		RetryDelay: cfg.Cleanup.RetryDelay,
	})
	cleanup.Start(ctx)
	defer cleanup.Stop()

	guard := service.NewAccessGuard()
	attachmentSvc := service.NewAttachmentService(complaintRepo, files,
		storage.NewSignedURLSigner(cfg.Complaints.SignedURLSecret, cfg.Complaints.SignedURLTTL),
		cleanup, guard, hub, cacheSvc, auditRepo, metrics, logr,
		service.AttachmentServiceConfig{
			MaxAttachments: cfg.Complaints.MaxAttachments,
			MaxFileSize:    cfg.Complaints.MaxAttachmentBytes,
			AllowedMIMEs:   cfg.Complaints.AllowedMIMEs,
			APIPrefix:      cfg.APIPrefix,
		})
	complaintSvc := service.NewComplaintService(complaintRepo, attachmentSvc, service.NewHistoryLog(complaintRepo),
		service.NewTicketCodeGenerator(), guard, service.NewValidator(), hub, cacheSvc, auditRepo, metrics, logr,
		service.ComplaintServiceConfig{StrictTransitions: cfg.Complaints.StrictTransitions})
	commentSvc := service.NewCommentService(complaintRepo, guard, hub, cacheSvc, auditRepo, logr)
	authSvc := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	sweeper := service.NewOrphanSweeper(files, complaintRepo, metrics, logr.Named("sweeper"), service.OrphanSweeperConfig{
		Schedule: cfg.Complaints.OrphanSweepSchedule,
		Grace:    cfg.Complaints.OrphanGracePeriod,
	})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		if err := sweeper.Run(ctx); err != nil {
			logr.Error("orphan sweeper stopped", zap.Error(err))
		}
	}()

	router := newRouter(cfg, logr, routerDeps{
		metrics:    handler.NewMetricsHandler(metrics, readinessChecks(db, redisClient, cacheRepo)),
		complaints: handler.NewComplaintHandler(complaintSvc, commentSvc, attachmentSvc),
		realtime:   handler.NewRealtimeHandler(hub, cfg.CORS.AllowedOrigins, cfg.Realtime.PongTimeout, logr.Named("realtime")),
		auth:       authSvc,
		metricsSvc: metrics,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			stop()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	<-hub.Done()
	<-sweeperDone
	return nil
}

type routerDeps struct {
	metrics    *handler.MetricsHandler
	complaints *handler.ComplaintHandler
	realtime   *handler.RealtimeHandler
	auth       *service.AuthService
	metricsSvc *service.MetricsService
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(deps.metricsSvc, "/health", "/ready", "/metrics"))
	r.MaxMultipartMemory = 8 << 20

	r.GET("/health", deps.metrics.Health)
	r.GET("/ready", deps.metrics.Ready)
	r.GET("/metrics", deps.metrics.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	r.GET("/ws",
		internalmiddleware.WebsocketJWT(deps.auth),
		internalmiddleware.RequireRoles(models.RoleStaff, models.RoleAdmin),
		deps.realtime.Subscribe)

	api := r.Group(cfg.APIPrefix)
	// signed links are handed to browsers and carry their own authorization
	api.GET("/complaints/:id/attachments/:attachmentId/download", deps.complaints.DownloadAttachment)

	secured := api.Group("")
	secured.Use(internalmiddleware.JWT(deps.auth))
	h := deps.complaints
	secured.POST("/complaints", h.Create)
	secured.GET("/complaints", h.List)
	secured.GET("/complaints/:id", h.Get)
	secured.PUT("/complaints/:id", h.Update)
	secured.PATCH("/complaints/:id/status", internalmiddleware.RequireRoles(models.RoleStaff, models.RoleAdmin), h.Transition)
	secured.PATCH("/complaints/:id/assign", internalmiddleware.RequireRoles(models.RoleStaff, models.RoleAdmin), h.Assign)
	secured.DELETE("/complaints/:id", h.Delete)
	secured.DELETE("/complaints/:id/purge", internalmiddleware.RequireRoles(models.RoleAdmin), h.Purge)
	secured.GET("/complaints/:id/history", h.History)
	secured.POST("/complaints/:id/comments", h.AddComment)
	secured.PUT("/complaints/:id/comments/:commentId", h.EditComment)
	secured.DELETE("/complaints/:id/comments/:commentId", h.DeleteComment)
	secured.POST("/complaints/:id/attachments", h.AddAttachments)
	secured.DELETE("/complaints/:id/attachments/:attachmentId", h.RemoveAttachment)
	secured.GET("/complaints/:id/attachments/:attachmentId/url", h.AttachmentURL)

	return r
}

func readinessChecks(db *sqlx.DB, client *redis.Client, cacheRepo *repository.CacheRepository) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
	}
	if client != nil {
		checks["redis"] = cacheRepo.Ping
	}
	return checks
}
