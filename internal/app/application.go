package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"drivingschool-backend/internal/background"
	"drivingschool-backend/internal/config"
	"drivingschool-backend/internal/handlers"
	"drivingschool-backend/internal/middleware"
	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments/teori"
	"drivingschool-backend/internal/repository"
	"drivingschool-backend/internal/service"
	"drivingschool-backend/internal/telemetry"
	"drivingschool-backend/pkg/cache"
	"drivingschool-backend/pkg/logger"
)

const teoriOrderSyncJob = "teori-order-sync"

type Application struct {
	cfg *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	db              *gorm.DB
	cache           *cache.Cache
	rateLimits      *middleware.RateLimitManager
	scheduler       *background.Scheduler
	shutdownTracing telemetry.ShutdownFunc

	repositories repositoryContainer
	services     serviceContainer
	handlers     handlerContainer

	router *gin.Engine
	server *http.Server
}

type repositoryContainer struct {
	Setting    repository.SettingRepository
	TeoriOrder repository.TeoriOrderRepository
}

type serviceContainer struct {
	TeoriSettings   *teori.Resolver
	TeoriCheckout   *service.TeoriCheckoutService
	TeoriCallbacks  *service.TeoriCallbackService
	TeoriSettingsUp *service.TeoriSettingsService
}

type handlerContainer struct {
	Teori *handlers.TeoriHandler
	Jobs  *handlers.JobHandler
}

func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initTracing(); err != nil {
		cancel()
		return nil, err
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, err
	}

	if err := app.runMigrations(); err != nil {
		cancel()
		return nil, err
	}

	if err := app.createIndexes(); err != nil {
		cancel()
		return nil, err
	}

	app.initCache()
	app.initRepositories()
	app.initServices()
	app.scheduler = background.NewScheduler()
	app.initHandlers()
	app.initRouter()

	app.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	return app, nil
}

func (a *Application) Run() error {
	a.scheduler.Start(a.ctx)
	if err := a.scheduleJobs(); err != nil {
		return err
	}

	logger.Info("Server starting", map[string]interface{}{
		"port":        a.cfg.Port,
		"environment": a.cfg.Environment,
	})

	return a.server.ListenAndServe()
}

func (a *Application) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
	}

	if a.cancel != nil {
		a.cancel()
	}

	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(ctx); err != nil {
			logger.Error(err, "Background jobs did not stop in time", nil)
		}
	}

	if a.rateLimits != nil {
		_ = a.rateLimits.Shutdown()
	}

	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			logger.Error(err, "Failed to flush traces", nil)
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Error(err, "Failed to close cache connection", nil)
		}
	}

	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	return shutdownErr
}

func (a *Application) Router() *gin.Engine {
	return a.router
}

func (a *Application) initTracing() error {
	shutdown, err := telemetry.Setup(a.ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdownTracing = shutdown
	return nil
}

func (a *Application) initDatabase() error {
	logger.Info("Connecting to database", nil)

	db, err := gorm.Open(postgres.Open(a.cfg.DatabaseURL), &gorm.Config{
		Logger: logger.NewGormLogger(),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	a.db = db
	return nil
}

func (a *Application) runMigrations() error {
	if a.db == nil {
		return fmt.Errorf("database connection is not initialized")
	}

	logger.Info("Running database migrations", nil)

	if err := a.db.AutoMigrate(
		&models.Setting{},
		&models.TeoriOrder{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Database migration completed", nil)
	return nil
}

func (a *Application) createIndexes() error {
	if a.db == nil {
		return fmt.Errorf("database connection is not initialized")
	}

	logger.Info("Creating database indexes", nil)

	statements := []string{
		"CREATE INDEX IF NOT EXISTS idx_teori_orders_created_at ON teori_orders(created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_teori_orders_open ON teori_orders(last_status_check ASC NULLS FIRST) WHERE status NOT IN ('Completed', 'Refused', 'Cancelled', 'Expired')",
		"CREATE INDEX IF NOT EXISTS idx_settings_category ON settings(category)",
	}

	for _, stmt := range statements {
		if err := a.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (a *Application) initCache() {
	if !a.cfg.EnableRedis {
		a.cache, _ = cache.NewCache("", false)
		return
	}

	c, err := cache.NewCache(a.cfg.RedisURL, true)
	if err != nil {
		logger.Error(err, "Redis unavailable, continuing without checkout locks", nil)
		a.cache, _ = cache.NewCache("", false)
		return
	}
	a.cache = c
}

func (a *Application) initRepositories() {
	a.repositories = repositoryContainer{
		Setting:    repository.NewSettingRepository(a.db),
		TeoriOrder: repository.NewTeoriOrderRepository(a.db),
	}
}

func (a *Application) initServices() {
	resolver := teori.NewResolver(a.repositories.Setting, teori.ResolverOptions{Prefix: a.cfg.TeoriSettingsPrefix})
	client := teori.NewClient(teori.ClientOptions{Timeout: a.cfg.TeoriRequestTimeout})

	checkout := service.NewTeoriCheckoutService(resolver, client, a.repositories.TeoriOrder, service.TeoriCheckoutConfig{
		CallbackTokenTTL: a.cfg.TeoriCallbackTokenTTL,
		LockTTL:          a.cfg.TeoriCheckoutLockTTL,
		RequestTimeout:   a.cfg.TeoriRequestTimeout,
	})
	if a.cache.Enabled() {
		checkout.SetLocker(a.cache)
	}

	a.services = serviceContainer{
		TeoriSettings:   resolver,
		TeoriCheckout:   checkout,
		TeoriCallbacks:  service.NewTeoriCallbackService(teori.NewWebhookVerifier(resolver), a.repositories.TeoriOrder),
		TeoriSettingsUp: service.NewTeoriSettingsService(resolver, a.repositories.Setting),
	}
}

func (a *Application) initHandlers() {
	a.handlers = handlerContainer{
		Teori: handlers.NewTeoriHandler(
			a.services.TeoriCheckout,
			a.services.TeoriCallbacks,
			a.services.TeoriSettings,
			a.services.TeoriSettingsUp,
		),
		Jobs: handlers.NewJobHandler(a.scheduler),
	}
}

func (a *Application) initRouter() {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a.rateLimits = middleware.NewRateLimitManager(a.ctx)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(logger.GinLogger())
	router.Use(middleware.SecurityHeadersMiddleware())
	if a.cfg.EnableMetrics {
		router.Use(middleware.MetricsMiddleware())
	}
	router.Use(middleware.RateLimitMiddleware(a.rateLimits, a.cfg))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	if a.cfg.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	teoriHandler := a.handlers.Teori

	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments/teori")
		{
			payments.POST("/checkout", middleware.CheckoutRateLimitMiddleware(a.rateLimits, a.cfg), teoriHandler.CreateCheckout)

			callbacks := payments.Group("")
			callbacks.Use(middleware.CallbackRateLimitMiddleware(a.rateLimits, a.cfg))
			callbacks.POST(strings.TrimPrefix(teori.PushPath, "/api/v1/payments/teori"), teoriHandler.StatusPush)
			callbacks.POST(strings.TrimPrefix(teori.ValidatePath, "/api/v1/payments/teori"), teoriHandler.ValidateOrder)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(a.cfg.JWTSecret))
		admin.Use(middleware.AdminMiddleware())
		{
			admin.GET("/payments/teori/settings", teoriHandler.SettingsStatus)
			admin.PUT("/payments/teori/settings", teoriHandler.UpdateSettings)
			admin.POST("/payments/teori/settings/reload", teoriHandler.ReloadSettings)
			admin.GET("/payments/teori/orders/:orderId", teoriHandler.RefreshOrder)
			admin.GET("/jobs", a.handlers.Jobs.List)
			admin.POST("/jobs/:name/run", a.handlers.Jobs.Run)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Route not found",
			"path":  c.Request.URL.Path,
		})
	})

	a.router = router
}

func (a *Application) scheduleJobs() error {
	if !a.cfg.TeoriOrderSyncEnabled {
		logger.Info("Teori order sync disabled", nil)
		return nil
	}

	interval := a.cfg.TeoriOrderSyncEvery
	checkout := a.services.TeoriCheckout

	job := background.Job{
		Name:        teoriOrderSyncJob,
		Interval:    interval,
		Timeout:     interval,
		RetryPolicy: background.RetryPolicy{MaxRetries: 1, Backoff: 30 * time.Second},
		Run: func(ctx context.Context) error {
			_, err := checkout.SyncStaleOrders(ctx, interval, 0)
			if teori.IsUnavailable(err) {
				logger.Debug("Skipping Teori order sync, provider not configured", map[string]interface{}{"reason": err.Error()})
				return nil
			}
			return err
		},
	}

	if err := a.scheduler.Every(job); err != nil && !errors.Is(err, background.ErrJobAlreadyScheduled) {
		return fmt.Errorf("failed to schedule %s: %w", teoriOrderSyncJob, err)
	}
	return nil
}
