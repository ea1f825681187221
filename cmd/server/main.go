package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/client"
	"github.com/SpasticPalate/market-charts-sub001/internal/config"
	"github.com/SpasticPalate/market-charts-sub001/internal/event"
	"github.com/SpasticPalate/market-charts-sub001/internal/handler"
	"github.com/SpasticPalate/market-charts-sub001/internal/middleware"
	"github.com/SpasticPalate/market-charts-sub001/internal/repository"
	"github.com/SpasticPalate/market-charts-sub001/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := createLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to database
	db, err := connectToDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repository
	recordRepo := repository.NewIndexRecordRepository(db, logger)
	if err := recordRepo.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	// Initialize provider clients and the failover controller
	primary := client.NewAlphaVantageClient(client.AlphaVantageOptions{
		BaseURL:        cfg.Providers.Primary.BaseURL,
		APIKey:         cfg.Providers.Primary.APIKey,
		DailyCallLimit: cfg.Providers.Primary.DailyCallLimit,
		RequestTimeout: cfg.Providers.Primary.RequestTimeout,
		RatePerSecond:  cfg.Providers.Primary.RatePerSecond,
	}, logger)

	backup := client.NewFinQuoteClient(client.FinQuoteOptions{
		BaseURL:        cfg.Providers.Backup.BaseURL,
		APIToken:       cfg.Providers.Backup.APIKey,
		DailyCallLimit: cfg.Providers.Backup.DailyCallLimit,
		RequestTimeout: cfg.Providers.Backup.RequestTimeout,
		RatePerSecond:  cfg.Providers.Backup.RatePerSecond,
	}, logger)

	failover := client.NewFailoverController(primary, backup, cfg.Failover.RetryWindow, logger)

	// Initialize Kafka publisher (disabled when no brokers configured)
	var brokers []string
	if cfg.Kafka.Enabled {
		brokers = cfg.Kafka.Brokers
	}
	publisher := event.NewPublisher(brokers, cfg.Kafka.Topic, logger)
	defer publisher.Close()

	// Trading calendar from the configured holiday set
	holidays, err := cfg.Market.HolidayDates()
	if err != nil {
		logger.Fatal("Failed to parse holiday calendar", zap.Error(err))
	}
	calendar := service.NewTradingCalendar(holidays)

	// Initialize services
	reconciliation := service.NewReconciliationService(
		recordRepo,
		failover,
		calendar,
		publisher,
		cfg.Market.ConsistencyTolerancePct,
		logger,
	)
	processor := service.NewChartDataProcessor()

	// Initialize handlers
	historyHandler := handler.NewHistoryHandler(reconciliation, logger)
	chartHandler := handler.NewChartHandler(reconciliation, processor, chartBaselines(cfg.Market, logger), logger)
	providerHandler := handler.NewProviderHandler(failover, logger)

	// Set up HTTP server with Gin
	router := setupRouter(
		historyHandler,
		chartHandler,
		providerHandler,
		logger,
		cfg,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create a deadline for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited properly")
}

func createLogger(level string) (*zap.Logger, error) {
	// Parse log level
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Create logger config
	config := zap.Config{
		Level:            zapLevel,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

func connectToDB(dbConfig config.DatabaseConfig, logger *zap.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.DBName,
		dbConfig.SSLMode,
	)

	// The database may still be starting alongside this service; retry the
	// initial connection with exponential backoff.
	var db *sqlx.DB
	connect := func() error {
		var err error
		db, err = sqlx.Connect("pgx", dsn)
		if err != nil {
			logger.Warn("Database not ready, retrying", zap.Error(err))
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	return db, nil
}

func chartBaselines(m config.MarketConfig, logger *zap.Logger) handler.ChartBaselines {
	parse := func(name, value string) time.Time {
		if value == "" {
			return time.Time{}
		}
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			logger.Warn("Invalid baseline date in config, ignoring",
				zap.String("field", name),
				zap.String("value", value))
			return time.Time{}
		}
		return t
	}

	return handler.ChartBaselines{
		CurrentTermStart:  parse("currentTermStart", m.CurrentTermStart),
		PreviousTermStart: parse("previousTermStart", m.PreviousTermStart),
		EventDate:         parse("eventDate", m.EventDate),
		EventText:         m.EventText,
	}
}

func setupRouter(
	historyHandler *handler.HistoryHandler,
	chartHandler *handler.ChartHandler,
	providerHandler *handler.ProviderHandler,
	logger *zap.Logger,
	cfg *config.Config,
) *gin.Engine {
	router := gin.New()

	// Use middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// API routes
	v1 := router.Group("/api/v1")
	{
		// Index history routes
		indices := v1.Group("/indices")
		{
			indices.GET("", historyHandler.GetIndices)
			indices.GET("/:index/history", historyHandler.GetHistory)
			indices.GET("/:index/latest", historyHandler.GetLatest)
		}

		// Chart derivation routes
		charts := v1.Group("/charts")
		{
			charts.GET("/percentage-change", chartHandler.GetPercentageChangeChart)
			charts.GET("/comparison", chartHandler.GetComparisonChart)
			charts.GET("/indicators", chartHandler.GetIndicators)
		}

		// Provider status and admin routes
		providers := v1.Group("/providers")
		{
			providers.GET("/status", providerHandler.GetStatus)

			// Protected admin routes (requires service key)
			providersAuth := providers.Group("")
			providersAuth.Use(middleware.ServiceAuthMiddleware(cfg.ServiceKey, logger))
			providersAuth.POST("/primary/reset", providerHandler.ForceResetToPrimary)
		}
	}
	return router
}
