package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evalcoach/evalcoach-api/internal/config"
	"github.com/evalcoach/evalcoach-api/internal/database"
	"github.com/evalcoach/evalcoach-api/internal/handler"
	"github.com/evalcoach/evalcoach-api/internal/middleware"
	"github.com/evalcoach/evalcoach-api/internal/models"
	"github.com/evalcoach/evalcoach-api/internal/repository"
	"github.com/evalcoach/evalcoach-api/internal/router"
	"github.com/evalcoach/evalcoach-api/internal/service"
	"github.com/evalcoach/evalcoach-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Snapshot{}, &models.ChatMessage{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	// Redis and NATS are optional: without them insights fall back to
	// uncached reads and stream fan-out stays process-local.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer conn.Drain()
		natsConn = conn
	}

	coach, err := ai.NewOpenAICoach(ai.OpenAIConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.CoachModel,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create coach client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	snapshotRepo := repository.NewSnapshotRepository(db)
	chatRepo := repository.NewChatMessageRepository(db)

	snapshotService := service.NewSnapshotService(snapshotRepo, redisClient, validate, logger)
	coachService := service.NewCoachService(snapshotRepo, chatRepo, coach, redisClient, cfg.StreamChannel, natsConn, validate, logger)
	insightsService := service.NewInsightsService(snapshotRepo, redisClient, cfg.InsightsCacheTTL, logger)

	rootCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	coachService.Start(rootCtx)

	snapshotHandler := handler.NewSnapshotHandler(snapshotService, logger)
	chatHandler := handler.NewChatHandler(coachService, logger)
	insightsHandler := handler.NewInsightsHandler(insightsService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		SnapshotHandler: snapshotHandler,
		ChatHandler:     chatHandler,
		InsightsHandler: insightsHandler,
		JWTMiddleware:   middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
