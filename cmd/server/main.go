package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stripe/stripe-go/v82"

	"github.com/carmelita-app/backend/internal/api"
	"github.com/carmelita-app/backend/internal/auth"
	"github.com/carmelita-app/backend/internal/config"
	"github.com/carmelita-app/backend/internal/database"
	"github.com/carmelita-app/backend/internal/genai"
	"github.com/carmelita-app/backend/internal/repository"
	"github.com/carmelita-app/backend/internal/service"
	"github.com/carmelita-app/backend/internal/storage"
	"github.com/carmelita-app/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	stripe.Key = cfg.StripeSecretKey

	ledgerRepo := repository.NewLedgerRepository(db)
	grantRepo := repository.NewGrantRepository(db)
	generationRepo := repository.NewGenerationRepository(db)

	var events service.EventRegistry = repository.NewEventRepository(db)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("redis connect: %v", err)
		}
		events = repository.NewRedisEventRepository(rdb, 0)
		logr.Info("webhook dedup backed by redis", "addr", cfg.RedisAddr)
	}

	genaiClient := genai.NewClient(cfg, logr)

	var media service.MediaStore
	if cfg.VideoDelivery == config.VideoDeliverySigned {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
			SignedURLTTL: cfg.SignedURLTTL,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		media = uploader
	}

	billingService := service.NewBillingService(cfg, logr, ledgerRepo, events, grantRepo)
	generationService := service.NewGenerationService(cfg, logr, genaiClient, media, generationRepo)

	verifier := auth.NewIdentityVerifier(cfg)

	server := api.NewServer(cfg.ListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, verifier, billingService, generationService)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
