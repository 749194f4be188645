/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application service, the reconciliation scheduler, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Periodic reconciliation and code purging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/custodyclient: Client for the custody transaction API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/vaultline/transfer-service/internal/api"
	"github.com/vaultline/transfer-service/internal/app"
	"github.com/vaultline/transfer-service/internal/config"
	"github.com/vaultline/transfer-service/internal/store"
	"github.com/vaultline/transfer-service/pkg/custodyclient"
	rmrabbit "github.com/vaultline/transfer-service/pkg/rabbitmq"
)

func main() {
	// Load an optional .env file for local development before reading config.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer. Code delivery depends on it: without
	// a broker, issuance requests fail rather than silently drop codes.
	var events rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; code issuance will fail until broker returns\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		events = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the custody transaction API.
	tokenTable := make(map[custodyclient.TokenKey]string)
	for pair, tokenID := range cfg.TokenTable() {
		parts := strings.SplitN(pair, "/", 2)
		if len(parts) != 2 {
			log.Printf("level=warn component=bootstrap msg=\"skipping malformed token table entry\" entry=%q", pair)
			continue
		}
		tokenTable[custodyclient.TokenKey{Symbol: parts[0], Chain: parts[1]}] = tokenID
	}
	custodyClient := custodyclient.NewClient(cfg.CustodyAPIBaseURL, cfg.CustodyAPIKey, tokenTable)
	if !custodyClient.IsAvailable() {
		log.Println("level=warn component=bootstrap msg=\"custody client not configured; transfer execution will fail\" env=CUSTODY_API_BASE_URL")
	}

	// Redis backs the code-request rate limiter. The service degrades to
	// unthrottled issuance without it.
	var redisClient *redis.Client
	if cfg.RequestCodeRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; code request rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; code request rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; code request rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	transferService := app.NewService(repository, custodyClient, events, app.ServiceOptions{
		CodeTTL:       time.Duration(cfg.CodeTTLMinutes) * time.Minute,
		MemoMaxLength: cfg.MemoMaxLength,
		FeeLevel:      cfg.DefaultFeeLevel,
		SubmitTimeout: time.Duration(cfg.SubmitTimeoutSeconds) * time.Second,
	})

	// Initialize the API handlers.
	handlerOpts := api.HandlerOptions{
		CodeRateLimit:   cfg.RequestCodeRateLimitPerMinute,
		CodeRateWindow:  time.Minute,
		HistoryPageSize: cfg.HistoryPageSize,
	}
	if redisClient != nil {
		handlerOpts.Limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	transferHandlers := api.NewTransferHandlers(transferService, handlerOpts)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(transferHandlers, cfg.InternalAPIKey))

	// Schedule background maintenance: custody status reconciliation plus
	// purging of expired, unused authorization codes.
	cronLogger := cron.PrintfLogger(log.Default())
	scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	reconciler := transferService.StatusReconciler()
	if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		reconciler.ReconcileOutstanding(ctx, cfg.ReconcileBatchLimit)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconcile schedule invalid\" schedule=%q err=%v", cfg.ReconcileSchedule, err)
	}
	if _, err := scheduler.AddFunc("@every 10m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		deleted, purgeErr := repository.DeleteExpiredAuthorizationCodes(ctx)
		if purgeErr != nil {
			log.Printf("level=warn component=scheduler msg=\"expired code purge failed\" err=%v", purgeErr)
			return
		}
		if deleted > 0 {
			log.Printf("level=info component=scheduler msg=\"purged expired authorization codes\" count=%d", deleted)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"code purge schedule invalid\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
