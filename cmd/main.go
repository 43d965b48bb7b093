/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the escrow ledger API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/craftwork/settlement-service/internal/api"
	"github.com/craftwork/settlement-service/internal/app"
	"github.com/craftwork/settlement-service/internal/config"
	"github.com/craftwork/settlement-service/internal/escrow"
	"github.com/craftwork/settlement-service/internal/ratelimit"
	"github.com/craftwork/settlement-service/internal/store"
	"github.com/craftwork/settlement-service/pkg/ledgerclient"
	rmrabbit "github.com/craftwork/settlement-service/pkg/rabbitmq"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.TreasuryAddress) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"treasury address must be configured\" env=TREASURY_ADDRESS")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s fee_percent=%d", cfg.ServerPort, cfg.PlatformFeePercent)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
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

	// Initialize the RabbitMQ producer to publish events.
	// This service only needs to publish, so we use a producer.
	var eventProducer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the escrow ledger API.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey, cfg.LedgerTimeout())

	// Pick the escrow rate limiter backend. Redis shares one budget across
	// replicas; the in-process sliding window is the single-instance fallback.
	limiterConfig := ratelimit.Config{
		MaxOpsPerMinute:         cfg.EscrowMaxOpsPerMinute,
		MaxAmountPerHour:        cfg.EscrowMaxAmountPerHour,
		WarningThresholdPercent: int64(cfg.EscrowWarnPercent),
	}
	var limiter ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process rate limiter\" env=REDIS_URL")
		limiter = ratelimit.New(limiterConfig)
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process rate limiter\" err=%v", parseErr)
			limiter = ratelimit.New(limiterConfig)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process rate limiter\" err=%v", pingErr)
				redisClient.Close()
				limiter = ratelimit.New(limiterConfig)
			} else {
				defer redisClient.Close()
				limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RedisRateLimitPrefix, limiterConfig)
				log.Println("level=info component=bootstrap msg=\"redis connected; using shared rate limiter\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the escrow gateway and the core application service.
	gateway := escrow.NewGateway(ledgerClient, limiter, repository, cfg.LedgerTimeout())
	settlementService := app.NewService(
		repository,
		gateway,
		eventProducer,
		cfg.PlatformFeePercent,
		cfg.TreasuryAddress,
	)

	// Start the background sweeper for auto-confirmation and escrow failure checks.
	sweeper := app.NewSweeper(
		settlementService,
		slog.New(slog.NewTextHandler(os.Stdout, nil)),
		cfg.AutoConfirmSchedule,
		cfg.FailureCheckSchedule,
		cfg.ConfirmationTimeout(),
	)
	sweeper.Start()
	defer sweeper.Stop()

	// Initialize the API handlers.
	bookingHandlers := api.NewBookingHandlers(settlementService, limiter, cfg.ConfirmationTimeout())

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/settlement", api.BookingRoutes(bookingHandlers, cfg.JWKSURL, cfg.InternalAPIKey))

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
