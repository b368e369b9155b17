/**
 * @description
 * This is the main entry point for the cashflow-service. It initializes
 * configuration, the request store, the per-agent lock acquire budget, the
 * message broker, the background jobs and the HTTP server, wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Backs the per-agent lock acquire budget.
 * - github.com/prometheus/client_golang: Metrics registry and /metrics handler.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/cashflow-service/internal/api"
	"github.com/transfa/cashflow-service/internal/app"
	"github.com/transfa/cashflow-service/internal/config"
	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
	rmrabbit "github.com/transfa/cashflow-service/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.AgentJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"agent jwt secret must be configured\" env=AGENT_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting cashflow-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	var repository store.Repository
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; lifecycle events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var budget app.AcquireBudget
	if cfg.LockAcquireRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; lock acquire budget disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; lock acquire budget disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					// The budget fails open, so a late Redis only loses throttling.
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; acquire budget will fail open until it recovers\" err=%v", pingErr)
				} else {
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
				defer redisClient.Close()
				budget = app.NewRedisAcquireBudget(redisClient, cfg.RedisAcquireBudgetPrefix)
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := app.NewMetrics(registry)

	cashflowService := app.NewService(repository, publisher, budget, metrics, app.ServiceConfig{
		LeaseTTL:                      cfg.LockLeaseTTL,
		LockAcquireRateLimitPerMinute: cfg.LockAcquireRateLimitPerMinute,
		EventsExchange:                cfg.EventsExchange,
	})

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		intake := app.NewSubmissionConsumer(cashflowService)
		bindings := map[string]rmrabbit.Handler{
			domain.EventDepositSubmitted:    intake.HandleDepositSubmitted,
			domain.EventWithdrawalSubmitted: intake.HandleWithdrawalSubmitted,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.SubmissionExchange, cfg.SubmissionQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"submission consumer start failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"submission consumer started\" exchange=%s queue=%s", cfg.SubmissionExchange, cfg.SubmissionQueue)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	scheduler := app.NewScheduler(app.NewJobs(cashflowService, metrics, logger), logger, app.ScheduleConfig{
		LockSweepSchedule: cfg.LockSweepSchedule,
		AuditSchedule:     cfg.AuditSchedule,
	})
	scheduler.Start()

	router := api.DeskRoutes(api.NewDeskHandlers(cashflowService), api.RouterConfig{
		JWTSecret:      cfg.AgentJWTSecret,
		JWTIssuer:      cfg.AgentJWTIssuer,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
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

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"jobs still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
