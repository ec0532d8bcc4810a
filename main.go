package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-admission/internal/admission"
	"ms-admission/internal/admission/admission_api"
	"ms-admission/internal/auth"
	"ms-admission/internal/clock"
	"ms-admission/internal/config"
	"ms-admission/internal/database/migrations"
	"ms-admission/internal/identifier"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/notification"
	"ms-admission/internal/ratelimit"
	"ms-admission/internal/sse"
	ticket_db "ms-admission/internal/tickets/db"
	"ms-admission/internal/tickets/qr"
	tickets "ms-admission/internal/tickets/service"
	"ms-admission/internal/tickets/ticket_api"
	"ms-admission/internal/utils"
)

func connectPostgres(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	retries := max(cfg.ConnRetries, 1)

	for i := 0; i < retries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, retries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			if err = sqldb.Ping(); err == nil {
				break
			}
			_ = sqldb.Close()
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < retries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", retries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

// runMigrations uses its own connection because the migrator closes the
// one it is handed.
func runMigrations(dsn string, log *logger.Logger) error {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	runner := migrations.NewRunner(sqldb, log)
	defer func() {
		if err := runner.Close(); err != nil {
			log.Warn("DATABASE", fmt.Sprintf("Failed to close migrator: %v", err))
		}
	}()
	return runner.MigrateUp()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	if cfg.Addr == "" {
		log.Warn("REDIS", "REDIS_ADDR not set, PIN attempt limiting disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		// The limiter fails open, so an unreachable Redis only costs the limit.
		log.Warn("REDIS", fmt.Sprintf("Redis not reachable at %s: %v", cfg.Addr, err))
	} else {
		log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	}
	return client
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) auth.TokenVerifier {
	switch cfg.Mode {
	case config.AuthModeHMAC:
		v, err := auth.NewHMACVerifier([]byte(cfg.HMACSecret), cfg.HMACIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Invalid HMAC configuration: %v", err))
		}
		log.Warn("AUTH", "Using shared-secret token verification")
		return v
	default:
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("Failed to initialize OIDC verifier: %v", err))
		}
		log.Info("AUTH", fmt.Sprintf("OIDC verifier ready for issuer %s", cfg.OIDCIssuer))
		return v
	}
}

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Dir, logger.ParseLevel(cfg.Log.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("APP", "Starting Admission Service initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx := context.Background()

	dayClock, err := clock.LoadDayClock(cfg.Ticket.Timezone, clock.NewSystem())
	if err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid ORG_TIMEZONE: %v", err))
	}
	log.Info("CONFIG", fmt.Sprintf("Operating timezone: %s", dayClock.Location()))

	bunDB := connectPostgres(cfg.Database, log)
	defer bunDB.Close()

	if cfg.Database.AutoMigrate {
		if err := runMigrations(cfg.Database.DSN, log); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
	}

	redisClient := connectRedis(ctx, cfg.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := &ticket_db.DB{Bun: bunDB}
	codec := qr.NewCodec(cfg.Ticket.QRSize)
	feed := sse.NewAdmissionEventEmitter()

	var sink notification.Sink = notification.NopSink{}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		log.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for brokers %v", cfg.Kafka.Brokers))

		topics := []string{cfg.Kafka.Topics.TicketIssued, cfg.Kafka.Topics.AdmissionEvents}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, cfg.Kafka.Partitions, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		sink = notification.NewKafkaSink(producer, cfg.Kafka.Topics.TicketIssued)
	} else {
		log.Warn("KAFKA", "Kafka disabled, ticket notifications are dropped")
	}

	ticketService := tickets.NewTicketService(store, identifier.NewGenerator(), codec, sink, cfg.Ticket.BaseURL, log)

	admissionService := admission.NewService(store, dayClock, codec, log)
	admissionService.Feed = feed
	if redisClient != nil {
		admissionService.Limiter = ratelimit.NewLimiter(redisClient, cfg.Redis.PINAttemptLimit, cfg.Redis.PINAttemptWindow)
	}
	if producer != nil {
		admissionService.Publisher = producer
		admissionService.Topic = cfg.Kafka.Topics.AdmissionEvents
	}

	ticketHandler := ticket_api.NewHandler(ticketService, admissionService, log)
	admissionHandler := admission_api.NewHandler(admissionService, feed, log)
	verifier := newVerifier(ctx, cfg.Auth, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			utils.WriteError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
		utils.WriteSuccess(w, http.StatusOK, "ok", nil)
	})

	r.Route("/api", func(r chi.Router) {
		// --- Public Routes ---
		ticketHandler.RegisterPublicRoutes(r)
		log.Info("ROUTER", "Public ticket view registered at /api/tickets/view/{token}")

		// --- Protected Routes ---
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier, log))
			ticketHandler.RegisterRoutes(r)
			admissionHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Ticket and admission routes registered under /api")
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Admission Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Admission Service shutdown complete")
	}
}
