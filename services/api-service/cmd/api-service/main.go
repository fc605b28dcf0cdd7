package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/kibbyhq/kibby/libs/config"
	"github.com/kibbyhq/kibby/libs/db"
	"github.com/kibbyhq/kibby/libs/httpx"
	"github.com/kibbyhq/kibby/libs/kafkax"
	otelx "github.com/kibbyhq/kibby/libs/otel"
	"github.com/kibbyhq/kibby/libs/runtime"
	"github.com/kibbyhq/kibby/services/api-service/internal/chain"
	"github.com/kibbyhq/kibby/services/api-service/internal/handlers"
	"github.com/kibbyhq/kibby/services/api-service/internal/outbox"
	"github.com/kibbyhq/kibby/services/api-service/internal/reconcile"
	"github.com/kibbyhq/kibby/services/api-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "api-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	rpcClient := rpc.New(config.String("SOLANA_RPC_URL", "https://api.devnet.solana.com"))

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	engine := reconcile.New(chain.NewRPCLedger(rpcClient), repo, logger, reconcile.Config{
		PollTimeout:         config.Duration("CONFIRM_POLL_TIMEOUT", 8*time.Second),
		PollInterval:        config.Duration("CONFIRM_POLL_INTERVAL", 2*time.Second),
		SignatureFetchLimit: config.Int("CONFIRM_SIGNATURE_FETCH_LIMIT", 5),
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	h := handlers.New(repo, engine, chain.NewBuilder(rpcClient), logger, handlers.Config{
		WebhookSecret: config.String("PAYMENT_WEBHOOK_SECRET", ""),
		BlockchainID:  config.String("BLOCKCHAIN_ID", ""),
	})
	mux.HandleFunc("/actions.json", h.ActionsJSON)
	mux.HandleFunc("/api/v1/meetings", h.Meetings)
	mux.HandleFunc("/api/v1/meetings/", h.MeetingByPath)
	mux.HandleFunc("/api/v1/bookings", h.Bookings)
	mux.HandleFunc("/api/v1/bookings/nft-mint", h.AttachNFTMint)
	mux.HandleFunc("/api/v1/actions/book-meeting", h.BookMeetingAction)
	mux.HandleFunc("/api/v1/actions/book-meeting/success", h.BookMeetingSuccess)
	mux.HandleFunc("/api/v1/webhooks/payments", h.PaymentWebhook)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var rateLimitMW httpx.Middleware
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		limiter := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, service)
		rateLimitMW = limiter.Middleware(logger, true)
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", redisAddr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		// Wallets fetch action endpoints cross-origin.
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Wallet"},
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("HTTP_BODY_LIMIT_BYTES", 1<<20))),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "api")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
