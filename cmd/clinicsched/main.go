package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/awolthers/clinicsched/internal/booking"
	"github.com/awolthers/clinicsched/internal/calendar"
	"github.com/awolthers/clinicsched/internal/handlers"
	"github.com/awolthers/clinicsched/internal/notify"
	"github.com/awolthers/clinicsched/internal/outbox"
	"github.com/awolthers/clinicsched/internal/reminder"
	"github.com/awolthers/clinicsched/internal/storage"
	"github.com/awolthers/clinicsched/libs/config"
	"github.com/awolthers/clinicsched/libs/db"
	"github.com/awolthers/clinicsched/libs/httpx"
	"github.com/awolthers/clinicsched/libs/kafkax"
	otelx "github.com/awolthers/clinicsched/libs/otel"
	"github.com/awolthers/clinicsched/libs/runtime"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "clinicsched")
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

	loc := time.UTC
	if tz := config.String("CLINIC_TIMEZONE", ""); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			logger.Error("invalid CLINIC_TIMEZONE, falling back to UTC", "tz", tz, "err", err)
		} else {
			loc = l
		}
	}

	outboxRepo := outbox.NewRepository(pool)
	apptRepo := storage.NewAppointmentRepository(pool, outboxRepo)
	dirRepo := storage.NewDirectoryRepository(pool)
	notifRepo := storage.NewNotificationRepository(pool)

	sender := notify.NewSMTPSender(
		config.String("SMTP_HOST", "localhost"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", ""),
	)
	notifier := notify.NewService(sender, notifRepo, logger)

	var cal calendar.Service = calendar.Disabled{}
	if clientID := config.String("GOOGLE_CLIENT_ID", ""); clientID != "" {
		cal = calendar.NewGoogleService(calendar.GoogleConfig{
			ClientID:     clientID,
			ClientSecret: config.String("GOOGLE_CLIENT_SECRET", ""),
			RedirectURL:  config.String("GOOGLE_REDIRECT_URL", ""),
		}, storage.NewCredentialRepository(pool), logger)
	} else {
		logger.Warn("google calendar disabled, GOOGLE_CLIENT_ID not set")
	}

	bookingSvc := booking.NewService(apptRepo, dirRepo, cal, notifier, logger, booking.Config{
		Location:    loc,
		SyncTimeout: config.Duration("CALENDAR_SYNC_TIMEOUT", 10*time.Second),
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	reminderWorker := reminder.NewWorker(apptRepo, notifier, logger, reminder.WorkerConfig{
		Interval:  config.Duration("REMINDER_POLL_INTERVAL", time.Minute),
		Lookahead: config.Duration("REMINDER_LOOKAHEAD", 24*time.Hour),
		BatchSize: config.Int("REMINDER_BATCH_SIZE", 50),
	})
	go reminderWorker.Run(ctx)

	bookingHandler := handlers.NewBookingHandler(bookingSvc, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/slots", bookingHandler.Slots)
	mux.HandleFunc("/api/v1/bookings", bookingHandler.Create)
	mux.HandleFunc("/api/v1/bookings/cancel", bookingHandler.Cancel)
	mux.HandleFunc("/api/v1/bookings/complete", bookingHandler.Complete)
	mux.HandleFunc("/api/v1/appointments", bookingHandler.List)
	mux.HandleFunc("/api/v1/appointments/get", bookingHandler.Get)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(64 << 10),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: splitCSV(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-User-Id", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
	}
	rateLimit := config.Int("RATE_LIMIT", 120)
	rateWindow := config.Duration("RATE_LIMIT_WINDOW", time.Minute)
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL, falling back to in-process rate limiting", "err", err)
			middlewares = append(middlewares, httpx.NewRateLimiter(rateLimit, rateWindow).Middleware())
		} else {
			rdb := redis.NewClient(opts)
			limiter := httpx.NewRedisRateLimiter(rdb, rateLimit, rateWindow, service)
			middlewares = append(middlewares, limiter.Middleware(logger, true))
		}
	} else {
		middlewares = append(middlewares, httpx.NewRateLimiter(rateLimit, rateWindow).Middleware())
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
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
