package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/midnight-protocol/admin/internal/api"
	"github.com/midnight-protocol/admin/internal/api/handlers"
	"github.com/midnight-protocol/admin/internal/audit"
	"github.com/midnight-protocol/admin/internal/auth"
	"github.com/midnight-protocol/admin/internal/cache"
	"github.com/midnight-protocol/admin/internal/config"
	"github.com/midnight-protocol/admin/internal/database"
	"github.com/midnight-protocol/admin/internal/delivery"
	"github.com/midnight-protocol/admin/internal/llm"
	"github.com/midnight-protocol/admin/internal/mail"
	"github.com/midnight-protocol/admin/internal/queue"
	"github.com/midnight-protocol/admin/internal/template"
	"github.com/midnight-protocol/admin/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, cfg.Database.MigrationsPath); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	auditSvc := audit.NewService(db)

	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()
	webhookSvc := webhook.NewService(webhook.NewPostgresStore(db), queueClient)

	opts := []template.Option{
		template.WithPublisher(webhookSvc),
		template.WithAuditor(auditSvc),
	}
	health := map[string]handlers.Pinger{"database": db}

	// Redis is optional for reads; without it the template cache is off.
	rdb, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, running without cache", "error", err)
	} else {
		defer rdb.Close()
		tc := cache.NewCache(rdb, cfg.Redis.KeyPrefix)
		opts = append(opts, template.WithCache(tc, cfg.Redis.CacheTTL))
		health["redis"] = tc
	}

	templateSvc := template.NewService(template.NewPostgresRepository(db), opts...)

	var mailer delivery.Mailer = mail.LogMailer{}
	if cfg.MailEnabled() {
		smtp, err := mail.NewSMTPMailer(cfg.Mail)
		if err != nil {
			slog.Error("failed to configure SMTP", "error", err)
			os.Exit(1)
		}
		mailer = smtp
	} else {
		slog.Warn("SMTP_HOST not set, test emails are logged instead of sent")
	}

	deliverySvc := delivery.NewService(templateSvc, mailer, llm.NewGateway(cfg.LLM), auditSvc, auditSvc)

	router := api.NewRouter(cfg, api.Deps{
		Templates: templateSvc,
		Delivery:  deliverySvc,
		Audit:     auditSvc,
		Webhooks:  webhookSvc,
		Keys:      auth.NewPostgresKeyStore(db),
		Health:    health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
