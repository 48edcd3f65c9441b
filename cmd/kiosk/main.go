package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kioskhq/kiosk/internal/airtable"
	"github.com/kioskhq/kiosk/internal/config"
	"github.com/kioskhq/kiosk/internal/database"
	"github.com/kioskhq/kiosk/internal/email"
	"github.com/kioskhq/kiosk/internal/logging"
	"github.com/kioskhq/kiosk/internal/server"
	kioskstripe "github.com/kioskhq/kiosk/internal/stripe"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	payments := kioskstripe.NewClient(kioskstripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.BaseURL + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     cfg.BaseURL + "/",
	})
	rows := airtable.NewClient(cfg.AirtableAPIKey, cfg.AirtableBaseID, cfg.AirtableTable)
	mailer := email.NewClient(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailgunSender, cfg.AdminEmail)

	if !rows.Configured() {
		slog.Warn("airtable not configured; subscriber rows will not be recorded")
	}
	if !mailer.Configured() {
		slog.Warn("mailgun not configured; notices will not be sent")
	}

	srv := server.New(server.Deps{
		DB:       db,
		Payments: payments,
		Rows:     rows,
		Mailer:   mailer,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Stripe stops retrying events after a few days; purge older entries.
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-30 * 24 * time.Hour)
				if n, err := srv.EventStore().DeleteOlderThan(cutoff); err != nil {
					slog.Error("purge processed events", "error", err)
				} else if n > 0 {
					slog.Info("purged processed events", "count", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("kiosk starting", "addr", ":"+cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
