// Command server runs the payment reconciliation service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/expont-mind/happy-academy-payments/internal/app"
	"github.com/expont-mind/happy-academy-payments/internal/app/services/notify"
	"github.com/expont-mind/happy-academy-payments/internal/app/services/payments"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage/postgres"
	supabasestore "github.com/expont-mind/happy-academy-payments/internal/app/storage/supabase"
	"github.com/expont-mind/happy-academy-payments/internal/config"
	"github.com/expont-mind/happy-academy-payments/internal/database"
	"github.com/expont-mind/happy-academy-payments/internal/gateway"
	"github.com/expont-mind/happy-academy-payments/internal/platform/migrations"
	"github.com/expont-mind/happy-academy-payments/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Local development convenience; absence of .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("server").Fatalf("load configuration: %v", err)
	}
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}).WithField("component", "server")

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.Fatalf("initialise storage: %v", err)
	}
	defer cleanup()

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		AppSecret:  cfg.Gateway.AppSecret,
		TerminalID: cfg.Gateway.TerminalID,
		Timeout:    cfg.Gateway.Timeout,
	})
	if err != nil {
		log.Fatalf("initialise gateway client: %v", err)
	}

	var notifier payments.Notifier
	if cfg.Notify.Endpoint != "" {
		notifier = notify.NewHTTPNotifier(notify.Config{
			Endpoint: cfg.Notify.Endpoint,
			APIKey:   cfg.Notify.APIKey,
			Sender:   cfg.Notify.Sender,
			Timeout:  cfg.Notify.Timeout,
		}, log.WithField("component", "notify"))
	}

	application, err := app.New(app.Options{
		Gateway:               gw,
		Notifier:              notifier,
		Stores:                stores,
		InvoiceTTL:            cfg.Payments.InvoiceTTL(),
		CallbackURL:           cfg.Payments.CallbackURL,
		UIRedirectURL:         cfg.Payments.UIRedirectURL,
		OrderCodePrefix:       cfg.Payments.OrderCodePrefix,
		SweepEnabled:          cfg.Sweep.Enabled,
		SweepSchedule:         cfg.Sweep.Schedule,
		CallbackRatePerSecond: cfg.Payments.CallbackRatePerSecond,
		CallbackBurst:         cfg.Payments.CallbackBurst,
	}, log)
	if err != nil {
		log.Fatalf("assemble application: %v", err)
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("start background services: %v", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      application.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.Errorf("service shutdown: %v", err)
	}
	log.Info("server stopped")
}

// buildStores selects the persistence backend from configuration. The memory
// driver needs no setup; postgres applies the embedded schema on boot.
func buildStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return app.Stores{}, nil, err
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
		log.Info("postgres storage ready")

		store := postgres.New(db)
		return app.Stores{Transactions: store, Grants: store, Orders: store}, func() { db.Close() }, nil

	case "supabase":
		client, err := database.NewClient(database.Config{
			URL:        cfg.Supabase.URL,
			ServiceKey: cfg.Supabase.ServiceKey,
			Timeout:    cfg.Supabase.Timeout,
		})
		if err != nil {
			return app.Stores{}, nil, err
		}
		log.Info("supabase storage ready")

		store := supabasestore.New(client)
		return app.Stores{Transactions: store, Grants: store, Orders: store}, func() {}, nil

	default:
		log.Warn("using in-memory storage; data does not survive restarts")
		return app.Stores{}, func() {}, nil
	}
}
