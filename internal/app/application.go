// Package app wires the payment core's services together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/httpapi"
	"github.com/expont-mind/happy-academy-payments/internal/app/services/payments"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage/memory"
	"github.com/expont-mind/happy-academy-payments/internal/app/system"
	"github.com/expont-mind/happy-academy-payments/pkg/logger"
)

// Stores bundles the persistence interfaces the application runs on. Any nil
// field falls back to the in-memory store, which keeps tests and local runs
// free of external dependencies.
type Stores struct {
	Transactions storage.TransactionStore
	Grants       storage.GrantStore
	Orders       storage.OrderStore
}

func (s Stores) withDefaults() Stores {
	if s.Transactions == nil || s.Grants == nil || s.Orders == nil {
		mem := memory.New()
		if s.Transactions == nil {
			s.Transactions = mem
		}
		if s.Grants == nil {
			s.Grants = mem
		}
		if s.Orders == nil {
			s.Orders = mem
		}
	}
	return s
}

// Options configures the assembled application.
type Options struct {
	Gateway  payments.InvoiceGateway
	Notifier payments.Notifier
	Stores   Stores

	InvoiceTTL      time.Duration
	CallbackURL     string
	UIRedirectURL   string
	OrderCodePrefix string

	SweepEnabled  bool
	SweepSchedule string

	CallbackRatePerSecond int
	CallbackBurst         int
}

// Application owns the payment service, its background sweep and the HTTP
// handler.
type Application struct {
	Payments *payments.Service
	Handler  http.Handler

	manager *system.Manager
	log     *logger.Logger
}

// New assembles the application from its parts.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	stores := opts.Stores.withDefaults()
	svc := payments.New(stores.Transactions, stores.Grants, stores.Orders, opts.Gateway, log.WithField("component", "payments"))
	svc.WithInvoiceTTL(opts.InvoiceTTL)
	svc.WithCallbackURL(opts.CallbackURL)
	svc.WithOrderCodePrefix(opts.OrderCodePrefix)
	if opts.Notifier != nil {
		svc.WithNotifier(opts.Notifier)
	}

	manager := system.NewManager()
	if opts.SweepEnabled {
		sweep := payments.NewSweepRunner(svc, opts.SweepSchedule, log.WithField("component", "sweep"))
		if err := manager.Register(sweep); err != nil {
			return nil, err
		}
	}

	handler := httpapi.NewHandler(svc, httpapi.Options{
		UIRedirectURL:         opts.UIRedirectURL,
		CallbackRatePerSecond: opts.CallbackRatePerSecond,
		CallbackBurst:         opts.CallbackBurst,
	}, log.WithField("component", "httpapi"))

	return &Application{
		Payments: svc,
		Handler:  handler,
		manager:  manager,
		log:      log,
	}, nil
}

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background services down in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
