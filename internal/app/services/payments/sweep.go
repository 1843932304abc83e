package payments

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/expont-mind/happy-academy-payments/internal/app/system"
	"github.com/expont-mind/happy-academy-payments/pkg/logger"
)

// DefaultSweepSchedule re-checks pending transactions every minute.
const DefaultSweepSchedule = "@every 1m"

// SweepRunner periodically reconciles all pending, unexpired transactions
// against the gateway, as a fallback for unreliable callbacks. Separate runs
// may overlap a concurrent callback; the store's compare-and-set keeps
// fulfillment at-most-once regardless.
type SweepRunner struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*SweepRunner)(nil)

// NewSweepRunner creates a sweep on the given cron schedule.
func NewSweepRunner(service *Service, schedule string, log *logger.Logger) *SweepRunner {
	if log == nil {
		log = logger.NewDefault("payments-sweep")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &SweepRunner{service: service, schedule: schedule, log: log}
}

func (r *SweepRunner) Name() string { return "payments-sweep" }

// Start begins the periodic sweep.
func (r *SweepRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.tick(runCtx) }); err != nil {
		cancel()
		return err
	}
	c.Start()

	r.cron = c
	r.cancel = cancel
	r.running = true
	r.log.Infof("payment sweep started (schedule %s)", r.schedule)
	return nil
}

// Stop halts the sweep and waits for an in-flight run to finish.
func (r *SweepRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	cancel := r.cancel
	r.cron = nil
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()
	stopCtx := c.Stop()

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick runs one sweep over all users' pending transactions.
func (r *SweepRunner) tick(ctx context.Context) {
	completed, err := r.service.CheckPending(ctx, "")
	if err != nil {
		r.log.WithError(err).Warn("payment sweep failed")
		return
	}
	if len(completed) > 0 {
		r.log.Infof("payment sweep settled %d transaction(s)", len(completed))
	}
}
