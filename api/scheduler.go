/*
scheduler.go - Dashboard refresh scheduler

PURPOSE:
  Periodically rebuilds the admin dashboard from the ledger and publishes
  it as Prometheus gauges, so alerting sees outstanding cashback and the
  pending queue without anyone opening the console.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Refreshes immediately on start
  - A failed refresh is logged and leaves the previous gauge values

USAGE:
  s := NewDashboardScheduler(store, gauges, logg)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: Dashboard endpoint (same aggregation, on demand)
  - metrics/dashboard.go: BuildDashboard, DashboardGauges
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/metrics"
)

// DashboardScheduler refreshes the dashboard gauges on a ticker.
type DashboardScheduler struct {
	Store    Backend
	Gauges   *metrics.DashboardGauges
	Logger   *logger.Logger
	Interval time.Duration
	Enabled  bool
	Clock    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewDashboardScheduler(store Backend, gauges *metrics.DashboardGauges, logg *logger.Logger) *DashboardScheduler {
	if logg == nil {
		logg = logger.Nop()
	}
	return &DashboardScheduler{
		Store:    store,
		Gauges:   gauges,
		Logger:   logg,
		Interval: time.Minute,
		Enabled:  true,
		Clock:    time.Now,
	}
}

// Start begins the scheduler.
func (s *DashboardScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.Logger.WithField(context.Background(), "component", "dashboard_scheduler")
	if !s.Enabled {
		s.Logger.Info(ctx, "scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx, s.ticker, s.stop)

	s.Logger.Info(s.Logger.WithField(ctx, "interval", s.Interval.String()), "scheduler started")
}

// Stop stops the scheduler and waits for an in-flight refresh.
func (s *DashboardScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info(context.Background(), "scheduler stopped")
	}
}

func (s *DashboardScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow refreshes once, synchronously.
func (s *DashboardScheduler) RunNow(ctx context.Context) error {
	return s.refresh(ctx)
}

func (s *DashboardScheduler) tick(ctx context.Context) {
	if err := s.refresh(ctx); err != nil {
		s.Logger.Error(ctx, "dashboard refresh failed", err)
	}
}

func (s *DashboardScheduler) refresh(ctx context.Context) error {
	timeout := s.Interval
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := metrics.BuildDashboard(ctx, s.Store, s.Store, s.Clock())
	if err != nil {
		return err
	}
	s.Gauges.Set(d)
	s.Logger.Debug(s.Logger.WithFields(ctx, map[string]any{
		"customers":         d.Customers,
		"pending_purchases": d.PendingPurchases,
		"outstanding":       d.Outstanding.StringFixed(2),
	}), "dashboard refreshed")
	return nil
}
