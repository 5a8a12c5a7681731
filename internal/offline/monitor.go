package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/domain"
)

// Monitor reacts to connectivity events: going online triggers a drain,
// and while online a ticker drains anything left behind. After a drain
// halts on a rejected session it stays idle until Resume is called.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	log      *zap.Logger

	mu         sync.Mutex
	online     bool
	needsLogin bool
	lastReport *DrainReport
}

func NewMonitor(manager *Manager, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{manager: manager, interval: interval, log: log, online: true}
}

// Run blocks until ctx is done or events is closed.
func (m *Monitor) Run(ctx context.Context, events <-chan domain.ConnectivityEvent) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if m.setOnline(ev.Online) {
				m.log.Info("connectivity restored, draining offline queue")
				m.drain(ctx)
			}
		case <-ticker.C:
			if m.shouldDrain() {
				m.drain(ctx)
			}
		}
	}
}

// Resume clears the re-login hold and drains if online.
func (m *Monitor) Resume(ctx context.Context) {
	m.mu.Lock()
	m.needsLogin = false
	online := m.online
	m.mu.Unlock()
	if online {
		m.drain(ctx)
	}
}

// Sell captures straight to the queue while the terminal is known to be
// offline, so the sale never waits on the ledger timeout. Otherwise it
// behaves like Manager.Sell.
func (m *Monitor) Sell(ctx context.Context, sale domain.SaleData) (SellResult, error) {
	if m.Online() {
		return m.manager.Sell(ctx, sale)
	}
	queued, err := m.manager.Capture(ctx, sale)
	if err != nil {
		return SellResult{}, err
	}
	return SellResult{TempID: queued.TempID, Queued: &queued, Offline: true}, nil
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) NeedsLogin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsLogin
}

func (m *Monitor) LastReport() (DrainReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReport == nil {
		return DrainReport{}, false
	}
	return *m.lastReport, true
}

// setOnline records the state and reports an offline to online edge.
func (m *Monitor) setOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cameBack := online && !m.online
	m.online = online
	return cameBack && !m.needsLogin
}

func (m *Monitor) shouldDrain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online && !m.needsLogin
}

// DrainNow drains on request, recording the outcome like a scheduled
// drain. It ignores the connectivity state.
func (m *Monitor) DrainNow(ctx context.Context) (DrainReport, error) {
	return m.drain(ctx)
}

func (m *Monitor) drain(ctx context.Context) (DrainReport, error) {
	report, err := m.manager.Drain(ctx)

	m.mu.Lock()
	m.lastReport = &report
	if errors.Is(err, ErrReloginRequired) {
		m.needsLogin = true
	}
	m.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, ErrReloginRequired):
		m.log.Warn("offline sync paused until the operator logs in again", zap.Int("remaining", report.Remaining))
	case errors.Is(err, context.Canceled):
	default:
		m.log.Error("offline drain failed", zap.Error(err))
	}
	return report, err
}
