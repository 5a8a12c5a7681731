package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/observability/metrics"
	"kasirinaja/tabclient/internal/queue"
	"kasirinaja/tabclient/internal/xid"
)

// ErrReloginRequired stops a drain when the ledger rejects the session.
var ErrReloginRequired = errors.New("ledger rejected the session, log in again to resume sync")

type ManagerParams struct {
	Queue   queue.Queue
	Ledger  ledger.Client
	IDs     *xid.Generator
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Clock   clock.Clock
}

// Manager captures sales while the Ledger Service is unreachable and
// replays them in capture order once it is back.
type Manager struct {
	queue   queue.Queue
	ledger  ledger.Client
	ids     *xid.Generator
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *zap.Logger
	clock   clock.Clock

	drains singleflight.Group

	mu      sync.Mutex
	removed map[string]struct{}
}

type DrainResult struct {
	TempID string `json:"temp_id"`
	Result string `json:"result"`
	SaleID string `json:"sale_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

type DrainReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Submitted  int           `json:"submitted"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Halted     bool          `json:"halted"`
	Remaining  int           `json:"remaining"`
	Results    []DrainResult `json:"results"`
}

type SellResult struct {
	TempID  string                    `json:"temp_id"`
	Record  *domain.SaleRecord        `json:"record,omitempty"`
	Queued  *domain.QueuedOfflineSale `json:"queued,omitempty"`
	Offline bool                      `json:"offline"`
}

func NewManager(p ManagerParams) (*Manager, error) {
	if p.Queue == nil || p.Ledger == nil {
		return nil, errors.New("offline manager needs a queue and a ledger client")
	}
	if p.IDs == nil {
		ids, err := xid.NewGenerator(1)
		if err != nil {
			return nil, err
		}
		p.IDs = ids
	}
	if p.Limiter == nil {
		p.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	if p.Clock == nil {
		p.Clock = clock.SystemClock{}
	}
	return &Manager{
		queue:   p.Queue,
		ledger:  p.Ledger,
		ids:     p.IDs,
		limiter: p.Limiter,
		metrics: p.Metrics,
		log:     p.Log,
		clock:   p.Clock,
		removed: make(map[string]struct{}),
	}, nil
}

// Capture assigns a tempId and appends the sale to the local queue. It
// never touches the network.
func (m *Manager) Capture(ctx context.Context, sale domain.SaleData) (domain.QueuedOfflineSale, error) {
	if err := validateSale("offline.capture", sale); err != nil {
		return domain.QueuedOfflineSale{}, err
	}
	if sale.TempID == "" {
		sale.TempID = m.ids.Next()
	}
	return m.enqueue(ctx, sale)
}

func (m *Manager) enqueue(ctx context.Context, sale domain.SaleData) (domain.QueuedOfflineSale, error) {
	now := m.clock.Now()
	if sale.SoldAt.IsZero() {
		sale.SoldAt = now
	}
	queued := domain.QueuedOfflineSale{
		TempID:     sale.TempID,
		Sale:       sale,
		CapturedAt: now,
	}
	if err := m.queue.Enqueue(ctx, queued); err != nil {
		return domain.QueuedOfflineSale{}, fmt.Errorf("queue offline sale %s: %w", sale.TempID, err)
	}
	m.metrics.IncOfflineCaptured()
	m.log.Info("sale captured offline",
		zap.String("temp_id", sale.TempID),
		zap.Int64("total_cents", sale.TotalCents()),
	)
	return queued, nil
}

// Sell submits a sale online and falls back to Capture when the ledger is
// unreachable. The tempId is assigned up front so both paths carry the
// same idempotency key.
func (m *Manager) Sell(ctx context.Context, sale domain.SaleData) (SellResult, error) {
	if err := validateSale("offline.sell", sale); err != nil {
		return SellResult{}, err
	}
	if sale.TempID == "" {
		sale.TempID = m.ids.Next()
	}
	if sale.SoldAt.IsZero() {
		sale.SoldAt = m.clock.Now()
	}

	record, err := m.ledger.CreateSale(ctx, sale)
	if err == nil {
		return SellResult{TempID: sale.TempID, Record: &record}, nil
	}
	if !apperr.Retryable(err) {
		return SellResult{}, err
	}

	m.log.Warn("ledger unreachable, capturing sale offline", zap.String("temp_id", sale.TempID), zap.Error(err))
	queued, qerr := m.enqueue(context.WithoutCancel(ctx), sale)
	if qerr != nil {
		return SellResult{}, errors.Join(err, qerr)
	}
	return SellResult{TempID: sale.TempID, Queued: &queued, Offline: true}, nil
}

// Drain submits every queued sale in capture order. Concurrent callers
// share one pass. A rejected session halts the pass with
// ErrReloginRequired; any other failure leaves that sale queued and moves
// on to the next.
func (m *Manager) Drain(ctx context.Context) (DrainReport, error) {
	v, err, _ := m.drains.Do("drain", func() (any, error) {
		return m.drain(ctx)
	})
	report, _ := v.(DrainReport)
	return report, err
}

func (m *Manager) drain(ctx context.Context) (DrainReport, error) {
	report := DrainReport{StartedAt: m.clock.Now(), Results: []DrainResult{}}
	finish := func(err error) (DrainReport, error) {
		report.FinishedAt = m.clock.Now()
		if n, lenErr := m.queue.Len(context.WithoutCancel(ctx)); lenErr == nil {
			report.Remaining = n
		}
		return report, err
	}

	pending, err := m.queue.List(ctx)
	if err != nil {
		return finish(fmt.Errorf("list offline queue: %w", err))
	}
	if len(pending) == 0 {
		return finish(nil)
	}
	m.log.Info("draining offline queue", zap.Int("pending", len(pending)))

	for _, item := range pending {
		if m.wasRemoved(item.TempID) {
			if err := m.queue.Remove(ctx, item.TempID); err != nil && !errors.Is(err, queue.ErrNotFound) {
				m.log.Warn("drop already submitted sale", zap.String("temp_id", item.TempID), zap.Error(err))
			}
			report.Skipped++
			report.Results = append(report.Results, DrainResult{TempID: item.TempID, Result: metrics.DrainResultSkipped})
			m.metrics.IncDrainResult(metrics.DrainResultSkipped)
			continue
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return finish(err)
		}

		sale := item.Sale
		sale.TempID = item.TempID
		record, err := m.ledger.CreateSale(ctx, sale)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(ctxErr)
			}
			if apperr.IsAuthExpired(err) {
				report.Halted = true
				report.Results = append(report.Results, DrainResult{TempID: item.TempID, Result: metrics.DrainResultAuthHalted, Error: err.Error()})
				m.metrics.IncDrainResult(metrics.DrainResultAuthHalted)
				m.log.Warn("drain halted, session rejected", zap.String("temp_id", item.TempID), zap.Error(err))
				return finish(fmt.Errorf("%w: %w", ErrReloginRequired, err))
			}

			report.Failed++
			report.Results = append(report.Results, DrainResult{TempID: item.TempID, Result: metrics.DrainResultFailed, Error: err.Error()})
			m.metrics.IncDrainResult(metrics.DrainResultFailed)
			if markErr := m.queue.MarkAttempt(ctx, item.TempID, err.Error(), m.clock.Now()); markErr != nil {
				m.log.Warn("record drain attempt", zap.String("temp_id", item.TempID), zap.Error(markErr))
			}
			m.log.Warn("queued sale not accepted, keeping it",
				zap.String("temp_id", item.TempID),
				zap.Bool("retryable", apperr.Retryable(err)),
				zap.Error(err),
			)
			continue
		}

		m.markRemoved(item.TempID)
		if err := m.queue.Remove(ctx, item.TempID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			// submitted; the removed mark keeps it from being sent again
			m.log.Error("remove submitted sale from queue", zap.String("temp_id", item.TempID), zap.Error(err))
		}

		result := metrics.DrainResultSubmitted
		if record.Duplicate {
			result = metrics.DrainResultDuplicate
			report.Duplicates++
		} else {
			report.Submitted++
		}
		report.Results = append(report.Results, DrainResult{TempID: item.TempID, Result: result, SaleID: record.SaleID})
		m.metrics.IncDrainResult(result)
	}

	m.log.Info("offline drain finished",
		zap.Int("submitted", report.Submitted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return finish(nil)
}

// Pending lists queued sales in capture order.
func (m *Manager) Pending(ctx context.Context) ([]domain.QueuedOfflineSale, error) {
	return m.queue.List(ctx)
}

func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.queue.Len(ctx)
}

func (m *Manager) wasRemoved(tempID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.removed[tempID]
	return ok
}

func (m *Manager) markRemoved(tempID string) {
	m.mu.Lock()
	m.removed[tempID] = struct{}{}
	m.mu.Unlock()
}

func validateSale(op string, sale domain.SaleData) error {
	if len(sale.Lines) == 0 {
		return apperr.Invalid(op, "sale has no lines")
	}
	if !domain.IsSupportedPaymentMethod(sale.PaymentMethod) {
		return apperr.Invalid(op, "unsupported payment method %q", sale.PaymentMethod)
	}
	for _, line := range sale.Lines {
		if strings.TrimSpace(line.ProductID) == "" || line.Quantity < 1 || line.UnitPriceCents < 0 {
			return apperr.Invalid(op, "invalid line for product %q", line.ProductID)
		}
	}
	return nil
}
