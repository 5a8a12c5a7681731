package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/cache"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
)

// SplitCoordinator drives the "divide the bill among N people" cycle. The
// split counters live in the Ledger Service; every mutation is followed by
// a fetch and only the fetched status is trusted.
type SplitCoordinator struct {
	ledger   ledger.Client
	cache    cache.SplitStatusCache
	cacheTTL time.Duration
	log      *zap.Logger
}

type SharePayment struct {
	Ack    domain.PaymentAck  `json:"ack"`
	Status domain.SplitStatus `json:"status"`
	// Settled is true when the refreshed status shows every share paid.
	Settled bool `json:"settled"`
}

func NewSplitCoordinator(client ledger.Client, statusCache cache.SplitStatusCache, log *zap.Logger) *SplitCoordinator {
	if statusCache == nil {
		statusCache = cache.NoopSplitStatusCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SplitCoordinator{
		ledger:   client,
		cache:    statusCache,
		cacheTTL: 10 * time.Minute,
		log:      log,
	}
}

func (c *SplitCoordinator) SetPeopleCount(ctx context.Context, accountID string, people int) (domain.SplitStatus, error) {
	const op = "split.set_people_count"
	if people < 1 {
		return domain.SplitStatus{}, apperr.Invalid(op, "people count must be a positive integer, got %d", people)
	}
	if err := c.ledger.SetSplitPeople(ctx, accountID, people); err != nil {
		return domain.SplitStatus{}, err
	}
	return c.RefreshStatus(ctx, accountID)
}

// RefreshStatus is the only trusted source of how many shares are paid.
func (c *SplitCoordinator) RefreshStatus(ctx context.Context, accountID string) (domain.SplitStatus, error) {
	status, err := c.ledger.GetSplitStatus(ctx, accountID)
	if err != nil {
		return domain.SplitStatus{}, err
	}
	if status.RemainingShares < 0 || status.RemainingShares > status.TotalShares || status.SharePriceCents < 0 {
		c.log.Warn("ledger returned inconsistent split status",
			zap.String("account_id", accountID),
			zap.Int("total", status.TotalShares),
			zap.Int("remaining", status.RemainingShares),
			zap.Int64("share_cents", status.SharePriceCents),
		)
		return domain.SplitStatus{}, &apperr.Error{Op: "split.refresh_status", Kind: apperr.ErrTransient, Message: "inconsistent split status from ledger"}
	}
	if err := c.cache.Set(ctx, accountID, status, c.cacheTTL); err != nil {
		c.log.Warn("cache split status", zap.String("account_id", accountID), zap.Error(err))
	}
	return status, nil
}

// RecordSharePayment records one share and pulls the new remainder.
func (c *SplitCoordinator) RecordSharePayment(ctx context.Context, accountID string, amountCents int64, payerName string, method string) (SharePayment, error) {
	const op = "split.record_share_payment"
	if amountCents <= 0 {
		return SharePayment{}, apperr.Invalid(op, "share amount must be positive")
	}
	if !domain.IsSupportedPaymentMethod(method) {
		return SharePayment{}, apperr.Invalid(op, "unsupported payment method %q", method)
	}

	ack, err := c.ledger.RecordPayment(ctx, accountID, domain.PaymentRequest{
		AmountCents: amountCents,
		PayerName:   payerName,
		Method:      method,
		SplitShare:  true,
	})
	if err != nil {
		return SharePayment{}, err
	}

	status, err := c.RefreshStatus(ctx, accountID)
	if err != nil {
		// the payment is recorded; the caller must refresh before trusting any balance
		return SharePayment{Ack: ack}, err
	}
	return SharePayment{
		Ack:     ack,
		Status:  status,
		Settled: status.Active() && status.RemainingShares == 0,
	}, nil
}

// CachedStatus returns the last mirrored status for display only.
func (c *SplitCoordinator) CachedStatus(ctx context.Context, accountID string) (domain.SplitStatus, bool) {
	status, ok, err := c.cache.Get(ctx, accountID)
	if err != nil || !ok {
		return domain.SplitStatus{}, false
	}
	return *status, true
}

func (c *SplitCoordinator) Forget(ctx context.Context, accountID string) {
	if err := c.cache.Delete(ctx, accountID); err != nil {
		c.log.Warn("drop cached split status", zap.String("account_id", accountID), zap.Error(err))
	}
}
