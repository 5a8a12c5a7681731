package queue

import (
	"context"
	"errors"
	"time"

	"kasirinaja/tabclient/internal/domain"
)

// Key names the persisted offline sale list in every backend.
const Key = "offline_sales"

var (
	ErrNotFound  = errors.New("queued sale not found")
	ErrDuplicate = errors.New("queued sale already exists")
	ErrInvalid   = errors.New("invalid queued sale")
)

// Queue is the local durable list of sales captured while the Ledger
// Service was unreachable. List returns entries in capture order.
// Implementations must accept Enqueue while a drain is iterating.
type Queue interface {
	Enqueue(ctx context.Context, sale domain.QueuedOfflineSale) error
	List(ctx context.Context) ([]domain.QueuedOfflineSale, error)
	Remove(ctx context.Context, tempID string) error
	MarkAttempt(ctx context.Context, tempID string, attemptErr string, at time.Time) error
	Len(ctx context.Context) (int, error)
}

func Validate(sale domain.QueuedOfflineSale) error {
	if sale.TempID == "" {
		return ErrInvalid
	}
	if sale.Sale.TempID != "" && sale.Sale.TempID != sale.TempID {
		return ErrInvalid
	}
	return nil
}
