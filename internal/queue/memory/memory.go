package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/queue"
)

// Queue keeps offline sales in process memory. It does not survive a
// restart and is meant for tests and QUEUE_DRIVER=memory demos.
type Queue struct {
	mu    sync.Mutex
	sales []domain.QueuedOfflineSale
}

var _ queue.Queue = (*Queue)(nil)

func New() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(_ context.Context, sale domain.QueuedOfflineSale) error {
	if err := queue.Validate(sale); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(sale.TempID) >= 0 {
		return queue.ErrDuplicate
	}
	sale.Sale.Lines = slices.Clone(sale.Sale.Lines)
	q.sales = append(q.sales, sale)
	return nil
}

func (q *Queue) List(_ context.Context) ([]domain.QueuedOfflineSale, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.sales), nil
}

func (q *Queue) Remove(_ context.Context, tempID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(tempID)
	if idx < 0 {
		return queue.ErrNotFound
	}
	q.sales = slices.Delete(q.sales, idx, idx+1)
	return nil
}

func (q *Queue) MarkAttempt(_ context.Context, tempID string, attemptErr string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(tempID)
	if idx < 0 {
		return queue.ErrNotFound
	}
	attemptAt := at
	q.sales[idx].Attempts++
	q.sales[idx].LastError = attemptErr
	q.sales[idx].LastAttemptAt = &attemptAt
	return nil
}

func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sales), nil
}

func (q *Queue) indexOf(tempID string) int {
	return slices.IndexFunc(q.sales, func(s domain.QueuedOfflineSale) bool {
		return s.TempID == tempID
	})
}
