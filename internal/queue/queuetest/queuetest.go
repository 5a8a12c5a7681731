// Package queuetest holds the behaviour every queue backend must share.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/queue"
)

// Run exercises a backend. newQueue must return an empty queue.
func Run(t *testing.T, newQueue func(t *testing.T) queue.Queue) {
	t.Run("preserves capture order", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)

		for _, id := range []string{"300", "100", "200"} {
			require.NoError(t, q.Enqueue(ctx, Sale(id)))
		}
		listed, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, []string{"300", "100", "200"}, tempIDs(listed))
	})

	t.Run("round trips sale payload", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		in := Sale("777")
		require.NoError(t, q.Enqueue(ctx, in))

		listed, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		got := listed[0]
		assert.Equal(t, in.TempID, got.TempID)
		assert.Equal(t, in.Sale.PaymentMethod, got.Sale.PaymentMethod)
		assert.Equal(t, in.Sale.Lines, got.Sale.Lines)
		assert.True(t, in.CapturedAt.Equal(got.CapturedAt), "captured_at %s != %s", in.CapturedAt, got.CapturedAt)
		assert.Equal(t, int64(5000), got.Sale.TotalCents())
	})

	t.Run("rejects duplicate temp id", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Sale("1")))
		assert.ErrorIs(t, q.Enqueue(ctx, Sale("1")), queue.ErrDuplicate)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("rejects missing temp id", func(t *testing.T) {
		assert.ErrorIs(t, newQueue(t).Enqueue(context.Background(), domain.QueuedOfflineSale{}), queue.ErrInvalid)
	})

	t.Run("removes by temp id", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Sale("1")))
		require.NoError(t, q.Enqueue(ctx, Sale("2")))

		require.NoError(t, q.Remove(ctx, "1"))
		assert.ErrorIs(t, q.Remove(ctx, "1"), queue.ErrNotFound)

		listed, err := q.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, tempIDs(listed))
	})

	t.Run("records attempts", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Sale("9")))

		at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		require.NoError(t, q.MarkAttempt(ctx, "9", "ledger unreachable", at))
		require.NoError(t, q.MarkAttempt(ctx, "9", "validation failed", at.Add(time.Minute)))
		assert.ErrorIs(t, q.MarkAttempt(ctx, "missing", "x", at), queue.ErrNotFound)

		listed, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, 2, listed[0].Attempts)
		assert.Equal(t, "validation failed", listed[0].LastError)
		require.NotNil(t, listed[0].LastAttemptAt)
		assert.True(t, listed[0].LastAttemptAt.Equal(at.Add(time.Minute)))
	})

	t.Run("accepts concurrent appends", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, q.Enqueue(ctx, Sale(fmt.Sprintf("c-%d", i))))
			}(i)
		}
		wg.Wait()

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20, n)
	})
}

// Sale builds a $50 cash sale captured under tempID.
func Sale(tempID string) domain.QueuedOfflineSale {
	capturedAt := time.Date(2026, 3, 1, 21, 15, 0, 0, time.UTC)
	return domain.QueuedOfflineSale{
		TempID:     tempID,
		CapturedAt: capturedAt,
		Sale: domain.SaleData{
			TempID:        tempID,
			PaymentMethod: domain.PaymentMethodCash,
			SoldAt:        capturedAt,
			Lines: []domain.SaleLine{
				{ProductID: "BOC-01", Name: "Bocadillo", Quantity: 2, UnitPriceCents: 1500, IngredientIDs: []string{"queso"}},
				{ProductID: "VINO-01", Name: "Vino", Quantity: 1, UnitPriceCents: 2000},
			},
		},
	}
}

func tempIDs(sales []domain.QueuedOfflineSale) []string {
	out := make([]string, 0, len(sales))
	for _, s := range sales {
		out = append(out, s.TempID)
	}
	return out
}
